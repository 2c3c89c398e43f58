package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_Explicit(t *testing.T) {
	err := NewTransientError(errors.New("smtp: 451 try again later"))
	assert.True(t, IsTransient(err))

	wrapped := fmt.Errorf("probe: %w", err)
	assert.True(t, IsTransient(wrapped))
}

func TestIsTransient_PlainError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("550 mailbox unavailable")))
}

func TestIsTransient_Syscall(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, IsTransient(fmt.Errorf("read: %w", syscall.ECONNRESET)))
}

func TestIsTransient_DNSTemporary(t *testing.T) {
	err := &net.DNSError{Err: "server misbehaving", Name: "acme.test", IsTemporary: true}
	assert.True(t, IsTransient(err))

	hard := &net.DNSError{Err: "no such host", Name: "acme.test", IsNotFound: true}
	assert.False(t, IsTransient(hard))
}

func TestIsTransient_StringPatterns(t *testing.T) {
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(errors.New("permission denied")))
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := NewTransientError(inner)
	assert.ErrorIs(t, err, inner)
}
