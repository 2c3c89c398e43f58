package validate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/resilience"
)

type fakeResolver struct {
	hosts   map[string][]string
	err     error
	lookups atomic.Int64
	block   chan struct{} // if set, lookups wait until closed
}

func (f *fakeResolver) LookupMX(_ context.Context, domain string) ([]string, error) {
	f.lookups.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.hosts[domain], nil
}

type fakeProbe struct {
	result ProbeResult
	err    error
	probes atomic.Int64
}

func (f *fakeProbe) Probe(context.Context, string, []string) (ProbeResult, error) {
	f.probes.Add(1)
	if f.err != nil {
		return ProbeResult{}, f.err
	}
	return f.result, nil
}

func noRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}
}

func TestValidate_DeliverableEmail(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]string{"acme.test": {"mx1.acme.test"}}}
	probe := &fakeProbe{result: ProbeResult{Status: StatusDeliverable, Confidence: 0.92}}
	svc := NewService(resolver, probe, WithRetry(noRetry()))

	summary, err := svc.Validate(context.Background(), "info@acme.test", "", "")
	require.NoError(t, err)

	assert.Equal(t, StatusDeliverable, summary.Statuses["email"])
	assert.InDelta(t, 0.92, summary.EmailConfidence, 0.001)
	assert.NotContains(t, summary.Statuses, "phone")
}

func TestValidate_DNSFailureIsUndeliverable(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("no such host")}
	probe := &fakeProbe{}
	svc := NewService(resolver, probe, WithRetry(noRetry()))

	summary, err := svc.Validate(context.Background(), "info@gone.test", "", "")
	require.NoError(t, err)

	assert.Equal(t, StatusUndeliverable, summary.Statuses["email"])
	assert.Zero(t, summary.EmailConfidence)
	assert.Zero(t, probe.probes.Load(), "no probe without mail hosts")
}

func TestValidate_NoProbeFallsBackToSyntax(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]string{"acme.test": {"mx1.acme.test"}}}
	svc := NewService(resolver, nil)

	summary, err := svc.Validate(context.Background(), "info@acme.test", "", "")
	require.NoError(t, err)

	assert.Equal(t, StatusUnknown, summary.Statuses["email"])
	assert.InDelta(t, syntaxOnlyConfidence, summary.EmailConfidence, 0.001)
}

func TestValidate_ProbeErrorDegradesToUnknown(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]string{"acme.test": {"mx1.acme.test"}}}
	probe := &fakeProbe{err: errors.New("connection refused mid-conversation")}
	svc := NewService(resolver, probe, WithRetry(noRetry()))

	summary, err := svc.Validate(context.Background(), "info@acme.test", "", "")
	require.NoError(t, err, "probe failure is degradation, not an error")

	assert.Equal(t, StatusUnknown, summary.Statuses["email"])
	assert.InDelta(t, syntaxOnlyConfidence, summary.EmailConfidence, 0.001)
	assert.Equal(t, int64(1), svc.StatsSnapshot().Degraded)
}

func TestValidate_MalformedEmailIsHardFailure(t *testing.T) {
	svc := NewService(&fakeResolver{}, nil)

	summary, err := svc.Validate(context.Background(), "not-an-email", "", "")
	require.Error(t, err)
	assert.True(t, party.IsMalformed(err))

	require.NotNil(t, summary)
	assert.Zero(t, summary.EmailConfidence)
	assert.Equal(t, int64(1), svc.StatsSnapshot().Malformed)
}

func TestValidate_MalformedErrorCachedWithSummary(t *testing.T) {
	svc := NewService(&fakeResolver{}, nil)

	first, firstErr := svc.Validate(context.Background(), "not-an-email", "", "")
	require.Error(t, firstErr)

	second, secondErr := svc.Validate(context.Background(), "not-an-email", "", "")
	require.Error(t, secondErr)
	assert.True(t, party.IsMalformed(secondErr))

	assert.Same(t, first, second, "cache hit returns the same summary")
	assert.Equal(t, firstErr, secondErr, "cache hit returns the same error")
	assert.Equal(t, int64(1), svc.StatsSnapshot().CacheHits)
}

func TestValidate_PhonePath(t *testing.T) {
	svc := NewService(&fakeResolver{}, nil)

	summary, err := svc.Validate(context.Background(), "", "+1 650 253 0000", "US")
	require.NoError(t, err)
	assert.Equal(t, StatusDeliverable, summary.Statuses["phone"])
	assert.InDelta(t, validPhoneConfidence, summary.PhoneConfidence, 0.001)

	summary, err = svc.Validate(context.Background(), "", "12345", "US")
	require.NoError(t, err)
	assert.Equal(t, StatusUndeliverable, summary.Statuses["phone"])
	assert.Zero(t, summary.PhoneConfidence)
}

func TestValidate_CacheSingleLookupAndProbe(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]string{"acme.test": {"mx1.acme.test"}}}
	probe := &fakeProbe{result: ProbeResult{Status: StatusDeliverable, Confidence: 0.9}}
	svc := NewService(resolver, probe, WithRetry(noRetry()))

	first, err := svc.Validate(context.Background(), "info@acme.test", "+1 650 253 0000", "US")
	require.NoError(t, err)
	second, err := svc.Validate(context.Background(), "info@acme.test", "+1 650 253 0000", "US")
	require.NoError(t, err)

	assert.Same(t, first, second, "repeated calls return the cached result object")
	assert.Equal(t, int64(1), resolver.lookups.Load())
	assert.Equal(t, int64(1), probe.probes.Load())
	assert.Equal(t, int64(1), svc.StatsSnapshot().CacheHits)
}

func TestValidate_ConcurrentCallersShareOneProbe(t *testing.T) {
	resolver := &fakeResolver{
		hosts: map[string][]string{"acme.test": {"mx1.acme.test"}},
		block: make(chan struct{}),
	}
	probe := &fakeProbe{result: ProbeResult{Status: StatusDeliverable, Confidence: 0.9}}
	svc := NewService(resolver, probe, WithRetry(noRetry()))

	const callers = 8
	results := make([]*Summary, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := svc.Validate(context.Background(), "info@acme.test", "", "")
			require.NoError(t, err)
			results[i] = s
		}(i)
	}

	// Let all callers pile up on the in-flight key, then release.
	time.Sleep(20 * time.Millisecond)
	close(resolver.block)
	wg.Wait()

	assert.Equal(t, int64(1), resolver.lookups.Load(), "single-flight: one DNS lookup")
	assert.Equal(t, int64(1), probe.probes.Load(), "single-flight: one probe")
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestValidate_TimeoutDegrades(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]string{"acme.test": {"mx1.acme.test"}}}
	slow := &slowProbe{delay: 200 * time.Millisecond}
	svc := NewService(resolver, slow, WithTimeout(10*time.Millisecond), WithRetry(noRetry()))

	summary, err := svc.Validate(context.Background(), "info@acme.test", "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, summary.Statuses["email"])
}

type slowProbe struct {
	delay time.Duration
}

func (p *slowProbe) Probe(ctx context.Context, _ string, _ []string) (ProbeResult, error) {
	select {
	case <-time.After(p.delay):
		return ProbeResult{Status: StatusDeliverable, Confidence: 0.9}, nil
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	}
}

func TestSummary_OverallConfidence(t *testing.T) {
	both := &Summary{
		EmailConfidence: 0.9,
		PhoneConfidence: 0.5,
		Statuses:        map[string]Status{"email": StatusDeliverable, "phone": StatusDeliverable},
	}
	// Email weighted above phone: 0.7*0.9 + 0.3*0.5 = 0.78.
	assert.InDelta(t, 0.78, both.OverallConfidence(), 0.001)

	emailOnly := &Summary{EmailConfidence: 0.9, Statuses: map[string]Status{"email": StatusDeliverable}}
	assert.InDelta(t, 0.9, emailOnly.OverallConfidence(), 0.001)

	phoneOnly := &Summary{PhoneConfidence: 0.9, Statuses: map[string]Status{"phone": StatusDeliverable}}
	assert.InDelta(t, 0.9, phoneOnly.OverallConfidence(), 0.001)

	empty := &Summary{Statuses: map[string]Status{}}
	assert.Zero(t, empty.OverallConfidence())
}

func TestSummary_DeliverabilityFloor(t *testing.T) {
	emailOnly := &Summary{EmailConfidence: 0.9, Statuses: map[string]Status{"email": StatusDeliverable}}
	assert.GreaterOrEqual(t, emailOnly.DeliverabilityScore(), 0.45, "floors at email_confidence/2")

	both := &Summary{EmailConfidence: 0.8, PhoneConfidence: 0.9}
	assert.InDelta(t, 0.82, both.DeliverabilityScore(), 0.001)
}
