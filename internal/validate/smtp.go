package validate

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/canon-cli/internal/resilience"
)

// SMTPProbe checks deliverability with an RCPT TO conversation against
// the first reachable mail host. The conversation is abandoned before
// DATA, so no message is ever sent.
type SMTPProbe struct {
	// HeloDomain identifies this host in the HELO command.
	HeloDomain string
	// FromAddress is the envelope sender for MAIL FROM.
	FromAddress string
	// Port defaults to 25.
	Port int

	// DialContext can be overridden in tests. Defaults to a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

const probeConfidence = 0.95

// Probe tries each mail host in order. Permanent rejections (5xx on
// RCPT) mean UNDELIVERABLE; acceptance means DELIVERABLE; transient
// rejections (4xx) surface as retryable errors so the caller's retry
// policy decides when to give up.
func (p *SMTPProbe) Probe(ctx context.Context, email string, mxHosts []string) (ProbeResult, error) {
	port := p.Port
	if port == 0 {
		port = 25
	}
	dial := p.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	var lastErr error
	for _, host := range mxHosts {
		result, err := p.probeHost(ctx, dial, email, fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !resilience.IsTransient(err) {
			break
		}
	}
	if lastErr == nil {
		lastErr = eris.New("smtp: no mail hosts to probe")
	}
	return ProbeResult{}, lastErr
}

func (p *SMTPProbe) probeHost(ctx context.Context, dial func(context.Context, string, string) (net.Conn, error), email, addr string) (ProbeResult, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return ProbeResult{}, resilience.NewTransientError(eris.Wrapf(err, "smtp: dial %s", addr))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, addr)
	if err != nil {
		conn.Close()
		return ProbeResult{}, resilience.NewTransientError(eris.Wrap(err, "smtp: greeting"))
	}
	defer client.Close()

	if err := client.Hello(p.HeloDomain); err != nil {
		return ProbeResult{}, classifySMTPError(err)
	}
	if err := client.Mail(p.FromAddress); err != nil {
		return ProbeResult{}, classifySMTPError(err)
	}

	if err := client.Rcpt(email); err != nil {
		if isPermanentReject(err) {
			_ = client.Quit()
			return ProbeResult{Status: StatusUndeliverable, Confidence: probeConfidence}, nil
		}
		return ProbeResult{}, classifySMTPError(err)
	}

	_ = client.Quit()
	return ProbeResult{Status: StatusDeliverable, Confidence: probeConfidence}, nil
}

// isPermanentReject detects a 5xx response to RCPT, which is a
// definitive answer rather than a failure of the probe itself.
func isPermanentReject(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "550") || strings.HasPrefix(msg, "551") ||
		strings.HasPrefix(msg, "553") || strings.HasPrefix(msg, "554")
}

func classifySMTPError(err error) error {
	msg := err.Error()
	if strings.HasPrefix(msg, "4") {
		return resilience.NewTransientError(eris.Wrap(err, "smtp: transient reject"))
	}
	return eris.Wrap(err, "smtp: conversation failed")
}
