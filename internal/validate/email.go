package validate

import (
	"context"
	"net"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/resilience"
)

var emailSyntax = regexp.MustCompile(`(?i)^[a-z0-9._%+\-]{1,64}@[a-z0-9.\-]+\.[a-z]{2,}$`)

// Confidence assigned from syntactic validity alone, used when no
// probe is available or the probe degrades to UNKNOWN.
const syntaxOnlyConfidence = 0.6

// validateEmail runs the email path: syntax check, MX resolution, then
// an optional protocol probe. DNS failure means UNDELIVERABLE with zero
// confidence; probe failure degrades to UNKNOWN rather than
// propagating. Malformed syntax is the only hard failure.
func (s *Service) validateEmail(ctx context.Context, email string) (Status, float64, error) {
	if !emailSyntax.MatchString(email) {
		s.stats.Malformed.Add(1)
		return StatusUndeliverable, 0, &party.MalformedRecordError{
			RecordID: email,
			Reason:   "email address syntax is invalid",
		}
	}

	domain := email[strings.LastIndex(email, "@")+1:]
	hosts, err := s.lookupMX(ctx, domain)
	if err != nil || len(hosts) == 0 {
		zap.L().Debug("validate: no mail hosts",
			zap.String("domain", domain),
			zap.Error(err),
		)
		return StatusUndeliverable, 0, nil
	}

	if s.probe == nil {
		return StatusUnknown, syntaxOnlyConfidence, nil
	}

	result, err := s.runProbe(ctx, email, hosts)
	if err != nil {
		s.stats.Degraded.Add(1)
		zap.L().Warn("validate: probe degraded to UNKNOWN",
			zap.String("domain", domain),
			zap.Error(err),
		)
		return StatusUnknown, syntaxOnlyConfidence, nil
	}

	return result.Status, result.Confidence, nil
}

func (s *Service) lookupMX(ctx context.Context, domain string) ([]string, error) {
	s.stats.DNSLookups.Add(1)

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.resolver.LookupMX(lookupCtx, domain)
}

func (s *Service) runProbe(ctx context.Context, email string, hosts []string) (ProbeResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return ProbeResult{}, err
		}
	}

	s.stats.Probes.Add(1)

	retryCfg := s.retry
	retryCfg.OnRetry = resilience.RetryLogger("validate", "probe")
	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (ProbeResult, error) {
		probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.probe.Probe(probeCtx, email, hosts)
	})
}

// NetResolver adapts net.Resolver to the MXResolver capability.
type NetResolver struct {
	R *net.Resolver
}

// LookupMX returns MX hosts ordered by preference.
func (n NetResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	r := n.R
	if r == nil {
		r = net.DefaultResolver
	}
	records, err := r.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
	}
	return hosts, nil
}
