// Package validate checks email/phone reachability through pluggable
// DNS-lookup and protocol-probe capabilities. Results are memoized per
// exact (address, country) key with single-flight semantics so a given
// address is probed at most once per service lifetime, no matter how
// many workers ask concurrently.
package validate

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sells-group/canon-cli/internal/resilience"
)

// Status is the outcome of one reachability check.
type Status string

// Check statuses.
const (
	StatusDeliverable   Status = "DELIVERABLE"
	StatusUndeliverable Status = "UNDELIVERABLE"
	StatusUnknown       Status = "UNKNOWN"
)

// Summary holds the validation outcome for one email/phone pair.
type Summary struct {
	EmailConfidence float64           `json:"email_confidence"`
	PhoneConfidence float64           `json:"phone_confidence"`
	Statuses        map[string]Status `json:"statuses"`
}

// OverallConfidence combines the channel confidences, weighting email
// above phone when both are present.
func (s *Summary) OverallConfidence() float64 {
	_, hasEmail := s.Statuses["email"]
	_, hasPhone := s.Statuses["phone"]
	switch {
	case hasEmail && hasPhone:
		return 0.7*s.EmailConfidence + 0.3*s.PhoneConfidence
	case hasEmail:
		return s.EmailConfidence
	case hasPhone:
		return s.PhoneConfidence
	default:
		return 0
	}
}

// DeliverabilityScore estimates the likelihood the party can be
// reached at all. It floors at half the email confidence so an
// email-only lead still counts as partially reachable.
func (s *Summary) DeliverabilityScore() float64 {
	score := 0.8*s.EmailConfidence + 0.2*s.PhoneConfidence
	if floor := s.EmailConfidence / 2; score < floor {
		score = floor
	}
	return score
}

// MXResolver resolves mail-exchange hosts for a domain. Production
// callers inject a net.Resolver-backed implementation; tests inject
// doubles.
type MXResolver interface {
	LookupMX(ctx context.Context, domain string) ([]string, error)
}

// ProbeResult is the outcome of one protocol probe.
type ProbeResult struct {
	Status     Status
	Confidence float64
}

// Probe performs a protocol-level deliverability check against the
// resolved mail hosts. A nil Probe means probing is unavailable and
// validation falls back to syntactic confidence.
type Probe interface {
	Probe(ctx context.Context, email string, mxHosts []string) (ProbeResult, error)
}

// Stats counts validation work for the quality report.
type Stats struct {
	Requests   atomic.Int64
	CacheHits  atomic.Int64
	DNSLookups atomic.Int64
	Probes     atomic.Int64
	Degraded   atomic.Int64
	Malformed  atomic.Int64
}

// StatsSnapshot is an immutable copy of Stats for reporting.
type StatsSnapshot struct {
	Requests   int64 `json:"requests"`
	CacheHits  int64 `json:"cache_hits"`
	DNSLookups int64 `json:"dns_lookups"`
	Probes     int64 `json:"probes"`
	Degraded   int64 `json:"degraded"`
	Malformed  int64 `json:"malformed"`
}

// Service validates contact details with per-key caching.
type Service struct {
	resolver MXResolver
	probe    Probe
	limiter  *rate.Limiter
	timeout  time.Duration
	retry    resilience.RetryConfig

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cacheEntry

	stats Stats
}

// cacheEntry memoizes the full outcome of one check, error included, so
// a cache hit is indistinguishable from the call that populated it.
type cacheEntry struct {
	summary *Summary
	err     error
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds each DNS lookup and probe call. On expiry the
// check degrades to UNKNOWN instead of blocking a worker.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithRateLimit bounds the probe rate across all workers.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithRetry overrides the probe retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// NewService builds a validation service around the injected
// capabilities. probe may be nil when no protocol probing is available.
func NewService(resolver MXResolver, probe Probe, opts ...Option) *Service {
	s := &Service{
		resolver: resolver,
		probe:    probe,
		timeout:  10 * time.Second,
		retry:    resilience.DefaultRetryConfig(),
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks an email/phone pair. Identical repeated calls return
// the same Summary pointer and the same error from the cache; concurrent
// callers for an in-flight key wait on the first rather than issuing a
// duplicate probe. Only malformed email syntax produces a non-nil error,
// and even then a usable zero-confidence Summary is returned alongside it.
func (s *Service) Validate(ctx context.Context, email, phone, countryCode string) (*Summary, error) {
	s.stats.Requests.Add(1)

	key := strings.ToLower(strings.TrimSpace(email)) + "|" + strings.TrimSpace(phone) + "|" + strings.ToUpper(strings.TrimSpace(countryCode))

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		s.stats.CacheHits.Add(1)
		return cached.summary, cached.err
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		summary, vErr := s.validateUncached(ctx, email, phone, countryCode)
		if summary != nil {
			s.mu.Lock()
			s.cache[key] = cacheEntry{summary: summary, err: vErr}
			s.mu.Unlock()
		}
		return summary, vErr
	})

	summary, _ := v.(*Summary)
	return summary, err
}

func (s *Service) validateUncached(ctx context.Context, email, phone, countryCode string) (*Summary, error) {
	summary := &Summary{Statuses: make(map[string]Status)}

	var malformedErr error
	if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
		status, confidence, err := s.validateEmail(ctx, email)
		summary.Statuses["email"] = status
		summary.EmailConfidence = confidence
		if err != nil {
			malformedErr = err
		}
	}

	if phone = strings.TrimSpace(phone); phone != "" {
		status, confidence := validatePhone(phone, countryCode)
		summary.Statuses["phone"] = status
		summary.PhoneConfidence = confidence
	}

	return summary, malformedErr
}

// StatsSnapshot returns a point-in-time copy of the service counters.
func (s *Service) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Requests:   s.stats.Requests.Load(),
		CacheHits:  s.stats.CacheHits.Load(),
		DNSLookups: s.stats.DNSLookups.Load(),
		Probes:     s.stats.Probes.Load(),
		Degraded:   s.stats.Degraded.Load(),
		Malformed:  s.stats.Malformed.Load(),
	}
}
