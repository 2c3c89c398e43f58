// Package resolve owns the canonical party store: it merges normalized
// attribute bags and validation results into Party, Alias, Role and
// ContactMethod entities under priority-and-confidence conflict rules
// with temporal validity bookkeeping.
package resolve

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/canon-cli/internal/normalize"
	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/validate"
)

// Rejection is one record that could not be resolved to a Party.
type Rejection struct {
	Source   string `json:"source"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// partyState is the mutable canonical state for one Party. All access
// is serialized by mu: conflict resolution is a read-then-write that
// must not interleave for the same key.
type partyState struct {
	mu sync.Mutex

	id             string
	kind           party.Kind
	normalizedName string
	countryCode    string
	firstSeen      time.Time

	names    chain            // display name observations; winner is the display name
	country  chain            // country code observations
	contacts map[string]chain // by method type
	roles    map[string]chain // by subject|role_name; value is the role category

	// Lead-scoring inputs tracked per party.
	completeness float64
	emailConf    float64
	phoneConf    float64
}

// Resolver locates or creates Parties by match key and applies
// field-level conflict resolution. Cross-party ingestion may run
// concurrently; same-party ingestion is serialized per key.
type Resolver struct {
	mu      sync.Mutex
	byKey   map[string]*partyState
	byID    map[string]*partyState
	ordered []*partyState // creation order is irrelevant; snapshots sort

	rejectMu sync.Mutex
	rejected []Rejection

	accepted  map[string]int // per source
	acceptedN int
}

// NewResolver creates an empty canonical store.
func NewResolver() *Resolver {
	return &Resolver{
		byKey:    make(map[string]*partyState),
		byID:     make(map[string]*partyState),
		accepted: make(map[string]int),
	}
}

// matchKey is the exact-match identity key: normalized name plus
// country code when present.
func matchKey(normalizedName, countryCode string) string {
	return normalizedName + "|" + strings.ToUpper(countryCode)
}

// locate finds or creates the state for a match key. The party ID is
// derived from the key, so identity is stable across runs.
func (r *Resolver) locate(kind party.Kind, normalizedName, countryCode string, capturedAt time.Time) *partyState {
	key := matchKey(normalizedName, countryCode)

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.byKey[key]; ok {
		return st
	}

	st := &partyState{
		id:             party.DeriveID(string(kind) + "|" + key),
		kind:           kind,
		normalizedName: normalizedName,
		countryCode:    strings.ToUpper(countryCode),
		firstSeen:      capturedAt,
		contacts:       make(map[string]chain),
		roles:          make(map[string]chain),
	}
	r.byKey[key] = st
	r.byID[st.id] = st
	r.ordered = append(r.ordered, st)

	zap.L().Debug("resolve: created party",
		zap.String("party_id", st.id),
		zap.String("normalized_name", normalizedName),
		zap.String("kind", string(kind)),
	)
	return st
}

// Ingest merges one normalized record and its validation summary into
// the canonical store and returns the Party identifier. summary may be
// nil when validation was skipped. Records whose Party cannot be
// determined are rejected, counted and reported via Rejections.
func (r *Resolver) Ingest(ctx context.Context, rec normalize.Record, summary *validate.Summary) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "resolve: ingest aborted")
	}

	if rec.NormalizedName == "" {
		mErr := &party.MalformedRecordError{
			Source:   rec.Provenance.Source,
			RecordID: rec.Provenance.SourceRecordID,
			Reason:   "normalized name is empty",
		}
		r.RecordRejection(rec.Provenance.Source, rec.Provenance.SourceRecordID, mErr)
		return "", mErr
	}

	org := r.locate(party.KindOrganization, rec.NormalizedName, rec.CountryCode, rec.Provenance.CapturedAt)

	org.mu.Lock()
	r.applyOrganization(org, rec, summary)
	org.mu.Unlock()

	if rec.ContactNorm != "" {
		r.ingestContactPerson(org, rec)
	}

	r.mu.Lock()
	r.accepted[rec.Provenance.Source]++
	r.acceptedN++
	r.mu.Unlock()

	return org.id, nil
}

// applyOrganization records all attribute observations for the org.
// Caller holds org.mu.
func (r *Resolver) applyOrganization(org *partyState, rec normalize.Record, summary *validate.Summary) {
	prov := rec.Provenance

	org.names.add(observation{
		value:      rec.DisplayName,
		extra:      party.AliasSourceName,
		confidence: prov.QualityScore,
		prov:       prov,
	})
	if rec.LegalName != "" && !strings.EqualFold(rec.LegalName, rec.DisplayName) {
		org.names.add(observation{
			value:      rec.LegalName,
			extra:      party.AliasLegalName,
			confidence: prov.QualityScore,
			prov:       prov,
		})
	}
	if rec.CountryCode != "" {
		org.country.add(observation{value: rec.CountryCode, prov: prov})
	}

	var emailConf, phoneConf float64
	if summary != nil {
		emailConf = summary.EmailConfidence
		phoneConf = summary.PhoneConfidence
	}
	if rec.Email != "" {
		c := org.contacts[party.MethodEmail]
		c.add(observation{value: rec.Email, confidence: emailConf, prov: prov})
		org.contacts[party.MethodEmail] = c
	}
	if rec.Phone != "" {
		c := org.contacts[party.MethodPhone]
		c.add(observation{value: rec.Phone, confidence: phoneConf, prov: prov})
		org.contacts[party.MethodPhone] = c
	}
	if rec.Website != "" {
		// URLs carry no validation-sourced confidence.
		c := org.contacts[party.MethodURL]
		c.add(observation{value: rec.Website, confidence: 0, prov: prov})
		org.contacts[party.MethodURL] = c
	}

	if comp := rec.Completeness(); comp > org.completeness {
		org.completeness = comp
	}
	if emailConf > org.emailConf {
		org.emailConf = emailConf
	}
	if phoneConf > org.phoneConf {
		org.phoneConf = phoneConf
	}
}

// ingestContactPerson creates or updates the individual Party for the
// row's contact person and the role edge linking it to the org. Locks
// are taken org first, person second; individuals are never lock
// parents, so the order is acyclic.
func (r *Resolver) ingestContactPerson(org *partyState, rec normalize.Record) {
	personKey := rec.ContactNorm + "@" + org.normalizedName
	person := r.locate(party.KindIndividual, personKey, rec.CountryCode, rec.Provenance.CapturedAt)

	person.mu.Lock()
	person.names.add(observation{
		value:      rec.ContactName,
		extra:      party.AliasSourceName,
		confidence: rec.Provenance.QualityScore,
		prov:       rec.Provenance,
	})
	person.mu.Unlock()

	category := party.CategoryEmployment
	org.mu.Lock()
	roleKey := person.id + "|" + party.RoleContact
	c := org.roles[roleKey]
	c.add(observation{
		value: party.RoleContact,
		extra: category + "|" + rec.ContactTitle,
		prov:  rec.Provenance,
	})
	org.roles[roleKey] = c
	org.mu.Unlock()
}

// RecordRejection adds a malformed record to the rejection list. No
// record is dropped without being counted.
func (r *Resolver) RecordRejection(source, recordID string, err error) {
	r.rejectMu.Lock()
	defer r.rejectMu.Unlock()
	r.rejected = append(r.rejected, Rejection{
		Source:   source,
		RecordID: recordID,
		Reason:   err.Error(),
	})

	zap.L().Warn("resolve: record rejected",
		zap.String("source", source),
		zap.String("record_id", recordID),
		zap.Error(err),
	)
}

// Rejections returns a copy of the rejection list.
func (r *Resolver) Rejections() []Rejection {
	r.rejectMu.Lock()
	defer r.rejectMu.Unlock()
	out := make([]Rejection, len(r.rejected))
	copy(out, r.rejected)
	return out
}

// Accepted returns the total accepted count and the per-source split.
func (r *Resolver) Accepted() (int, map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perSource := make(map[string]int, len(r.accepted))
	for k, v := range r.accepted {
		perSource[k] = v
	}
	return r.acceptedN, perSource
}
