// Package party defines the canonical entity types for resolved
// organizations and individuals: Party, PartyAlias, PartyRole and
// ContactMethod, each carrying a provenance block and a temporal
// validity window.
package party

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes organizations from individuals.
type Kind string

// Party kinds.
const (
	KindOrganization Kind = "organization"
	KindIndividual   Kind = "individual"
)

// Namespace for deterministic party identifiers. Identity is derived
// from the match key so re-runs over the same inputs assign the same ID.
var idNamespace = uuid.MustParse("6f1f41f8-3b6e-4c0a-9c30-6a1d1f5a9f02")

// DeriveID returns the stable identifier for a match key. The same key
// always yields the same UUID, across runs and across processes.
func DeriveID(matchKey string) string {
	return uuid.NewSHA1(idNamespace, []byte(matchKey)).String()
}

// Provenance describes where a value came from and how trustworthy it is.
// Conflict resolution depends only on these fields, never on arrival order.
type Provenance struct {
	Source            string    `json:"source" db:"source"`
	SourceRecordID    string    `json:"source_record_id" db:"source_record_id"`
	CapturedAt        time.Time `json:"captured_at" db:"captured_at"`
	SelectionPriority int       `json:"selection_priority" db:"selection_priority"`
	QualityScore      float64   `json:"quality_score" db:"quality_score"`
}

// Less reports whether p ranks below other in the conflict-resolution
// total order: higher selection priority wins, ties broken by higher
// quality score, then by later capture time. Source name and record ID
// are the final disambiguators so the order is total even for
// observations that agree on all three provenance fields.
func (p Provenance) Less(other Provenance) bool {
	if p.SelectionPriority != other.SelectionPriority {
		return p.SelectionPriority < other.SelectionPriority
	}
	if p.QualityScore != other.QualityScore {
		return p.QualityScore < other.QualityScore
	}
	if !p.CapturedAt.Equal(other.CapturedAt) {
		return p.CapturedAt.Before(other.CapturedAt)
	}
	if p.Source != other.Source {
		return p.Source > other.Source
	}
	return p.SourceRecordID > other.SourceRecordID
}

// Party is the canonical record for one real-world organization or
// individual. Identity never changes across merges; NormalizedName is
// derived deterministically and never user-edited.
type Party struct {
	ID             string     `json:"id" db:"id"`
	Kind           Kind       `json:"kind" db:"kind"`
	DisplayName    string     `json:"display_name" db:"display_name"`
	NormalizedName string     `json:"normalized_name" db:"normalized_name"`
	CountryCode    string     `json:"country_code,omitempty" db:"country_code"`
	Provenance     Provenance `json:"provenance"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Alias types.
const (
	AliasSourceName = "source_name"
	AliasTradeName  = "trade_name"
	AliasLegalName  = "legal_name"
	AliasFormerName = "former_name"
)

// ConfidenceBand is the coarse reporting bucket for a continuous
// confidence score.
type ConfidenceBand string

// Confidence bands.
const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

// BandFor buckets a confidence score: >=0.8 high, >=0.5 medium, else low.
func BandFor(confidence float64) ConfidenceBand {
	switch {
	case confidence >= 0.8:
		return BandHigh
	case confidence >= 0.5:
		return BandMedium
	default:
		return BandLow
	}
}

// Alias is an alternate name for a Party. Aliases are never deleted,
// only closed when superseded.
type Alias struct {
	ID             string         `json:"id" db:"id"`
	PartyID        string         `json:"party_id" db:"party_id"`
	Alias          string         `json:"alias" db:"alias"`
	AliasType      string         `json:"alias_type" db:"alias_type"`
	Confidence     float64        `json:"confidence" db:"confidence"`
	ConfidenceBand ConfidenceBand `json:"confidence_band" db:"confidence_band"`
	IsPrimary      bool           `json:"is_primary" db:"is_primary"`
	ValidStart     time.Time      `json:"valid_start" db:"valid_start"`
	ValidEnd       *time.Time     `json:"valid_end,omitempty" db:"valid_end"`
	Provenance     Provenance     `json:"provenance"`
}

// Role is a directed relationship between two Parties. At most one
// open-ended primary role exists per (subject, object, role name);
// superseding a primary closes the old edge rather than deleting it.
type Role struct {
	ID             string     `json:"id" db:"id"`
	SubjectPartyID string     `json:"subject_party_id" db:"subject_party_id"`
	ObjectPartyID  string     `json:"object_party_id" db:"object_party_id"`
	RoleName       string     `json:"role_name" db:"role_name"`
	RoleCategory   string     `json:"role_category" db:"role_category"`
	IsPrimary      bool       `json:"is_primary" db:"is_primary"`
	ValidStart     time.Time  `json:"valid_start" db:"valid_start"`
	ValidEnd       *time.Time `json:"valid_end,omitempty" db:"valid_end"`
	Provenance     Provenance `json:"provenance"`
}

// Role names and categories.
const (
	RoleContact        = "contact"
	RoleOwner          = "owner"
	RoleExecutive      = "executive"
	CategoryEmployment = "employment"
	CategoryOwnership  = "ownership"
)

// Contact method types.
const (
	MethodEmail = "email"
	MethodPhone = "phone"
	MethodURL   = "url"
)

// ContactMethod is an email, phone or url owned by a Party. Confidence
// is sourced only from contact validation, never asserted by raw input.
// At most one primary ContactMethod per method type per Party at any
// instant.
type ContactMethod struct {
	ID         string     `json:"id" db:"id"`
	PartyID    string     `json:"party_id" db:"party_id"`
	MethodType string     `json:"method_type" db:"method_type"`
	Value      string     `json:"value" db:"value"`
	IsPrimary  bool       `json:"is_primary" db:"is_primary"`
	Confidence float64    `json:"confidence" db:"confidence"`
	ValidStart time.Time  `json:"valid_start" db:"valid_start"`
	ValidEnd   *time.Time `json:"valid_end,omitempty" db:"valid_end"`
	Provenance Provenance `json:"provenance"`
}

// CurrentAt reports whether a [start, end) validity window covers t.
// A nil end means the fact is still current.
func CurrentAt(start time.Time, end *time.Time, t time.Time) bool {
	if t.Before(start) {
		return false
	}
	return end == nil || t.Before(*end)
}
