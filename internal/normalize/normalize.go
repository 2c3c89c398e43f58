// Package normalize maps raw source rows into canonical attribute bags.
// Normalization is a pure function of the row and its source metadata.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/canon-cli/internal/party"
)

// SourceMeta identifies one curated source and its trust parameters.
type SourceMeta struct {
	Name         string
	Priority     int
	QualityScore float64
}

// RawRow is one spreadsheet row as handed over by the ingestion
// collaborator. All values are untyped strings; blank means absent.
type RawRow struct {
	RecordID     string
	Name         string
	LegalName    string
	CountryCode  string
	Email        string
	Phone        string
	Website      string
	ContactName  string
	ContactTitle string
	CapturedAt   string // RFC 3339; blank falls back to the batch capture time
}

// Record is the canonical attribute bag produced from one raw row.
type Record struct {
	Kind           party.Kind
	DisplayName    string
	NormalizedName string
	LegalName      string
	CountryCode    string
	Email          string
	Phone          string
	Website        string
	ContactName    string
	ContactNorm    string
	ContactTitle   string
	Provenance     party.Provenance
}

// Completeness returns the filled fraction of the scoreable attributes.
// The name is mandatory and excluded; the six optional attributes each
// contribute equally.
func (r Record) Completeness() float64 {
	fields := []string{r.LegalName, r.CountryCode, r.Email, r.Phone, r.Website, r.ContactName}
	filled := 0
	for _, f := range fields {
		if f != "" {
			filled++
		}
	}
	return float64(filled) / float64(len(fields))
}

var legalSuffixes = regexp.MustCompile(
	`(?i)\s*,?\s*(LLC|L\.?L\.?C\.?|INC\.?|INCORPORATED|CORP\.?|CORPORATION|` +
		`CO\.?|COMPANY|LTD\.?|LIMITED|L\.?P\.?|LLP|L\.?L\.?P\.?|` +
		`PLLC|P\.?L\.?L\.?C\.?|P\.?C\.?|GMBH|S\.?A\.?|B\.?V\.?|PTY)\s*\.?\s*$`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// foldTransform strips diacritics after canonical decomposition so
// "Café Brûlée" and "Cafe Brulee" normalize to the same key.
var foldTransform = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var caseFolder = cases.Fold()

// Name derives the deterministic matching form of a display name:
// trimmed, diacritics stripped, case-folded, legal-entity suffixes
// removed, runs of whitespace collapsed. Display names themselves are
// never case-folded.
func Name(display string) string {
	n := strings.TrimSpace(display)
	if n == "" {
		return ""
	}
	if folded, _, err := transform.String(foldTransform, n); err == nil {
		n = folded
	}
	n = caseFolder.String(n)
	n = legalSuffixes.ReplaceAllString(n, "")
	n = multiSpace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// Row normalizes one raw row. It fails with a MalformedRecordError when
// the mandatory name field is absent or blank after trimming.
func Row(row RawRow, meta SourceMeta, prov party.Provenance) (Record, error) {
	display := strings.TrimSpace(row.Name)
	normalized := Name(display)
	if normalized == "" {
		return Record{}, &party.MalformedRecordError{
			Source:   meta.Name,
			RecordID: row.RecordID,
			Reason:   "name is empty after normalization",
		}
	}

	rec := Record{
		Kind:           party.KindOrganization,
		DisplayName:    display,
		NormalizedName: normalized,
		LegalName:      strings.TrimSpace(row.LegalName),
		CountryCode:    strings.ToUpper(strings.TrimSpace(row.CountryCode)),
		Email:          strings.ToLower(strings.TrimSpace(row.Email)),
		Phone:          strings.TrimSpace(row.Phone),
		Website:        strings.TrimSpace(row.Website),
		ContactName:    strings.TrimSpace(row.ContactName),
		ContactTitle:   strings.TrimSpace(row.ContactTitle),
		Provenance:     prov,
	}
	rec.ContactNorm = Name(rec.ContactName)

	return rec, nil
}
