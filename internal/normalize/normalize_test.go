package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/canon-cli/internal/party"
)

func TestName_SuffixAndCase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Flying School, LLC", "acme flying school"},
		{"ACME  FLYING   SCHOOL", "acme flying school"},
		{"Acme Flying School Inc.", "acme flying school"},
		{"Café Brûlée GmbH", "cafe brulee"},
		{"  Sells Group  ", "sells group"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Name(tt.in), "input %q", tt.in)
	}
}

func TestRow_TrimsButKeepsDisplayCase(t *testing.T) {
	meta := SourceMeta{Name: "crm", Priority: 3, QualityScore: 0.9}
	prov := party.Provenance{Source: "crm", SourceRecordID: "r1", CapturedAt: time.Now(), SelectionPriority: 3, QualityScore: 0.9}

	rec, err := Row(RawRow{
		RecordID:    "r1",
		Name:        "  Acme Flying School LLC ",
		Email:       " Info@Acme.TEST ",
		CountryCode: "us",
		ContactName: " Jordan Smith ",
	}, meta, prov)
	require.NoError(t, err)

	assert.Equal(t, "Acme Flying School LLC", rec.DisplayName)
	assert.Equal(t, "acme flying school", rec.NormalizedName)
	assert.Equal(t, "info@acme.test", rec.Email)
	assert.Equal(t, "US", rec.CountryCode)
	assert.Equal(t, "Jordan Smith", rec.ContactName)
	assert.Equal(t, "jordan smith", rec.ContactNorm)
	assert.Equal(t, party.KindOrganization, rec.Kind)
}

func TestRow_BlankNameRejected(t *testing.T) {
	meta := SourceMeta{Name: "crm", Priority: 1}

	_, err := Row(RawRow{RecordID: "r9", Name: "   "}, meta, party.Provenance{})
	require.Error(t, err)
	assert.True(t, party.IsMalformed(err))
}

func TestRow_Pure(t *testing.T) {
	meta := SourceMeta{Name: "registry", Priority: 2, QualityScore: 0.7}
	prov := party.Provenance{Source: "registry", SourceRecordID: "x"}
	row := RawRow{RecordID: "x", Name: "Acme, LLC", Email: "a@b.test"}

	first, err := Row(row, meta, prov)
	require.NoError(t, err)
	second, err := Row(row, meta, prov)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCompleteness(t *testing.T) {
	empty := Record{}
	assert.Equal(t, 0.0, empty.Completeness())

	full := Record{
		LegalName: "Acme LLC", CountryCode: "US", Email: "a@b.test",
		Phone: "+16502530000", Website: "acme.test", ContactName: "Jordan",
	}
	assert.Equal(t, 1.0, full.Completeness())

	half := Record{Email: "a@b.test", Phone: "+16502530000", CountryCode: "US"}
	assert.InDelta(t, 0.5, half.Completeness(), 0.001)
}
