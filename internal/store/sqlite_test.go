package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/resolve"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testSnapshot(t *testing.T) *resolve.Snapshot {
	t.Helper()
	captured := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	prov := party.Provenance{
		Source:            "crm_export",
		SourceRecordID:    "row-1",
		CapturedAt:        captured,
		SelectionPriority: 5,
		QualityScore:      0.9,
	}
	partyID := party.DeriveID("organization|acme corp|US")
	return &resolve.Snapshot{
		Parties: []party.Party{{
			ID:             partyID,
			Kind:           party.KindOrganization,
			DisplayName:    "Acme Corp",
			NormalizedName: "acme corp",
			CountryCode:    "US",
			Provenance:     prov,
			CreatedAt:      captured,
			UpdatedAt:      captured,
		}},
		Aliases: []party.Alias{{
			ID:             party.DeriveID("alias|" + partyID + "|Acme Corp"),
			PartyID:        partyID,
			Alias:          "Acme Corp",
			AliasType:      party.AliasSourceName,
			Confidence:     0.9,
			ConfidenceBand: party.BandHigh,
			IsPrimary:      true,
			ValidStart:     captured,
			Provenance:     prov,
		}},
		Contacts: []party.ContactMethod{{
			ID:         party.DeriveID("contact|" + partyID + "|info@acme.test"),
			PartyID:    partyID,
			MethodType: party.MethodEmail,
			Value:      "info@acme.test",
			IsPrimary:  true,
			Confidence: 0.95,
			ValidStart: captured,
			Provenance: prov,
		}},
		ScoreInputs: map[string]resolve.ScoreInput{},
	}
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	err = st.CompleteRun(ctx, run.ID, RunStatusComplete, 42, 3, []byte(`{"total":45}`))
	require.NoError(t, err)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusComplete, got.Status)
	assert.Equal(t, 42, got.Accepted)
	assert.Equal(t, 3, got.Rejected)
	assert.JSONEq(t, `{"total":45}`, string(got.Report))
	require.NotNil(t, got.CompletedAt)
}

func TestSQLite_CompleteRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.CompleteRun(context.Background(), "no-such-run", RunStatusFailed, 0, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_ListRuns_FilterAndOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.CreateRun(ctx)
	require.NoError(t, err)
	_, err = st.CreateRun(ctx)
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, first.ID, RunStatusFailed, 0, 1, nil))

	failed, err := st.ListRuns(ctx, RunFilter{Status: RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Snapshot persistence ---

func TestSQLite_SaveSnapshot_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	snap := testSnapshot(t)

	run, err := st.CreateRun(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SaveSnapshot(ctx, run.ID, snap))

	p, err := st.GetParty(ctx, snap.Parties[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", p.DisplayName)
	assert.Equal(t, "acme corp", p.NormalizedName)
	assert.Equal(t, party.KindOrganization, p.Kind)
	assert.Equal(t, "crm_export", p.Provenance.Source)
	assert.Equal(t, 5, p.Provenance.SelectionPriority)

	aliases, err := st.AliasesForParty(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.True(t, aliases[0].IsPrimary)
	assert.Equal(t, party.BandHigh, aliases[0].ConfidenceBand)
	assert.Nil(t, aliases[0].ValidEnd)

	contacts, err := st.ContactsForParty(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "info@acme.test", contacts[0].Value)
	assert.InDelta(t, 0.95, contacts[0].Confidence, 1e-9)
}

func TestSQLite_SaveSnapshot_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	snap := testSnapshot(t)

	require.NoError(t, st.SaveSnapshot(ctx, "run-1", snap))
	require.NoError(t, st.SaveSnapshot(ctx, "run-2", snap))

	parties, err := st.ListParties(ctx, PartyFilter{})
	require.NoError(t, err)
	assert.Len(t, parties, 1)

	aliases, err := st.AliasesForParty(ctx, snap.Parties[0].ID)
	require.NoError(t, err)
	assert.Len(t, aliases, 1)
}

func TestSQLite_SaveSnapshot_ClosedVersionsRetained(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	snap := testSnapshot(t)

	closedAt := snap.Contacts[0].ValidStart.Add(24 * time.Hour)
	loser := snap.Contacts[0]
	loser.ID = party.DeriveID("contact|" + loser.PartyID + "|old@acme.test")
	loser.Value = "old@acme.test"
	loser.IsPrimary = false
	loser.ValidEnd = &closedAt
	snap.Contacts = append(snap.Contacts, loser)

	require.NoError(t, st.SaveSnapshot(ctx, "run-1", snap))

	contacts, err := st.ContactsForParty(ctx, snap.Parties[0].ID)
	require.NoError(t, err)
	require.Len(t, contacts, 2)

	var open, closed int
	for _, c := range contacts {
		if c.ValidEnd == nil {
			open++
		} else {
			closed++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, closed)
}

// The partial unique index must refuse a second open-ended primary for
// the same party and method type.
func TestSQLite_OpenPrimaryInvariantEnforced(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	snap := testSnapshot(t)

	second := snap.Contacts[0]
	second.ID = party.DeriveID("contact|" + second.PartyID + "|other@acme.test")
	second.Value = "other@acme.test"
	snap.Contacts = append(snap.Contacts, second)

	err := st.SaveSnapshot(ctx, "run-1", snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert contact")
}

func TestSQLite_GetParty_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetParty(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_ListParties_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	snap := testSnapshot(t)

	captured := snap.Parties[0].CreatedAt
	de := snap.Parties[0]
	de.ID = party.DeriveID("organization|acme corp|DE")
	de.CountryCode = "DE"
	snap.Parties = append(snap.Parties, de)
	require.NoError(t, st.SaveSnapshot(ctx, "run-1", snap))

	us, err := st.ListParties(ctx, PartyFilter{Kind: party.KindOrganization, CountryCode: "US"})
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, "US", us[0].CountryCode)
	assert.True(t, captured.Equal(us[0].CreatedAt))

	people, err := st.ListParties(ctx, PartyFilter{Kind: party.KindIndividual})
	require.NoError(t, err)
	assert.Empty(t, people)
}
