package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsertTx_EmptyRows(t *testing.T) {
	n, err := BulkUpsertTx(context.Background(), nil, UpsertConfig{
		Table:        "parties",
		Columns:      []string{"id", "display_name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsertTx_NoColumns(t *testing.T) {
	_, err := BulkUpsertTx(context.Background(), nil, UpsertConfig{
		Table:        "parties",
		ConflictKeys: []string{"id"},
	}, [][]any{{"p-1", "Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsertTx_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsertTx(context.Background(), nil, UpsertConfig{
		Table:   "parties",
		Columns: []string{"id", "display_name"},
	}, [][]any{{"p-1", "Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestMergeSQL(t *testing.T) {
	got := mergeSQL(UpsertConfig{
		Table:        "parties",
		Columns:      []string{"id", "display_name", "country_code"},
		ConflictKeys: []string{"id"},
	}, "_tmp_upsert_parties")

	want := `INSERT INTO "parties" ("id", "display_name", "country_code") ` +
		`SELECT "id", "display_name", "country_code" FROM "_tmp_upsert_parties" ` +
		`ON CONFLICT ("id") DO UPDATE SET "display_name" = EXCLUDED."display_name", "country_code" = EXCLUDED."country_code"`
	assert.Equal(t, want, got)
}

func TestTableIdent(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"parties", `"parties"`},
		{"canon.parties", `"canon"."parties"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, tableIdent(tt.input))
		})
	}
}
