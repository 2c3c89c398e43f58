package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "canon.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.Concurrency)
	assert.True(t, cfg.Validate.Enabled)
	assert.Equal(t, 10, cfg.Validate.TimeoutSecs)
	assert.InDelta(t, 5.0, cfg.Validate.RatePerSecond, 0.001)
	assert.Equal(t, 3, cfg.Validate.MaxRetries)
	assert.InDelta(t, 0.25, cfg.Score.Weights.Completeness, 0.001)
	assert.InDelta(t, 0.35, cfg.Score.Weights.Email, 0.001)
	assert.InDelta(t, 0.15, cfg.Score.Weights.Phone, 0.001)
	assert.InDelta(t, 0.15, cfg.Score.Weights.SourcePriority, 0.001)
	assert.InDelta(t, 0.10, cfg.Score.Weights.Intent, 0.001)
	assert.Empty(t, cfg.Sources)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/canon
log:
  level: debug
  format: console
server:
  port: 9090
engine:
  concurrency: 16
sources:
  - name: crm_export
    path: crm.xlsx
    sheet: Leads
    priority: 5
    quality_score: 0.9
    columns:
      E-Mail: email
  - name: event_leads
    path: events.csv
    priority: 3
    quality_score: 0.6
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Engine.Concurrency)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "crm_export", cfg.Sources[0].Name)
	assert.Equal(t, "Leads", cfg.Sources[0].Sheet)
	assert.Equal(t, 5, cfg.Sources[0].Priority)
	assert.InDelta(t, 0.9, cfg.Sources[0].QualityScore, 0.001)
	assert.Equal(t, "email", cfg.Sources[0].Columns["e-mail"])

	// Defaults still apply for unset values
	assert.True(t, cfg.Validate.Enabled)
	assert.InDelta(t, 0.35, cfg.Score.Weights.Email, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("CANON_STORE_DRIVER", "postgres")
	t.Setenv("CANON_SERVER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown driver",
			yaml: "store:\n  driver: oracle\n",
			want: "unknown store driver",
		},
		{
			name: "source without path",
			yaml: "sources:\n  - name: crm\n",
			want: "has no path",
		},
		{
			name: "duplicate source",
			yaml: "sources:\n  - name: crm\n    path: a.csv\n  - name: crm\n    path: b.csv\n",
			want: "duplicate source",
		},
		{
			name: "quality score out of range",
			yaml: "sources:\n  - name: crm\n    path: a.csv\n    quality_score: 1.5\n",
			want: "outside [0,1]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := chdirTemp(t)
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.yaml), 0644))

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "verbose", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
