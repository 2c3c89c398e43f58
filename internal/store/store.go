// Package store persists the canonical party graph and run history.
// Two drivers implement the same interface: an embedded SQLite store
// for single-process runs and a PostgreSQL store for shared deployments.
package store

import (
	"context"
	"time"

	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/resolve"
)

// RunStatus tracks the lifecycle of one ingestion run.
type RunStatus string

// Run statuses.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one execution of the ingestion engine. Report holds the
// serialized quality report once the run completes.
type Run struct {
	ID          string     `json:"id" db:"id"`
	Status      RunStatus  `json:"status" db:"status"`
	Accepted    int        `json:"accepted" db:"accepted"`
	Rejected    int        `json:"rejected" db:"rejected"`
	Report      []byte     `json:"report,omitempty" db:"report"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// PartyFilter specifies criteria for listing canonical parties.
type PartyFilter struct {
	Kind        party.Kind `json:"kind,omitempty"`
	CountryCode string     `json:"country_code,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	Offset      int        `json:"offset,omitempty"`
}

// Store defines the persistence interface for the canonical store.
// SaveSnapshot is an upsert over stable IDs, so replaying a run against
// an existing database converges instead of duplicating.
type Store interface {
	// Runs
	CreateRun(ctx context.Context) (*Run, error)
	CompleteRun(ctx context.Context, runID string, status RunStatus, accepted, rejected int, report []byte) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Canonical entities
	SaveSnapshot(ctx context.Context, runID string, snap *resolve.Snapshot) error
	GetParty(ctx context.Context, partyID string) (*party.Party, error)
	ListParties(ctx context.Context, filter PartyFilter) ([]party.Party, error)
	AliasesForParty(ctx context.Context, partyID string) ([]party.Alias, error)
	RolesForParty(ctx context.Context, partyID string) ([]party.Role, error)
	ContactsForParty(ctx context.Context, partyID string) ([]party.ContactMethod, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
