package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/canon-cli/internal/db"
	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/resolve"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":   `INSERT INTO runs (id, status, started_at) VALUES ($1, $2, $3)`,
	"complete_run": `UPDATE runs SET status = $1, accepted = $2, rejected = $3, report = $4, completed_at = $5 WHERE id = $6`,
	"get_run":      `SELECT id, status, accepted, rejected, report, started_at, completed_at FROM runs WHERE id = $1`,
	"get_party": `SELECT id, kind, display_name, normalized_name, country_code,
		source, source_record_id, captured_at, selection_priority, quality_score,
		created_at, updated_at FROM parties WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'queued',
	accepted     INTEGER NOT NULL DEFAULT 0,
	rejected     INTEGER NOT NULL DEFAULT 0,
	report       JSONB,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS parties (
	id                 TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	display_name       TEXT NOT NULL,
	normalized_name    TEXT NOT NULL,
	country_code       TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	captured_at        TIMESTAMPTZ NOT NULL,
	selection_priority INTEGER NOT NULL,
	quality_score      DOUBLE PRECISION NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS party_aliases (
	id                 TEXT PRIMARY KEY,
	party_id           TEXT NOT NULL REFERENCES parties(id),
	alias              TEXT NOT NULL,
	alias_type         TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	confidence_band    TEXT NOT NULL,
	is_primary         BOOLEAN NOT NULL DEFAULT false,
	valid_start        TIMESTAMPTZ NOT NULL,
	valid_end          TIMESTAMPTZ,
	source             TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	captured_at        TIMESTAMPTZ NOT NULL,
	selection_priority INTEGER NOT NULL,
	quality_score      DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS party_roles (
	id                 TEXT PRIMARY KEY,
	subject_party_id   TEXT NOT NULL REFERENCES parties(id),
	object_party_id    TEXT NOT NULL REFERENCES parties(id),
	role_name          TEXT NOT NULL,
	role_category      TEXT NOT NULL,
	is_primary         BOOLEAN NOT NULL DEFAULT false,
	valid_start        TIMESTAMPTZ NOT NULL,
	valid_end          TIMESTAMPTZ,
	source             TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	captured_at        TIMESTAMPTZ NOT NULL,
	selection_priority INTEGER NOT NULL,
	quality_score      DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS contact_methods (
	id                 TEXT PRIMARY KEY,
	party_id           TEXT NOT NULL REFERENCES parties(id),
	method_type        TEXT NOT NULL,
	value              TEXT NOT NULL,
	is_primary         BOOLEAN NOT NULL DEFAULT false,
	confidence         DOUBLE PRECISION NOT NULL,
	valid_start        TIMESTAMPTZ NOT NULL,
	valid_end          TIMESTAMPTZ,
	source             TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	captured_at        TIMESTAMPTZ NOT NULL,
	selection_priority INTEGER NOT NULL,
	quality_score      DOUBLE PRECISION NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_parties_match_key
	ON parties(kind, normalized_name, country_code);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_alias_open_primary
	ON party_aliases(party_id) WHERE is_primary AND valid_end IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uniq_role_open_primary
	ON party_roles(subject_party_id, object_party_id, role_name) WHERE is_primary AND valid_end IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uniq_contact_open_primary
	ON contact_methods(party_id, method_type) WHERE is_primary AND valid_end IS NULL;

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_aliases_party ON party_aliases(party_id);
CREATE INDEX IF NOT EXISTS idx_roles_subject ON party_roles(subject_party_id);
CREATE INDEX IF NOT EXISTS idx_roles_object ON party_roles(object_party_id);
CREATE INDEX IF NOT EXISTS idx_contacts_party ON contact_methods(party_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES ($1, $2, $3)`,
		id, string(RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &Run{ID: id, Status: RunStatusRunning, StartedAt: now}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status RunStatus, accepted, rejected int, report []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, accepted = $2, rejected = $3, report = $4, completed_at = $5 WHERE id = $6`,
		string(status), accepted, rejected, nullableText(report), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	var status string
	var report []byte
	var completed *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, accepted, rejected, report, started_at, completed_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &status, &r.Accepted, &r.Rejected, &report, &r.StartedAt, &completed)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	r.Status = RunStatus(status)
	r.Report = report
	r.CompletedAt = completed
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, status, accepted, rejected, report, started_at, completed_at FROM runs`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		var report []byte
		var completed *time.Time
		if err := rows.Scan(&r.ID, &status, &r.Accepted, &r.Rejected, &report, &r.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = RunStatus(status)
		r.Report = report
		r.CompletedAt = completed
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs")
}

var (
	partyColumns = []string{
		"id", "kind", "display_name", "normalized_name", "country_code",
		"source", "source_record_id", "captured_at", "selection_priority", "quality_score",
		"created_at", "updated_at",
	}
	aliasColumns = []string{
		"id", "party_id", "alias", "alias_type", "confidence", "confidence_band",
		"is_primary", "valid_start", "valid_end",
		"source", "source_record_id", "captured_at", "selection_priority", "quality_score",
	}
	roleColumns = []string{
		"id", "subject_party_id", "object_party_id", "role_name", "role_category",
		"is_primary", "valid_start", "valid_end",
		"source", "source_record_id", "captured_at", "selection_priority", "quality_score",
	}
	contactColumns = []string{
		"id", "party_id", "method_type", "value", "is_primary", "confidence",
		"valid_start", "valid_end",
		"source", "source_record_id", "captured_at", "selection_priority", "quality_score",
	}
)

// SaveSnapshot bulk-writes the resolved canonical state. Parties go
// through a COPY-backed upsert keyed on the stable ID and dependent rows
// are replaced wholesale, all in one transaction so a failure leaves the
// previous snapshot intact.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, runID string, snap *resolve.Snapshot) error {
	partyRows := make([][]any, 0, len(snap.Parties))
	for _, p := range snap.Parties {
		partyRows = append(partyRows, []any{
			p.ID, string(p.Kind), p.DisplayName, p.NormalizedName, p.CountryCode,
			p.Provenance.Source, p.Provenance.SourceRecordID, p.Provenance.CapturedAt,
			p.Provenance.SelectionPriority, p.Provenance.QualityScore,
			p.CreatedAt, p.UpdatedAt,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin snapshot tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        "parties",
		Columns:      partyColumns,
		ConflictKeys: []string{"id"},
	}, partyRows); err != nil {
		return eris.Wrapf(err, "postgres: upsert parties for run %s", runID)
	}

	partyIDs := make([]string, 0, len(snap.Parties))
	for _, p := range snap.Parties {
		partyIDs = append(partyIDs, p.ID)
	}
	for _, del := range []string{
		`DELETE FROM party_aliases WHERE party_id = ANY($1)`,
		`DELETE FROM party_roles WHERE subject_party_id = ANY($1)`,
		`DELETE FROM contact_methods WHERE party_id = ANY($1)`,
	} {
		if _, err := tx.Exec(ctx, del, partyIDs); err != nil {
			return eris.Wrap(err, "postgres: clear dependent rows")
		}
	}

	aliasRows := make([][]any, 0, len(snap.Aliases))
	for _, a := range snap.Aliases {
		aliasRows = append(aliasRows, []any{
			a.ID, a.PartyID, a.Alias, a.AliasType, a.Confidence, string(a.ConfidenceBand),
			a.IsPrimary, a.ValidStart, a.ValidEnd,
			a.Provenance.Source, a.Provenance.SourceRecordID, a.Provenance.CapturedAt,
			a.Provenance.SelectionPriority, a.Provenance.QualityScore,
		})
	}
	roleRows := make([][]any, 0, len(snap.Roles))
	for _, r := range snap.Roles {
		roleRows = append(roleRows, []any{
			r.ID, r.SubjectPartyID, r.ObjectPartyID, r.RoleName, r.RoleCategory,
			r.IsPrimary, r.ValidStart, r.ValidEnd,
			r.Provenance.Source, r.Provenance.SourceRecordID, r.Provenance.CapturedAt,
			r.Provenance.SelectionPriority, r.Provenance.QualityScore,
		})
	}
	contactRows := make([][]any, 0, len(snap.Contacts))
	for _, c := range snap.Contacts {
		contactRows = append(contactRows, []any{
			c.ID, c.PartyID, c.MethodType, c.Value, c.IsPrimary, c.Confidence,
			c.ValidStart, c.ValidEnd,
			c.Provenance.Source, c.Provenance.SourceRecordID, c.Provenance.CapturedAt,
			c.Provenance.SelectionPriority, c.Provenance.QualityScore,
		})
	}

	for _, ins := range []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"party_aliases", aliasColumns, aliasRows},
		{"party_roles", roleColumns, roleRows},
		{"contact_methods", contactColumns, contactRows},
	} {
		if len(ins.rows) == 0 {
			continue
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{ins.table}, ins.columns, pgx.CopyFromRows(ins.rows)); err != nil {
			return eris.Wrapf(err, "postgres: COPY INTO %s", ins.table)
		}
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit snapshot for run %s", runID)
}

func (s *PostgresStore) GetParty(ctx context.Context, partyID string) (*party.Party, error) {
	var p party.Party
	var kind string
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, display_name, normalized_name, country_code,
			source, source_record_id, captured_at, selection_priority, quality_score,
			created_at, updated_at
		FROM parties WHERE id = $1`, partyID,
	).Scan(&p.ID, &kind, &p.DisplayName, &p.NormalizedName, &p.CountryCode,
		&p.Provenance.Source, &p.Provenance.SourceRecordID, &p.Provenance.CapturedAt,
		&p.Provenance.SelectionPriority, &p.Provenance.QualityScore,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: party %s not found", partyID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get party %s", partyID)
	}
	p.Kind = party.Kind(kind)
	return &p, nil
}

func (s *PostgresStore) ListParties(ctx context.Context, filter PartyFilter) ([]party.Party, error) {
	query := `
		SELECT id, kind, display_name, normalized_name, country_code,
			source, source_record_id, captured_at, selection_priority, quality_score,
			created_at, updated_at
		FROM parties`
	var args []any
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += ` WHERE kind = $1`
	}
	if filter.CountryCode != "" {
		args = append(args, filter.CountryCode)
		if len(args) == 1 {
			query += ` WHERE country_code = $1`
		} else {
			query += ` AND country_code = $2`
		}
	}
	query += ` ORDER BY kind, normalized_name, country_code`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list parties")
	}
	defer rows.Close()

	var parties []party.Party
	for rows.Next() {
		var p party.Party
		var kind string
		if err := rows.Scan(&p.ID, &kind, &p.DisplayName, &p.NormalizedName, &p.CountryCode,
			&p.Provenance.Source, &p.Provenance.SourceRecordID, &p.Provenance.CapturedAt,
			&p.Provenance.SelectionPriority, &p.Provenance.QualityScore,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan party")
		}
		p.Kind = party.Kind(kind)
		parties = append(parties, p)
	}
	return parties, eris.Wrap(rows.Err(), "postgres: list parties")
}

func (s *PostgresStore) AliasesForParty(ctx context.Context, partyID string) ([]party.Alias, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, party_id, alias, alias_type, confidence, confidence_band,
			is_primary, valid_start, valid_end,
			source, source_record_id, captured_at, selection_priority, quality_score
		FROM party_aliases WHERE party_id = $1 ORDER BY valid_start, id`, partyID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: aliases for %s", partyID)
	}
	defer rows.Close()

	var aliases []party.Alias
	for rows.Next() {
		var a party.Alias
		var band string
		if err := rows.Scan(&a.ID, &a.PartyID, &a.Alias, &a.AliasType, &a.Confidence, &band,
			&a.IsPrimary, &a.ValidStart, &a.ValidEnd,
			&a.Provenance.Source, &a.Provenance.SourceRecordID, &a.Provenance.CapturedAt,
			&a.Provenance.SelectionPriority, &a.Provenance.QualityScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alias")
		}
		a.ConfidenceBand = party.ConfidenceBand(band)
		aliases = append(aliases, a)
	}
	return aliases, eris.Wrap(rows.Err(), "postgres: aliases")
}

func (s *PostgresStore) RolesForParty(ctx context.Context, partyID string) ([]party.Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_party_id, object_party_id, role_name, role_category,
			is_primary, valid_start, valid_end,
			source, source_record_id, captured_at, selection_priority, quality_score
		FROM party_roles WHERE subject_party_id = $1 OR object_party_id = $1
		ORDER BY valid_start, id`, partyID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: roles for %s", partyID)
	}
	defer rows.Close()

	var roles []party.Role
	for rows.Next() {
		var r party.Role
		if err := rows.Scan(&r.ID, &r.SubjectPartyID, &r.ObjectPartyID, &r.RoleName, &r.RoleCategory,
			&r.IsPrimary, &r.ValidStart, &r.ValidEnd,
			&r.Provenance.Source, &r.Provenance.SourceRecordID, &r.Provenance.CapturedAt,
			&r.Provenance.SelectionPriority, &r.Provenance.QualityScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan role")
		}
		roles = append(roles, r)
	}
	return roles, eris.Wrap(rows.Err(), "postgres: roles")
}

func (s *PostgresStore) ContactsForParty(ctx context.Context, partyID string) ([]party.ContactMethod, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, party_id, method_type, value, is_primary, confidence,
			valid_start, valid_end,
			source, source_record_id, captured_at, selection_priority, quality_score
		FROM contact_methods WHERE party_id = $1 ORDER BY valid_start, id`, partyID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: contacts for %s", partyID)
	}
	defer rows.Close()

	var contacts []party.ContactMethod
	for rows.Next() {
		var c party.ContactMethod
		if err := rows.Scan(&c.ID, &c.PartyID, &c.MethodType, &c.Value, &c.IsPrimary, &c.Confidence,
			&c.ValidStart, &c.ValidEnd,
			&c.Provenance.Source, &c.Provenance.SourceRecordID, &c.Provenance.CapturedAt,
			&c.Provenance.SelectionPriority, &c.Provenance.QualityScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		contacts = append(contacts, c)
	}
	return contacts, eris.Wrap(rows.Err(), "postgres: contacts")
}
