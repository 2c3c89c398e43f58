package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/resolve"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// The partial unique indexes enforce the single-open-primary invariants
// at the schema level, so a resolver bug cannot silently corrupt the
// canonical state.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'queued',
	accepted     INTEGER NOT NULL DEFAULT 0,
	rejected     INTEGER NOT NULL DEFAULT 0,
	report       TEXT,
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS parties (
	id                 TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	display_name       TEXT NOT NULL,
	normalized_name    TEXT NOT NULL,
	country_code       TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	captured_at        DATETIME NOT NULL,
	selection_priority INTEGER NOT NULL,
	quality_score      REAL NOT NULL,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS party_aliases (
	id                 TEXT PRIMARY KEY,
	party_id           TEXT NOT NULL REFERENCES parties(id),
	alias              TEXT NOT NULL,
	alias_type         TEXT NOT NULL,
	confidence         REAL NOT NULL,
	confidence_band    TEXT NOT NULL,
	is_primary         INTEGER NOT NULL DEFAULT 0,
	valid_start        DATETIME NOT NULL,
	valid_end          DATETIME,
	source             TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	captured_at        DATETIME NOT NULL,
	selection_priority INTEGER NOT NULL,
	quality_score      REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS party_roles (
	id                 TEXT PRIMARY KEY,
	subject_party_id   TEXT NOT NULL REFERENCES parties(id),
	object_party_id    TEXT NOT NULL REFERENCES parties(id),
	role_name          TEXT NOT NULL,
	role_category      TEXT NOT NULL,
	is_primary         INTEGER NOT NULL DEFAULT 0,
	valid_start        DATETIME NOT NULL,
	valid_end          DATETIME,
	source             TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	captured_at        DATETIME NOT NULL,
	selection_priority INTEGER NOT NULL,
	quality_score      REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS contact_methods (
	id                 TEXT PRIMARY KEY,
	party_id           TEXT NOT NULL REFERENCES parties(id),
	method_type        TEXT NOT NULL,
	value              TEXT NOT NULL,
	is_primary         INTEGER NOT NULL DEFAULT 0,
	confidence         REAL NOT NULL,
	valid_start        DATETIME NOT NULL,
	valid_end          DATETIME,
	source             TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	captured_at        DATETIME NOT NULL,
	selection_priority INTEGER NOT NULL,
	quality_score      REAL NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_parties_match_key
	ON parties(kind, normalized_name, country_code);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_alias_open_primary
	ON party_aliases(party_id) WHERE is_primary = 1 AND valid_end IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uniq_role_open_primary
	ON party_roles(subject_party_id, object_party_id, role_name) WHERE is_primary = 1 AND valid_end IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uniq_contact_open_primary
	ON contact_methods(party_id, method_type) WHERE is_primary = 1 AND valid_end IS NULL;

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_aliases_party ON party_aliases(party_id);
CREATE INDEX IF NOT EXISTS idx_roles_subject ON party_roles(subject_party_id);
CREATE INDEX IF NOT EXISTS idx_roles_object ON party_roles(object_party_id);
CREATE INDEX IF NOT EXISTS idx_contacts_party ON contact_methods(party_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		id, string(RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &Run{ID: id, Status: RunStatusRunning, StartedAt: now}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status RunStatus, accepted, rejected int, report []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, accepted = ?, rejected = ?, report = ?, completed_at = ? WHERE id = ?`,
		string(status), accepted, rejected, nullableText(report), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, accepted, rejected, report, started_at, completed_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row.Scan)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, status, accepted, rejected, report, started_at, completed_at FROM runs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs")
}

// SaveSnapshot writes the resolved canonical state in one transaction.
// Entity IDs are deterministic, so the write replaces each party's
// version history wholesale rather than diffing against what is stored.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, runID string, snap *resolve.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin snapshot tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range snap.Parties {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO parties (id, kind, display_name, normalized_name, country_code,
				source, source_record_id, captured_at, selection_priority, quality_score,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				display_name = excluded.display_name,
				country_code = excluded.country_code,
				source = excluded.source,
				source_record_id = excluded.source_record_id,
				captured_at = excluded.captured_at,
				selection_priority = excluded.selection_priority,
				quality_score = excluded.quality_score,
				updated_at = excluded.updated_at`,
			p.ID, string(p.Kind), p.DisplayName, p.NormalizedName, p.CountryCode,
			p.Provenance.Source, p.Provenance.SourceRecordID, p.Provenance.CapturedAt,
			p.Provenance.SelectionPriority, p.Provenance.QualityScore,
			p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert party %s", p.ID)
		}

		// Replace the party's dependent rows; deterministic IDs make the
		// rewrite idempotent.
		for _, del := range []struct{ query, id string }{
			{`DELETE FROM party_aliases WHERE party_id = ?`, p.ID},
			{`DELETE FROM party_roles WHERE subject_party_id = ?`, p.ID},
			{`DELETE FROM contact_methods WHERE party_id = ?`, p.ID},
		} {
			if _, err := tx.ExecContext(ctx, del.query, del.id); err != nil {
				return eris.Wrapf(err, "sqlite: clear rows for party %s", del.id)
			}
		}
	}

	for _, a := range snap.Aliases {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO party_aliases (id, party_id, alias, alias_type, confidence, confidence_band,
				is_primary, valid_start, valid_end,
				source, source_record_id, captured_at, selection_priority, quality_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.PartyID, a.Alias, a.AliasType, a.Confidence, string(a.ConfidenceBand),
			a.IsPrimary, a.ValidStart, nullableTime(a.ValidEnd),
			a.Provenance.Source, a.Provenance.SourceRecordID, a.Provenance.CapturedAt,
			a.Provenance.SelectionPriority, a.Provenance.QualityScore,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert alias %s", a.ID)
		}
	}

	for _, r := range snap.Roles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO party_roles (id, subject_party_id, object_party_id, role_name, role_category,
				is_primary, valid_start, valid_end,
				source, source_record_id, captured_at, selection_priority, quality_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SubjectPartyID, r.ObjectPartyID, r.RoleName, r.RoleCategory,
			r.IsPrimary, r.ValidStart, nullableTime(r.ValidEnd),
			r.Provenance.Source, r.Provenance.SourceRecordID, r.Provenance.CapturedAt,
			r.Provenance.SelectionPriority, r.Provenance.QualityScore,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert role %s", r.ID)
		}
	}

	for _, c := range snap.Contacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contact_methods (id, party_id, method_type, value, is_primary, confidence,
				valid_start, valid_end,
				source, source_record_id, captured_at, selection_priority, quality_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.PartyID, c.MethodType, c.Value, c.IsPrimary, c.Confidence,
			c.ValidStart, nullableTime(c.ValidEnd),
			c.Provenance.Source, c.Provenance.SourceRecordID, c.Provenance.CapturedAt,
			c.Provenance.SelectionPriority, c.Provenance.QualityScore,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert contact %s", c.ID)
		}
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit snapshot for run %s", runID)
}

func (s *SQLiteStore) GetParty(ctx context.Context, partyID string) (*party.Party, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, display_name, normalized_name, country_code,
			source, source_record_id, captured_at, selection_priority, quality_score,
			created_at, updated_at
		FROM parties WHERE id = ?`, partyID)

	p, err := scanParty(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: party %s not found", partyID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get party %s", partyID)
	}
	return p, nil
}

func (s *SQLiteStore) ListParties(ctx context.Context, filter PartyFilter) ([]party.Party, error) {
	query := `
		SELECT id, kind, display_name, normalized_name, country_code,
			source, source_record_id, captured_at, selection_priority, quality_score,
			created_at, updated_at
		FROM parties`
	var conds []string
	var args []any
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.CountryCode != "" {
		conds = append(conds, "country_code = ?")
		args = append(args, filter.CountryCode)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += ` ORDER BY kind, normalized_name, country_code`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list parties")
	}
	defer rows.Close()

	var parties []party.Party
	for rows.Next() {
		p, err := scanParty(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan party")
		}
		parties = append(parties, *p)
	}
	return parties, eris.Wrap(rows.Err(), "sqlite: list parties")
}

func (s *SQLiteStore) AliasesForParty(ctx context.Context, partyID string) ([]party.Alias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, party_id, alias, alias_type, confidence, confidence_band,
			is_primary, valid_start, valid_end,
			source, source_record_id, captured_at, selection_priority, quality_score
		FROM party_aliases WHERE party_id = ? ORDER BY valid_start, id`, partyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: aliases for %s", partyID)
	}
	defer rows.Close()

	var aliases []party.Alias
	for rows.Next() {
		var a party.Alias
		var band string
		var end sql.NullTime
		if err := rows.Scan(&a.ID, &a.PartyID, &a.Alias, &a.AliasType, &a.Confidence, &band,
			&a.IsPrimary, &a.ValidStart, &end,
			&a.Provenance.Source, &a.Provenance.SourceRecordID, &a.Provenance.CapturedAt,
			&a.Provenance.SelectionPriority, &a.Provenance.QualityScore); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alias")
		}
		a.ConfidenceBand = party.ConfidenceBand(band)
		a.ValidEnd = timePtr(end)
		aliases = append(aliases, a)
	}
	return aliases, eris.Wrap(rows.Err(), "sqlite: aliases")
}

func (s *SQLiteStore) RolesForParty(ctx context.Context, partyID string) ([]party.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_party_id, object_party_id, role_name, role_category,
			is_primary, valid_start, valid_end,
			source, source_record_id, captured_at, selection_priority, quality_score
		FROM party_roles WHERE subject_party_id = ? OR object_party_id = ?
		ORDER BY valid_start, id`, partyID, partyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: roles for %s", partyID)
	}
	defer rows.Close()

	var roles []party.Role
	for rows.Next() {
		var r party.Role
		var end sql.NullTime
		if err := rows.Scan(&r.ID, &r.SubjectPartyID, &r.ObjectPartyID, &r.RoleName, &r.RoleCategory,
			&r.IsPrimary, &r.ValidStart, &end,
			&r.Provenance.Source, &r.Provenance.SourceRecordID, &r.Provenance.CapturedAt,
			&r.Provenance.SelectionPriority, &r.Provenance.QualityScore); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan role")
		}
		r.ValidEnd = timePtr(end)
		roles = append(roles, r)
	}
	return roles, eris.Wrap(rows.Err(), "sqlite: roles")
}

func (s *SQLiteStore) ContactsForParty(ctx context.Context, partyID string) ([]party.ContactMethod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, party_id, method_type, value, is_primary, confidence,
			valid_start, valid_end,
			source, source_record_id, captured_at, selection_priority, quality_score
		FROM contact_methods WHERE party_id = ? ORDER BY valid_start, id`, partyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: contacts for %s", partyID)
	}
	defer rows.Close()

	var contacts []party.ContactMethod
	for rows.Next() {
		var c party.ContactMethod
		var end sql.NullTime
		if err := rows.Scan(&c.ID, &c.PartyID, &c.MethodType, &c.Value, &c.IsPrimary, &c.Confidence,
			&c.ValidStart, &end,
			&c.Provenance.Source, &c.Provenance.SourceRecordID, &c.Provenance.CapturedAt,
			&c.Provenance.SelectionPriority, &c.Provenance.QualityScore); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		c.ValidEnd = timePtr(end)
		contacts = append(contacts, c)
	}
	return contacts, eris.Wrap(rows.Err(), "sqlite: contacts")
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var status string
	var report sql.NullString
	var completed sql.NullTime
	if err := scan(&r.ID, &status, &r.Accepted, &r.Rejected, &report, &r.StartedAt, &completed); err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	r.Status = RunStatus(status)
	if report.Valid {
		r.Report = []byte(report.String)
	}
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

func scanParty(scan func(dest ...any) error) (*party.Party, error) {
	var p party.Party
	var kind string
	if err := scan(&p.ID, &kind, &p.DisplayName, &p.NormalizedName, &p.CountryCode,
		&p.Provenance.Source, &p.Provenance.SourceRecordID, &p.Provenance.CapturedAt,
		&p.Provenance.SelectionPriority, &p.Provenance.QualityScore,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Kind = party.Kind(kind)
	return &p, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
