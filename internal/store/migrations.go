package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSchemaTooNew is returned when the database was written by a newer
// release. Opening it would risk writing rows the newer schema rejects.
var ErrSchemaTooNew = errors.New("store: database schema is newer than this build")

// schemaStep is one forward-only schema change. There are no down steps:
// the ledger tables are evidence and are never dropped.
type schemaStep struct {
	version int
	name    string
	ddl     string
}

var schemaSteps = []schemaStep{
	{1, "sessions and append-only ledger events", migrationV1Up},
	{2, "sealed bundle index", migrationV2Up},
	{3, "ingestion refusals", migrationV3Up},
}

// requiredTables must exist once every step has been applied.
var requiredTables = []string{"sessions", "events", "bundles", "refusals", "schema_migrations"}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id      TEXT PRIMARY KEY,
    start_time      INTEGER NOT NULL,
    end_time        INTEGER,
    session_hash    TEXT
);

-- Ledger events in insertion order (id).
CREATE TABLE IF NOT EXISTS events (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id          TEXT NOT NULL REFERENCES sessions(session_id),
    event_id            TEXT NOT NULL UNIQUE,
    event_type          TEXT NOT NULL,
    timestamp_ms        INTEGER NOT NULL,
    payload_digest      TEXT NOT NULL,
    prior_event_hash    TEXT,
    event_hash          TEXT NOT NULL,
    payload             TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);

CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events
BEGIN
    SELECT RAISE(ABORT, 'ledger events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
BEGIN
    SELECT RAISE(ABORT, 'ledger events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_session_sealed BEFORE INSERT ON events
WHEN (SELECT session_hash FROM sessions WHERE session_id = NEW.session_id) IS NOT NULL
BEGIN
    SELECT RAISE(ABORT, 'session sealed');
END;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS bundles (
    bundle_id           TEXT PRIMARY KEY,
    run_id              TEXT,
    session_id          TEXT REFERENCES sessions(session_id),
    evidence_hash       TEXT NOT NULL,
    report_hash         TEXT NOT NULL,
    certificate_hash    TEXT NOT NULL,
    bundle_hash         TEXT NOT NULL,
    sealed_at           TEXT NOT NULL,
    sealed_at_ns        INTEGER NOT NULL,
    jurisdiction        TEXT NOT NULL,
    disclosure_mode     TEXT NOT NULL,
    hash_suite          TEXT NOT NULL,
    original_name       TEXT,
    archive_path        TEXT,
    record              TEXT NOT NULL,
    created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bundles_evidence ON bundles(evidence_hash, sealed_at_ns);
CREATE INDEX IF NOT EXISTS idx_bundles_session ON bundles(session_id);
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS refusals (
    run_id          TEXT PRIMARY KEY,
    session_id      TEXT REFERENCES sessions(session_id),
    failed_step     TEXT NOT NULL,
    reason          TEXT NOT NULL,
    original_name   TEXT,
    refusal_hash    TEXT NOT NULL,
    refused_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_refusals_session ON refusals(session_id);
`

// schemaVersion returns the highest applied step, or 0 for a new database.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate brings the schema up to the latest step, one transaction per step.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	latest := schemaSteps[len(schemaSteps)-1].version
	if current > latest {
		return fmt.Errorf("%w (database v%d, build v%d)", ErrSchemaTooNew, current, latest)
	}

	for _, step := range schemaSteps[current:] {
		if err := applyStep(ctx, db, step); err != nil {
			return err
		}
	}
	return checkSchema(ctx, db)
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema v%d: %w", step.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, step.ddl); err != nil {
		return fmt.Errorf("schema v%d (%s): %w", step.version, step.name, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		step.version, time.Now().UnixNano(), step.name,
	)
	if err != nil {
		return fmt.Errorf("schema v%d: record: %w", step.version, err)
	}
	return tx.Commit()
}

func checkSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("missing table %s", table)
		}
	}
	return nil
}
