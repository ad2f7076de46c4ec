// Package store provides SQLite-backed persistence for sessions, ledger
// events, sealed bundles and ingestion refusals.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"forensicseal/internal/artifact"
	"forensicseal/internal/ledger"
	"forensicseal/internal/seal"
)

var ErrNotFound = errors.New("store: not found")

// BundleRecord is a sealed bundle as kept in the index.
type BundleRecord struct {
	Export      seal.Export
	RunID       string
	SessionID   string
	ArchivePath string
	CreatedAt   time.Time
}

// RefusalRecord is a failed ingestion.
type RefusalRecord struct {
	RunID        string
	SessionID    string
	FailedStep   string
	Reason       string
	OriginalName string
	RefusalHash  string
	Timestamp    time.Time
}

// Stats counts rows per table.
type Stats struct {
	Sessions int64
	Events   int64
	Bundles  int64
	Refusals int64
}

// Store represents the SQLite database. It implements ledger.Journal.
type Store struct {
	db *sql.DB
}

var _ ledger.Journal = (*Store)(nil)

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Ledger writes are already serialized per session; one connection keeps
	// concurrent sessions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordSession inserts a session or updates its seal fields.
func (s *Store) RecordSession(ctx context.Context, sum ledger.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, start_time, end_time, session_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			end_time = excluded.end_time,
			session_hash = excluded.session_hash`,
		sum.SessionID, sum.StartTime, sum.EndTime, nullString(sum.SessionHash),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// RecordEvent appends a ledger event.
func (s *Store) RecordEvent(ctx context.Context, r ledger.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, event_id, event_type, timestamp_ms, payload_digest, prior_event_hash, event_hash, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.EventID, string(r.EventType), r.Timestamp, r.PayloadDigest,
		nullString(r.PriorEventHash), r.EventHash, nullString(string(r.Payload)),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// LoadSession returns a session summary and its events in insertion order,
// ready for ledger.Replay.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (ledger.Summary, []ledger.Record, error) {
	sum, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return sum, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, event_id, event_type, timestamp_ms, payload_digest, prior_event_hash, event_hash, payload
		FROM events WHERE session_id = ?
		ORDER BY id ASC`, sessionID,
	)
	if err != nil {
		return sum, nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []ledger.Record
	for rows.Next() {
		var (
			r              ledger.Record
			eventType      string
			prior, payload sql.NullString
		)
		if err := rows.Scan(&r.SessionID, &r.EventID, &eventType, &r.Timestamp, &r.PayloadDigest, &prior, &r.EventHash, &payload); err != nil {
			return sum, nil, fmt.Errorf("scan event: %w", err)
		}
		r.EventType = ledger.EventType(eventType)
		r.PriorEventHash = prior.String
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return sum, nil, fmt.Errorf("iterate events: %w", err)
	}
	return sum, records, nil
}

// GetSession retrieves a session summary.
func (s *Store) GetSession(ctx context.Context, sessionID string) (ledger.Summary, error) {
	var (
		sum  ledger.Summary
		end  sql.NullInt64
		hash sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, start_time, end_time, session_hash
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sum.SessionID, &sum.StartTime, &end, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sum, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return sum, fmt.Errorf("get session: %w", err)
	}
	if end.Valid {
		sum.EndTime = &end.Int64
	}
	sum.SessionHash = hash.String
	return sum, nil
}

// ListSessions returns all sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]ledger.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, start_time, end_time, session_hash
		FROM sessions ORDER BY start_time DESC, session_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Summary
	for rows.Next() {
		var (
			sum  ledger.Summary
			end  sql.NullInt64
			hash sql.NullString
		)
		if err := rows.Scan(&sum.SessionID, &sum.StartTime, &end, &hash); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if end.Valid {
			v := end.Int64
			sum.EndTime = &v
		}
		sum.SessionHash = hash.String
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// SaveBundle indexes a sealed bundle. The canonical export is stored
// alongside the queryable columns.
func (s *Store) SaveBundle(ctx context.Context, b BundleRecord) error {
	record, err := b.Export.Encode()
	if err != nil {
		return err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	e := b.Export
	sealedAt, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return fmt.Errorf("save bundle: timestamp: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bundles (bundle_id, run_id, session_id, evidence_hash, report_hash, certificate_hash, bundle_hash,
			sealed_at, sealed_at_ns, jurisdiction, disclosure_mode, hash_suite, original_name, archive_path, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BundleID, nullString(b.RunID), nullString(b.SessionID), e.EvidenceHash, e.ReportHash, e.CertificateHash, e.BundleHash,
		e.Timestamp, sealedAt.UnixNano(), e.Jurisdiction, string(e.DisclosureMode), e.HashSuite, nullString(e.OriginalName),
		nullString(b.ArchivePath), string(record), b.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	return nil
}

// GetBundle retrieves a bundle by id.
func (s *Store) GetBundle(ctx context.Context, bundleID string) (BundleRecord, error) {
	rows, err := s.db.QueryContext(ctx, bundleSelect+` WHERE bundle_id = ?`, bundleID)
	if err != nil {
		return BundleRecord{}, fmt.Errorf("query bundle: %w", err)
	}
	defer rows.Close()

	out, err := scanBundles(rows)
	if err != nil {
		return BundleRecord{}, err
	}
	if len(out) == 0 {
		return BundleRecord{}, fmt.Errorf("%w: bundle %s", ErrNotFound, bundleID)
	}
	return out[0], nil
}

// FindByEvidence returns every bundle sealed over the given evidence hash,
// oldest first.
func (s *Store) FindByEvidence(ctx context.Context, evidence artifact.Digest) ([]BundleRecord, error) {
	rows, err := s.db.QueryContext(ctx, bundleSelect+`
		WHERE evidence_hash = ?
		ORDER BY sealed_at_ns ASC, created_at ASC`, evidence.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("query bundles by evidence: %w", err)
	}
	defer rows.Close()
	return scanBundles(rows)
}

// BundlesForSession returns the bundles sealed within a session.
func (s *Store) BundlesForSession(ctx context.Context, sessionID string) ([]BundleRecord, error) {
	rows, err := s.db.QueryContext(ctx, bundleSelect+`
		WHERE session_id = ?
		ORDER BY sealed_at_ns ASC, created_at ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query bundles by session: %w", err)
	}
	defer rows.Close()
	return scanBundles(rows)
}

const bundleSelect = `
		SELECT record, run_id, session_id, archive_path, created_at
		FROM bundles`

func scanBundles(rows *sql.Rows) ([]BundleRecord, error) {
	var out []BundleRecord
	for rows.Next() {
		var (
			b                         BundleRecord
			record                    string
			runID, sessionID, archive sql.NullString
			createdAt                 int64
		)
		if err := rows.Scan(&record, &runID, &sessionID, &archive, &createdAt); err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		if err := json.Unmarshal([]byte(record), &b.Export); err != nil {
			return nil, fmt.Errorf("decode bundle record: %w", err)
		}
		b.RunID = runID.String
		b.SessionID = sessionID.String
		b.ArchivePath = archive.String
		b.CreatedAt = time.Unix(0, createdAt)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bundles: %w", err)
	}
	return out, nil
}

// SaveRefusal records a failed ingestion.
func (s *Store) SaveRefusal(ctx context.Context, r RefusalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refusals (run_id, session_id, failed_step, reason, original_name, refusal_hash, refused_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, nullString(r.SessionID), r.FailedStep, r.Reason, nullString(r.OriginalName), r.RefusalHash, r.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save refusal: %w", err)
	}
	return nil
}

// RefusalsForSession lists refusals recorded in a session, oldest first.
func (s *Store) RefusalsForSession(ctx context.Context, sessionID string) ([]RefusalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, session_id, failed_step, reason, original_name, refusal_hash, refused_at
		FROM refusals WHERE session_id = ?
		ORDER BY refused_at ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query refusals: %w", err)
	}
	defer rows.Close()

	var out []RefusalRecord
	for rows.Next() {
		var (
			r             RefusalRecord
			session, name sql.NullString
			refusedAt     int64
		)
		if err := rows.Scan(&r.RunID, &session, &r.FailedStep, &r.Reason, &name, &r.RefusalHash, &refusedAt); err != nil {
			return nil, fmt.Errorf("scan refusal: %w", err)
		}
		r.SessionID = session.String
		r.OriginalName = name.String
		r.Timestamp = time.Unix(0, refusedAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refusals: %w", err)
	}
	return out, nil
}

// GetStats returns row counts.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"sessions", &st.Sessions},
		{"events", &st.Events},
		{"bundles", &st.Bundles},
		{"refusals", &st.Refusals},
	} {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q.table).Scan(q.dst); err != nil {
			return st, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	return st, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
