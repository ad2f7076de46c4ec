package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"forensicseal/internal/artifact"
	"forensicseal/internal/ledger"
	"forensicseal/internal/seal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "forensicseal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testBundle(t *testing.T, evidence []byte, mode seal.Mode) seal.SealedBundle {
	t.Helper()
	h := artifact.NewHasher(artifact.SHA512)
	b, err := seal.NewSealer(artifact.SHA512).Seal(seal.SealInput{
		EvidenceHash:    h.Sum(evidence),
		ReportHash:      h.Sum([]byte("report")),
		CertificateHash: h.Sum([]byte("certificate")),
		Jurisdiction:    "ZA",
		Mode:            mode,
	})
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return b
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := checkSchema(context.Background(), s.db); err != nil {
		t.Errorf("checkSchema: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := migrate(ctx, s.db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := schemaVersion(ctx, s.db)
	if err != nil {
		t.Fatal(err)
	}
	if want := schemaSteps[len(schemaSteps)-1].version; v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.db.Exec("INSERT INTO schema_migrations (version, applied_at, description) VALUES (99, 0, 'future')")
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := Open(path); !errors.Is(err, ErrSchemaTooNew) {
		t.Fatalf("Open = %v, want ErrSchemaTooNew", err)
	}
}

func TestJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	l, err := ledger.New(ctx, ledger.WithJournal(s))
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	for _, action := range []string{"open", "annotate", "close"} {
		if _, err := l.Append(ctx, ledger.UserInteraction{Action: action}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sum, records, err := s.LoadSession(ctx, l.ID())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if sum.Sealed() {
		t.Error("session should not be sealed yet")
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].PriorEventHash != "" || records[1].PriorEventHash != records[0].EventHash {
		t.Error("records lost their chain links")
	}

	hash, err := l.Seal(ctx)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sum, records, err = s.LoadSession(ctx, l.ID())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if !sum.Sealed() || sum.EndTime == nil {
		t.Fatalf("summary not sealed: %+v", sum)
	}

	replayed, continuity, err := ledger.Replay(sum, records)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !continuity.Valid {
		t.Fatalf("continuity broken: %s", continuity)
	}
	got, ok := replayed.SessionHash()
	if !ok || got != hash || !replayed.VerifySeal() {
		t.Error("replayed session hash does not verify")
	}
}

func TestEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	l, err := ledger.New(ctx, ledger.WithJournal(s))
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	if _, err := l.Append(ctx, ledger.UserInteraction{Action: "open"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE events SET event_type = 'sealed'`); err == nil {
		t.Error("UPDATE on events should be rejected")
	}
	if _, err := s.db.Exec(`DELETE FROM events`); err == nil {
		t.Error("DELETE on events should be rejected")
	}

	if _, err := l.Seal(ctx); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	late := ledger.Record{
		SessionID:     l.ID(),
		EventID:       "late",
		EventType:     ledger.EventUserInteraction,
		PayloadDigest: "00",
		EventHash:     "00",
	}
	if err := s.RecordEvent(ctx, late); err == nil {
		t.Error("insert into a sealed session should be rejected")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, id := range []string{"older", "newer"} {
		end := int64(2000 + i)
		err := s.RecordSession(ctx, ledger.Summary{SessionID: id, StartTime: int64(1000 + i)})
		if err != nil {
			t.Fatalf("RecordSession: %v", err)
		}
		if id == "older" {
			err = s.RecordSession(ctx, ledger.Summary{SessionID: id, StartTime: 1000, EndTime: &end, SessionHash: "ab"})
			if err != nil {
				t.Fatalf("RecordSession seal: %v", err)
			}
		}
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 || list[0].SessionID != "newer" || list[1].SessionID != "older" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if !list[1].Sealed() || *list[1].EndTime != 2000 {
		t.Errorf("older session seal not persisted: %+v", list[1])
	}
	if list[0].Sealed() || list[0].EndTime != nil {
		t.Errorf("newer session should be open: %+v", list[0])
	}
}

func TestSaveAndFindBundles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.RecordSession(ctx, ledger.Summary{SessionID: "s1", StartTime: 1}); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	evidence := []byte("CASE-001 statement text")
	first := testBundle(t, evidence, seal.ModeFull)
	second := testBundle(t, evidence, seal.ModeReportOnly)
	other := testBundle(t, []byte("unrelated"), seal.ModeFull)

	for i, b := range []seal.SealedBundle{first, second, other} {
		e := seal.ToExport(b)
		e.OriginalName = "statement.txt"
		rec := BundleRecord{Export: e, RunID: "run", SessionID: "s1", CreatedAt: time.Unix(int64(i), 0)}
		if err := s.SaveBundle(ctx, rec); err != nil {
			t.Fatalf("SaveBundle: %v", err)
		}
	}

	found, err := s.FindByEvidence(ctx, first.EvidenceHash)
	if err != nil {
		t.Fatalf("FindByEvidence: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d bundles, want 2", len(found))
	}
	if found[0].Export.BundleID != first.BundleID || found[1].Export.BundleID != second.BundleID {
		t.Error("bundles not returned oldest first")
	}
	if found[0].Export.BundleHash == found[1].Export.BundleHash {
		t.Error("reseal of identical evidence must yield a new bundle hash")
	}

	restored, err := found[1].Export.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if v := seal.Verify(restored, seal.SuppliedBytes(restored, evidence, nil, nil)); !v.Match {
		t.Errorf("stored bundle does not verify: %s", v)
	}

	none, err := s.FindByEvidence(ctx, artifact.NewHasher(artifact.SHA512).Sum([]byte("never sealed")))
	if err != nil {
		t.Fatalf("FindByEvidence: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no bundles, got %d", len(none))
	}

	got, err := s.GetBundle(ctx, other.BundleID)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	if got.Export.OriginalName != "statement.txt" || got.SessionID != "s1" {
		t.Errorf("unexpected record: %+v", got)
	}
	if _, err := s.GetBundle(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	bySession, err := s.BundlesForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("BundlesForSession: %v", err)
	}
	if len(bySession) != 3 {
		t.Errorf("got %d bundles for session, want 3", len(bySession))
	}
}

func TestSaveBundleRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := BundleRecord{Export: seal.ToExport(testBundle(t, []byte("x"), seal.ModeFull))}

	if err := s.SaveBundle(ctx, rec); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}
	if err := s.SaveBundle(ctx, rec); err == nil {
		t.Error("duplicate bundle id should be rejected")
	}
}

func TestRefusals(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.RecordSession(ctx, ledger.Summary{SessionID: "s1", StartTime: 1}); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want := RefusalRecord{
		RunID:        "run-1",
		SessionID:    "s1",
		FailedStep:   "hash",
		Reason:       "read artifact: permission denied",
		OriginalName: "locked.pdf",
		RefusalHash:  "deadbeef",
		Timestamp:    at,
	}
	if err := s.SaveRefusal(ctx, want); err != nil {
		t.Fatalf("SaveRefusal: %v", err)
	}

	got, err := s.RefusalsForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("RefusalsForSession: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d refusals, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(at) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, at)
	}
	got[0].Timestamp = want.Timestamp
	if got[0] != want {
		t.Errorf("got %+v, want %+v", got[0], want)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st != (Stats{Sessions: 1, Refusals: 1}) {
		t.Errorf("stats = %+v", st)
	}
}

func TestNullString(t *testing.T) {
	if ns := nullString(""); ns.Valid {
		t.Error("empty string should be NULL")
	}
	if ns := nullString("x"); ns != (sql.NullString{String: "x", Valid: true}) {
		t.Errorf("nullString(x) = %+v", ns)
	}
}
