package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithClock(stepClock(time.Unix(1_700_000_000, 0), time.Millisecond))}, opts...)
	l, err := New(context.Background(), opts...)
	require.NoError(t, err)
	return l
}

func TestAppendLinksPriorHash(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	first, err := l.Append(ctx, UserInteraction{Action: "open", Detail: "case file"})
	require.NoError(t, err)
	second, err := l.Append(ctx, UserInteraction{Action: "annotate"})
	require.NoError(t, err)

	assert.Nil(t, first.PriorEventHash)
	require.NotNil(t, second.PriorEventHash)
	assert.True(t, *second.PriorEventHash == first.EventHash)

	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 1, second.Index)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.Equal(t, EventUserInteraction, second.Type)
}

func TestAppendTimestampsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	times := []time.Time{base, base.Add(5 * time.Millisecond), base.Add(2 * time.Millisecond), base.Add(2 * time.Millisecond)}
	i := 0
	clock := func() time.Time {
		t := times[i%len(times)]
		i++
		return t
	}

	l, err := New(ctx, WithClock(clock))
	require.NoError(t, err)

	var last int64
	for n := 0; n < 3; n++ {
		ev, err := l.Append(ctx, UserInteraction{Action: fmt.Sprintf("a%d", n)})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ev.Timestamp, last)
		last = ev.Timestamp
	}
	assert.True(t, l.VerifyContinuity().Valid)
}

func TestSealThenAppendFails(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.Append(ctx, UserInteraction{Action: "open"})
	require.NoError(t, err)

	h, err := l.Seal(ctx)
	require.NoError(t, err)

	_, err = l.Append(ctx, UserInteraction{Action: "late"})
	require.ErrorIs(t, err, ErrSessionSealed)

	got, ok := l.SessionHash()
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.VerifySeal())
}

func TestSealTwiceFails(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	_, err := l.Append(ctx, UserInteraction{Action: "open"})
	require.NoError(t, err)

	h1, err := l.Seal(ctx)
	require.NoError(t, err)

	h2, err := l.Seal(ctx)
	require.ErrorIs(t, err, ErrAlreadySealed)
	assert.Equal(t, h1, h2)

	got, _ := l.SessionHash()
	assert.Equal(t, h1, got)
}

func TestSessionHashOpenUntilSeal(t *testing.T) {
	l := newTestLedger(t)
	_, ok := l.SessionHash()
	assert.False(t, ok)
	assert.False(t, l.Sealed())
	assert.Empty(t, l.Summary().SessionHash)
}

func TestSessionHashCommitsToEvents(t *testing.T) {
	ctx := context.Background()
	seal := func(actions ...string) Digest {
		l := newTestLedger(t, WithSessionID("fixed-session"))
		for _, a := range actions {
			_, err := l.Append(ctx, UserInteraction{Action: a})
			require.NoError(t, err)
		}
		h, err := l.Seal(ctx)
		require.NoError(t, err)
		return h
	}

	// Event ids are random, so even identical actions give different hashes.
	assert.NotEqual(t, seal("a"), seal("a"))
	assert.NotEqual(t, seal("a"), seal("a", "b"))
}

func TestEventsReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	_, err := l.Append(ctx, UserInteraction{Action: "open"})
	require.NoError(t, err)
	_, err = l.Append(ctx, UserInteraction{Action: "close"})
	require.NoError(t, err)

	events := l.Events()
	events[1].Payload[0] = 'X'
	events[1].PriorEventHash[0] ^= 0xff

	assert.True(t, l.VerifyContinuity().Valid)
}

func TestAppendNilPayload(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilPayload)
}

func TestConcurrentAppendStaysContinuous(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, UserInteraction{Action: fmt.Sprintf("w%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	c := l.VerifyContinuity()
	assert.True(t, c.Valid)
	assert.Equal(t, 50, c.Length)
}

func TestPayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	payloads := []Payload{
		SessionStarted{Operator: "analyst", Host: "ws-01"},
		EvidenceIngested{RunID: "r1", OriginalName: "a.txt", ContentType: "text/plain", Size: 3, HashSuite: "sha512", EvidenceHash: "ab"},
		ScanPerformed{RunID: "r1", Baseline: true, Outcome: ScanUnavailable, AnalysisDigest: "cd"},
		Sealed{RunID: "r1", BundleID: "b1", BundleHash: "ef", DisclosureMode: "FULL"},
		IngestionRefused{RunID: "r2", FailedStep: "hash", Reason: "unreadable", RefusalHash: "01"},
		BundleVerified{BundleID: "b1", Match: false, MismatchField: "report"},
	}
	for _, p := range payloads {
		_, err := l.Append(ctx, p)
		require.NoError(t, err)
	}

	for i, ev := range l.Events() {
		got, err := ev.Decode()
		require.NoError(t, err)
		if diff := cmp.Diff(payloads[i], got); diff != "" {
			t.Errorf("event %d payload mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodePayload("teleported", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestCanonicalIsStable(t *testing.T) {
	a, err := Canonical(UserInteraction{Action: "<open> & close", Detail: "é"})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"<open> & close","detail":"é"}`, string(a))
}

func TestJSONLRoundTripAndReplay(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, UserInteraction{Action: fmt.Sprintf("step <%d>", i)})
		require.NoError(t, err)
	}
	want, err := l.Seal(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, l))

	summary, records, err := ReadJSONL(&buf)
	require.NoError(t, err)
	assert.Len(t, records, 4)

	restored, c, err := Replay(summary, records)
	require.NoError(t, err)
	assert.True(t, c.Valid, c.String())
	assert.True(t, restored.Sealed())
	assert.True(t, restored.VerifySeal())

	got, _ := restored.SessionHash()
	assert.Equal(t, want, got)
	if diff := cmp.Diff(l.Events(), restored.Events()); diff != "" {
		t.Errorf("restored events differ (-want +got):\n%s", diff)
	}

	_, err = restored.Append(ctx, UserInteraction{Action: "late"})
	assert.ErrorIs(t, err, ErrSessionSealed)
}

func TestReplayDetectsPayloadTamper(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, UserInteraction{Action: "step", Detail: fmt.Sprintf("%d", i)})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, l))
	summary, records, err := ReadJSONL(&buf)
	require.NoError(t, err)

	records[3].Payload = json.RawMessage(`{"action":"step","detail":"forged"}`)

	_, c, err := Replay(summary, records)
	require.NoError(t, err)
	assert.False(t, c.Valid)
	require.NotNil(t, c.BrokenAtIndex)
	assert.Equal(t, 3, *c.BrokenAtIndex)

	from, to, ok := c.BrokenRange()
	require.True(t, ok)
	assert.Equal(t, 3, from)
	assert.Equal(t, 6, to)
	assert.Contains(t, c.String(), "tampering detected at event 3")
}

func TestReplayDetectsSessionHashTamper(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	_, err := l.Append(ctx, UserInteraction{Action: "open"})
	require.NoError(t, err)
	_, err = l.Seal(ctx)
	require.NoError(t, err)

	s := l.Summary()
	end := *s.EndTime + 1
	s.EndTime = &end

	var records []Record
	for _, ev := range l.Events() {
		records = append(records, ToRecord(s.SessionID, ev))
	}
	restored, c, err := Replay(s, records)
	require.NoError(t, err)
	assert.True(t, c.Valid)
	assert.False(t, restored.VerifySeal())
}

func TestReplayRejectsForeignRecord(t *testing.T) {
	_, _, err := Replay(Summary{SessionID: "a"}, []Record{{SessionID: "b"}})
	assert.Error(t, err)
}

type memJournal struct {
	sessions []Summary
	records  []Record
	failAt   int
}

func (m *memJournal) RecordSession(_ context.Context, s Summary) error {
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *memJournal) RecordEvent(_ context.Context, r Record) error {
	if m.failAt > 0 && len(m.records)+1 == m.failAt {
		return errors.New("disk full")
	}
	m.records = append(m.records, r)
	return nil
}

func TestJournalReceivesEvents(t *testing.T) {
	ctx := context.Background()
	a, b := &memJournal{}, &memJournal{}
	l := newTestLedger(t, WithJournal(MultiJournal{a, b}))

	_, err := l.Append(ctx, UserInteraction{Action: "open"})
	require.NoError(t, err)
	_, err = l.Seal(ctx)
	require.NoError(t, err)

	for _, j := range []*memJournal{a, b} {
		require.Len(t, j.sessions, 2)
		assert.False(t, j.sessions[0].Sealed())
		assert.True(t, j.sessions[1].Sealed())
		require.Len(t, j.records, 1)
		assert.Equal(t, l.ID(), j.records[0].SessionID)
	}
}

func TestJournalFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{failAt: 2}
	l := newTestLedger(t, WithJournal(j))

	_, err := l.Append(ctx, UserInteraction{Action: "one"})
	require.NoError(t, err)
	_, err = l.Append(ctx, UserInteraction{Action: "two"})
	require.Error(t, err)

	assert.Equal(t, 1, l.Len())
	assert.True(t, l.VerifyContinuity().Valid)
}

// flakyJournal refuses the write numbered failOn (1-based) and accepts the rest.
type flakyJournal struct {
	writes int
	failOn int
}

func (f *flakyJournal) fail() error {
	f.writes++
	if f.writes == f.failOn {
		return errors.New("disk full")
	}
	return nil
}

func (f *flakyJournal) RecordSession(context.Context, Summary) error { return f.fail() }
func (f *flakyJournal) RecordEvent(context.Context, Record) error    { return f.fail() }

func TestPartialJournalWriteClosesLedger(t *testing.T) {
	ctx := context.Background()
	kept := &memJournal{}
	// Write 1 is the opening session summary.
	l := newTestLedger(t, WithJournal(MultiJournal{kept, &flakyJournal{failOn: 3}}))

	_, err := l.Append(ctx, UserInteraction{Action: "a"})
	require.NoError(t, err)
	_, err = l.Append(ctx, UserInteraction{Action: "b"})
	var pw *PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, 1, pw.Accepted)
	assert.ErrorIs(t, l.Broken(), ErrJournalDiverged)

	_, err = l.Append(ctx, UserInteraction{Action: "c"})
	assert.ErrorIs(t, err, ErrJournalDiverged)
	_, err = l.Seal(ctx)
	assert.ErrorIs(t, err, ErrJournalDiverged)
	assert.False(t, l.Sealed())

	assert.Equal(t, 1, l.Len())
	require.Len(t, kept.records, 2)
	for _, s := range kept.sessions {
		assert.False(t, s.Sealed(), "no seal may reach a journal after divergence")
	}

	// What the first journal kept is still a clean chain.
	_, c, err := Replay(kept.sessions[len(kept.sessions)-1], kept.records)
	require.NoError(t, err)
	assert.True(t, c.Valid, c.String())
	assert.Equal(t, 2, c.Length)
}

func TestPartialSealWriteClosesLedger(t *testing.T) {
	ctx := context.Background()
	kept := &memJournal{}
	// Writes: opening summary, one event, then the seal.
	l := newTestLedger(t, WithJournal(MultiJournal{kept, &flakyJournal{failOn: 3}}))

	_, err := l.Append(ctx, UserInteraction{Action: "a"})
	require.NoError(t, err)
	_, err = l.Seal(ctx)
	require.Error(t, err)
	assert.False(t, l.Sealed())
	assert.ErrorIs(t, l.Broken(), ErrJournalDiverged)

	_, err = l.Append(ctx, UserInteraction{Action: "b"})
	assert.ErrorIs(t, err, ErrJournalDiverged)
	_, err = l.Seal(ctx)
	assert.ErrorIs(t, err, ErrJournalDiverged)
}

func TestFirstJournalFailureKeepsLedgerUsable(t *testing.T) {
	ctx := context.Background()
	second := &memJournal{}
	l := newTestLedger(t, WithJournal(MultiJournal{&flakyJournal{failOn: 2}, second}))

	_, err := l.Append(ctx, UserInteraction{Action: "a"})
	require.Error(t, err)
	var pw *PartialWriteError
	assert.False(t, errors.As(err, &pw))
	assert.NoError(t, l.Broken())
	assert.Empty(t, second.records)

	_, err = l.Append(ctx, UserInteraction{Action: "b"})
	require.NoError(t, err)
	_, err = l.Seal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
	require.Len(t, second.records, 1)
	assert.Empty(t, second.records[0].PriorEventHash, "the surviving event opens the chain")
}
