// Package ledger keeps the per-session custody timeline: an append-only,
// hash-linked sequence of events that is finalized by a session hash.
//
// A Ledger has exactly one writer. Appends are serialized internally so that
// several ingestion runs may share a session, but the ledger never reorders
// events: insertion order is the custody order.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"forensicseal/internal/hashchain"
	"forensicseal/internal/logging"
)

var (
	ErrSessionSealed = errors.New("ledger: session sealed")
	ErrAlreadySealed = errors.New("ledger: session already sealed")
	ErrNilPayload    = errors.New("ledger: nil payload")

	// ErrJournalDiverged is returned by every write after a journal kept a
	// write that the ledger discarded.
	ErrJournalDiverged = errors.New("ledger: journal diverged")
)

// Ledger is one session's event log.
type Ledger struct {
	mu sync.Mutex

	id      string
	start   int64
	end     *int64
	lastTS  int64
	hash    *Digest
	broken  error
	chain   *hashchain.Chain[*SessionEvent]
	journal Journal
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal persists every event and session summary as it is recorded.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(l *Ledger) { l.id = id }
}

// New opens a session. The session summary is written to the journal, if
// any, before New returns.
func New(ctx context.Context, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		chain: hashchain.New[*SessionEvent](),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.id == "" {
		l.id = uuid.NewString()
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	l.logger = l.logger.With("session", l.id)
	l.start = l.clock().UnixMilli()
	l.lastTS = l.start

	if l.journal != nil {
		if err := l.journal.RecordSession(ctx, l.summaryLocked()); err != nil {
			return nil, fmt.Errorf("ledger: record session: %w", err)
		}
	}
	return l, nil
}

// ID returns the session id.
func (l *Ledger) ID() string { return l.id }

// StartTime returns the session start.
func (l *Ledger) StartTime() time.Time { return time.UnixMilli(l.start).UTC() }

// Append records a new event. It fails with ErrSessionSealed once the
// session has been sealed.
func (l *Ledger) Append(ctx context.Context, p Payload) (SessionEvent, error) {
	if p == nil {
		return SessionEvent{}, ErrNilPayload
	}
	body, err := Canonical(p)
	if err != nil {
		return SessionEvent{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hash != nil {
		return SessionEvent{}, ErrSessionSealed
	}
	if l.broken != nil {
		return SessionEvent{}, l.broken
	}

	ts := l.clock().UnixMilli()
	if ts < l.lastTS {
		ts = l.lastTS
	}

	ev, err := l.chain.Append(func(index int, prior *Digest) (*SessionEvent, error) {
		ev := &SessionEvent{
			Index:          index,
			EventID:        uuid.NewString(),
			Type:           p.EventType(),
			Timestamp:      ts,
			PayloadDigest:  sha256.Sum256(body),
			PriorEventHash: prior,
			Payload:        body,
		}
		ev.EventHash = ev.Recompute()

		if l.journal != nil {
			if err := l.journal.RecordEvent(ctx, ToRecord(l.id, *ev)); err != nil {
				l.checkDiverged(err)
				return nil, fmt.Errorf("ledger: journal event %d: %w", index, err)
			}
		}
		return ev, nil
	})
	if err != nil {
		return SessionEvent{}, err
	}
	l.lastTS = ts

	l.logger.Debug("event appended",
		"index", ev.Index,
		"type", ev.Type,
		"event_id", ev.EventID,
	)
	return ev.clone(), nil
}

// Events returns a copy of the recorded events in insertion order.
func (l *Ledger) Events() []SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	links := l.chain.Links()
	out := make([]SessionEvent, len(links))
	for i, ev := range links {
		out[i] = ev.clone()
	}
	return out
}

// Len returns the number of events.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain.Len()
}

// VerifyContinuity recomputes every event hash and checks the prior-hash
// linkage. A broken chain is reported in the result, never as an error.
func (l *Ledger) VerifyContinuity() Continuity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return continuityFrom(l.chain.Verify())
}

// Seal finalizes the session and returns the session hash. A second call
// fails with ErrAlreadySealed and leaves the recorded hash unchanged.
func (l *Ledger) Seal(ctx context.Context) (Digest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hash != nil {
		return *l.hash, ErrAlreadySealed
	}
	if l.broken != nil {
		return Digest{}, l.broken
	}

	end := l.clock().UnixMilli()
	if end < l.lastTS {
		end = l.lastTS
	}
	h := computeSessionHash(l.id, l.start, end, l.chain.Fold())

	l.end = &end
	l.hash = &h
	if l.journal != nil {
		if err := l.journal.RecordSession(ctx, l.summaryLocked()); err != nil {
			l.end, l.hash = nil, nil
			l.checkDiverged(err)
			return Digest{}, fmt.Errorf("ledger: record seal: %w", err)
		}
	}

	l.logger.Info("session sealed",
		"events", l.chain.Len(),
		"session_hash", fmt.Sprintf("%x", h),
	)
	return h, nil
}

// checkDiverged marks the ledger broken when err left the journals holding
// a write that memory does not. Callers hold l.mu.
func (l *Ledger) checkDiverged(err error) {
	var pw *PartialWriteError
	if !errors.As(err, &pw) {
		return
	}
	l.broken = fmt.Errorf("%w: %v", ErrJournalDiverged, err)
	l.logger.Error("journals diverged, session closed to writes",
		"accepted", pw.Accepted,
		"error", pw.Err,
	)
}

// Broken returns ErrJournalDiverged, wrapped with its cause, once the
// journals disagree with the ledger. It is nil otherwise.
func (l *Ledger) Broken() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broken
}

// Sealed reports whether the session has been finalized.
func (l *Ledger) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hash != nil
}

// SessionHash returns the session hash, or false while the session is open.
func (l *Ledger) SessionHash() (Digest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hash == nil {
		return Digest{}, false
	}
	return *l.hash, true
}

// VerifySeal reports whether the recorded session hash still matches the
// session's events. An open session has nothing to check and reports true.
func (l *Ledger) VerifySeal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hash == nil {
		return true
	}
	return computeSessionHash(l.id, l.start, *l.end, l.chain.Fold()) == *l.hash
}

// Summary returns the session metadata.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summaryLocked()
}

func (l *Ledger) summaryLocked() Summary {
	s := Summary{
		SessionID: l.id,
		StartTime: l.start,
		EndTime:   l.end,
	}
	if l.hash != nil {
		s.SessionHash = fmt.Sprintf("%x", *l.hash)
	}
	return s
}

func computeSessionHash(id string, start, end int64, fold Digest) Digest {
	h := sha256.New()
	writeField(h, []byte(id))
	binary.Write(h, binary.BigEndian, start)
	binary.Write(h, binary.BigEndian, end)
	h.Write(fold[:])

	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// Continuity is the result of a continuity check.
type Continuity struct {
	Valid         bool
	Length        int
	BrokenAtIndex *int
	Reason        hashchain.Reason
}

func continuityFrom(r hashchain.Result) Continuity {
	return Continuity{
		Valid:         r.Valid,
		Length:        r.Length,
		BrokenAtIndex: r.BrokenAt,
		Reason:        r.Reason,
	}
}

// BrokenRange returns the half-open range of untrusted event indices.
func (c Continuity) BrokenRange() (from, to int, ok bool) {
	return hashchain.Result{Length: c.Length, BrokenAt: c.BrokenAtIndex}.BrokenRange()
}

func (c Continuity) String() string {
	if c.Valid {
		return fmt.Sprintf("chain intact (%d events)", c.Length)
	}
	return fmt.Sprintf("tampering detected at event %d (%s)", *c.BrokenAtIndex, c.Reason)
}
