package ledger

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"forensicseal/internal/hashchain"
	"forensicseal/internal/logging"
)

// Record is the persisted shape of a SessionEvent. Re-reading a record
// reproduces exactly the fields that were hashed.
type Record struct {
	SessionID      string          `json:"session_id" cbor:"1,keyasint"`
	EventID        string          `json:"event_id" cbor:"2,keyasint"`
	EventType      EventType       `json:"event_type" cbor:"3,keyasint"`
	Timestamp      int64           `json:"timestamp" cbor:"4,keyasint"`
	PayloadDigest  string          `json:"payload_digest" cbor:"5,keyasint"`
	PriorEventHash string          `json:"prior_event_hash,omitempty" cbor:"6,keyasint,omitempty"`
	EventHash      string          `json:"event_hash" cbor:"7,keyasint"`
	Payload        json.RawMessage `json:"payload,omitempty" cbor:"8,keyasint,omitempty"`
}

// Summary is the persisted session metadata. EndTime and SessionHash are set
// once the session is sealed.
type Summary struct {
	SessionID   string `json:"session_id" cbor:"1,keyasint"`
	StartTime   int64  `json:"start_time" cbor:"2,keyasint"`
	EndTime     *int64 `json:"end_time,omitempty" cbor:"3,keyasint,omitempty"`
	SessionHash string `json:"session_hash,omitempty" cbor:"4,keyasint,omitempty"`
}

func (s Summary) Sealed() bool { return s.SessionHash != "" }

// ToRecord converts an event to its persisted form.
func ToRecord(sessionID string, e SessionEvent) Record {
	r := Record{
		SessionID:     sessionID,
		EventID:       e.EventID,
		EventType:     e.Type,
		Timestamp:     e.Timestamp,
		PayloadDigest: hex.EncodeToString(e.PayloadDigest[:]),
		EventHash:     hex.EncodeToString(e.EventHash[:]),
	}
	if e.PriorEventHash != nil {
		r.PriorEventHash = hex.EncodeToString(e.PriorEventHash[:])
	}
	if e.Payload != nil {
		r.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return r
}

// FromRecord converts a persisted record back to an event.
func FromRecord(index int, r Record) (SessionEvent, error) {
	e := SessionEvent{
		Index:     index,
		EventID:   r.EventID,
		Type:      r.EventType,
		Timestamp: r.Timestamp,
	}
	var err error
	if e.PayloadDigest, err = parseDigest(r.PayloadDigest); err != nil {
		return e, fmt.Errorf("ledger: record %d payload digest: %w", index, err)
	}
	if e.EventHash, err = parseDigest(r.EventHash); err != nil {
		return e, fmt.Errorf("ledger: record %d event hash: %w", index, err)
	}
	if r.PriorEventHash != "" {
		prior, err := parseDigest(r.PriorEventHash)
		if err != nil {
			return e, fmt.Errorf("ledger: record %d prior hash: %w", index, err)
		}
		e.PriorEventHash = &prior
	}
	if r.Payload != nil {
		e.Payload = append([]byte(nil), r.Payload...)
	}
	return e, nil
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) { return parseDigest(s) }

func parseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("digest length %d, want %d", len(b), len(d))
	}
	copy(d[:], b)
	return d, nil
}

// Replay rebuilds a ledger from persisted records and checks it. The
// returned ledger is sealed if the summary carries a session hash. An error
// is returned only for records that cannot be parsed at all; tampering is
// reported through the Continuity value.
func Replay(s Summary, records []Record, opts ...Option) (*Ledger, Continuity, error) {
	events := make([]*SessionEvent, 0, len(records))
	for i, r := range records {
		if r.SessionID != "" && r.SessionID != s.SessionID {
			return nil, Continuity{}, fmt.Errorf("ledger: record %d belongs to session %s, not %s", i, r.SessionID, s.SessionID)
		}
		e, err := FromRecord(i, r)
		if err != nil {
			return nil, Continuity{}, err
		}
		events = append(events, &e)
	}

	l := &Ledger{
		id:     s.SessionID,
		start:  s.StartTime,
		lastTS: s.StartTime,
		chain:  hashchain.New(events...),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	l.logger = l.logger.With("session", l.id)

	if n := len(events); n > 0 && events[n-1].Timestamp > l.lastTS {
		l.lastTS = events[n-1].Timestamp
	}
	if s.Sealed() {
		h, err := parseDigest(s.SessionHash)
		if err != nil {
			return nil, Continuity{}, fmt.Errorf("ledger: session hash: %w", err)
		}
		if s.EndTime == nil {
			return nil, Continuity{}, errors.New("ledger: sealed session has no end time")
		}
		end := *s.EndTime
		l.hash = &h
		l.end = &end
	}

	c := l.VerifyContinuity()
	if !c.Valid {
		l.logger.Warn("continuity broken on replay", "broken_at", *c.BrokenAtIndex, "reason", c.Reason)
	}
	return l, c, nil
}

// Journal persists ledger activity as it happens.
type Journal interface {
	RecordSession(ctx context.Context, s Summary) error
	RecordEvent(ctx context.Context, r Record) error
}

// MultiJournal fans writes out to several journals in order. The first
// failure stops the fan-out. A failure after at least one journal accepted
// the write is reported as a *PartialWriteError.
type MultiJournal []Journal

func (m MultiJournal) RecordSession(ctx context.Context, s Summary) error {
	for i, j := range m {
		if err := j.RecordSession(ctx, s); err != nil {
			return partial(i, err)
		}
	}
	return nil
}

func (m MultiJournal) RecordEvent(ctx context.Context, r Record) error {
	for i, j := range m {
		if err := j.RecordEvent(ctx, r); err != nil {
			return partial(i, err)
		}
	}
	return nil
}

// PartialWriteError reports a write that some journals kept and others
// refused. The journals no longer agree with each other.
type PartialWriteError struct {
	Accepted int // journals that kept the write
	Err      error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("journal %d failed after %d accepted the write: %v", e.Accepted+1, e.Accepted, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

func partial(accepted int, err error) error {
	if accepted == 0 {
		return err
	}
	return &PartialWriteError{Accepted: accepted, Err: err}
}

type jsonlLine struct {
	Session *Summary `json:"session,omitempty"`
	Event   *Record  `json:"event,omitempty"`
}

// WriteJSONL exports a ledger as JSON Lines: one session line followed by
// one line per event in insertion order.
func WriteJSONL(w io.Writer, l *Ledger) error {
	s := l.Summary()
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(jsonlLine{Session: &s}); err != nil {
		return fmt.Errorf("ledger: write session line: %w", err)
	}
	for _, e := range l.Events() {
		r := ToRecord(s.SessionID, e)
		if err := enc.Encode(jsonlLine{Event: &r}); err != nil {
			return fmt.Errorf("ledger: write event %d: %w", e.Index, err)
		}
	}
	return nil
}

// ReadJSONL parses an export written by WriteJSONL.
func ReadJSONL(r io.Reader) (Summary, []Record, error) {
	var (
		s       Summary
		haveHdr bool
		records []Record
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var line jsonlLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return s, nil, fmt.Errorf("ledger: line %d: %w", n, err)
		}
		switch {
		case line.Session != nil:
			s = *line.Session
			haveHdr = true
		case line.Event != nil:
			records = append(records, *line.Event)
		default:
			return s, nil, fmt.Errorf("ledger: line %d: empty record", n)
		}
	}
	if err := sc.Err(); err != nil {
		return s, nil, fmt.Errorf("ledger: read: %w", err)
	}
	if !haveHdr {
		return s, nil, errors.New("ledger: missing session line")
	}
	return s, records, nil
}
