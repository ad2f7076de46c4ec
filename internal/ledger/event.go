package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"

	"github.com/gowebpki/jcs"

	"forensicseal/internal/geo"
	"forensicseal/internal/hashchain"
)

// Digest is the 256-bit bookkeeping hash used for events and sessions.
type Digest = hashchain.Digest

const eventDomain = "forensicseal-event-v1"

// EventType identifies a payload variant.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventEvidenceIngested EventType = "evidence_ingested"
	EventScanPerformed    EventType = "scan_performed"
	EventSealed           EventType = "sealed"
	EventIngestionRefused EventType = "ingestion_refused"
	EventUserInteraction  EventType = "user_interaction"
	EventBundleVerified   EventType = "bundle_verified"
)

var ErrUnknownEventType = errors.New("ledger: unknown event type")

// Payload is one of the event variants below. The set is closed.
type Payload interface {
	EventType() EventType
	payload()
}

// SessionStarted opens a session.
type SessionStarted struct {
	Operator string        `json:"operator"`
	Host     string        `json:"host"`
	Location *geo.Location `json:"location,omitempty"`
}

// EvidenceIngested records the evidence hash of a submitted artifact.
type EvidenceIngested struct {
	RunID        string `json:"run_id"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	HashSuite    string `json:"hash_suite"`
	EvidenceHash string `json:"evidence_hash"`
}

// ScanOutcome is how the enrichment attempt ended.
type ScanOutcome string

const (
	ScanEnriched    ScanOutcome = "enriched"
	ScanUnavailable ScanOutcome = "unavailable"
	ScanTimedOut    ScanOutcome = "timed_out"
)

// ScanPerformed records that analysis completed, and whether it fell back to
// the deterministic baseline.
type ScanPerformed struct {
	RunID          string      `json:"run_id"`
	Baseline       bool        `json:"baseline"`
	Outcome        ScanOutcome `json:"outcome"`
	AnalysisDigest string      `json:"analysis_digest"`
}

// Sealed records a sealed bundle.
type Sealed struct {
	RunID          string `json:"run_id"`
	BundleID       string `json:"bundle_id"`
	BundleHash     string `json:"bundle_hash"`
	DisclosureMode string `json:"disclosure_mode"`
}

// IngestionRefused records a fatal ingestion failure.
type IngestionRefused struct {
	RunID        string `json:"run_id"`
	FailedStep   string `json:"failed_step"`
	Reason       string `json:"reason"`
	OriginalName string `json:"original_name,omitempty"`
	RefusalHash  string `json:"refusal_hash"`
}

// UserInteraction records an operator action.
type UserInteraction struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// BundleVerified records the outcome of a bundle verification.
type BundleVerified struct {
	BundleID      string `json:"bundle_id"`
	Match         bool   `json:"match"`
	MismatchField string `json:"mismatch_field,omitempty"`
}

func (SessionStarted) EventType() EventType   { return EventSessionStarted }
func (EvidenceIngested) EventType() EventType { return EventEvidenceIngested }
func (ScanPerformed) EventType() EventType    { return EventScanPerformed }
func (Sealed) EventType() EventType           { return EventSealed }
func (IngestionRefused) EventType() EventType { return EventIngestionRefused }
func (UserInteraction) EventType() EventType  { return EventUserInteraction }
func (BundleVerified) EventType() EventType   { return EventBundleVerified }

func (SessionStarted) payload()   {}
func (EvidenceIngested) payload() {}
func (ScanPerformed) payload()    {}
func (Sealed) payload()           {}
func (IngestionRefused) payload() {}
func (UserInteraction) payload()  {}
func (BundleVerified) payload()   {}

// Canonical returns the RFC 8785 encoding of a payload.
func Canonical(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal %s: %w", p.EventType(), err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize %s: %w", p.EventType(), err)
	}
	return out, nil
}

// DecodePayload parses canonical payload bytes into the variant for t.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	switch t {
	case EventSessionStarted:
		var v SessionStarted
		err := json.Unmarshal(raw, &v)
		return v, wrapDecode(t, err)
	case EventEvidenceIngested:
		var v EvidenceIngested
		err := json.Unmarshal(raw, &v)
		return v, wrapDecode(t, err)
	case EventScanPerformed:
		var v ScanPerformed
		err := json.Unmarshal(raw, &v)
		return v, wrapDecode(t, err)
	case EventSealed:
		var v Sealed
		err := json.Unmarshal(raw, &v)
		return v, wrapDecode(t, err)
	case EventIngestionRefused:
		var v IngestionRefused
		err := json.Unmarshal(raw, &v)
		return v, wrapDecode(t, err)
	case EventUserInteraction:
		var v UserInteraction
		err := json.Unmarshal(raw, &v)
		return v, wrapDecode(t, err)
	case EventBundleVerified:
		var v BundleVerified
		err := json.Unmarshal(raw, &v)
		return v, wrapDecode(t, err)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

func wrapDecode(t EventType, err error) error {
	if err != nil {
		return fmt.Errorf("ledger: decode %s payload: %w", t, err)
	}
	return nil
}

// SessionEvent is one link of a session's custody timeline.
type SessionEvent struct {
	Index          int
	EventID        string
	Type           EventType
	Timestamp      int64 // unix milliseconds
	PayloadDigest  Digest
	PriorEventHash *Digest
	EventHash      Digest

	// Payload holds the canonical payload bytes. It may be absent on events
	// restored from a digest-only record.
	Payload []byte
}

func (e *SessionEvent) Prior() *Digest { return e.PriorEventHash }
func (e *SessionEvent) Hash() Digest   { return e.EventHash }

// Recompute derives the event hash from the recorded fields. When payload
// bytes are present they must still match the recorded digest.
func (e *SessionEvent) Recompute() Digest {
	if e.Payload != nil && sha256.Sum256(e.Payload) != e.PayloadDigest {
		return Digest{}
	}
	return computeEventHash(e.EventID, e.Type, e.Timestamp, e.PayloadDigest, e.PriorEventHash)
}

// Decode parses the event payload.
func (e SessionEvent) Decode() (Payload, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("ledger: event %d has no payload bytes", e.Index)
	}
	return DecodePayload(e.Type, e.Payload)
}

func (e SessionEvent) clone() SessionEvent {
	out := e
	if e.PriorEventHash != nil {
		p := *e.PriorEventHash
		out.PriorEventHash = &p
	}
	if e.Payload != nil {
		out.Payload = append([]byte(nil), e.Payload...)
	}
	return out
}

func computeEventHash(id string, t EventType, ts int64, payloadDigest Digest, prior *Digest) Digest {
	h := sha256.New()
	writeField(h, []byte(eventDomain))
	writeField(h, []byte(id))
	writeField(h, []byte(t))
	binary.Write(h, binary.BigEndian, ts)
	h.Write(payloadDigest[:])
	if prior != nil {
		h.Write([]byte{1})
		h.Write(prior[:])
	} else {
		h.Write([]byte{0})
	}

	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

func writeField(h hash.Hash, b []byte) {
	binary.Write(h, binary.BigEndian, uint64(len(b)))
	h.Write(b)
}
