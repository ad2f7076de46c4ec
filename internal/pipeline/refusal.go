package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"forensicseal/internal/artifact"
	"forensicseal/internal/ledger"
)

// Step names the stage a fatal ingestion error happened in.
type Step string

const (
	StepHash     Step = "hash"
	StepLedger   Step = "ledger"
	StepAnalyze  Step = "analyze"
	StepRender   Step = "render"
	StepSeal     Step = "seal"
	StepInternal Step = "internal"
)

// StepError is a fatal ingestion error. It routes the run to StateError.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("pipeline: %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

func stepLedger(err error) error {
	if errors.Is(err, ledger.ErrSessionSealed) {
		return err
	}
	return &StepError{Step: StepLedger, Err: err}
}

// Refusal is the sealed record of a run that ended in StateError.
// RefusalHash covers every other field except EventID.
type Refusal struct {
	RunID        string          `json:"run_id"`
	SessionID    string          `json:"session_id"`
	Step         Step            `json:"failed_step"`
	Reason       string          `json:"reason"`
	OriginalName string          `json:"original_name,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	HashSuite    artifact.Suite  `json:"hash_suite"`
	RefusalHash  artifact.Digest `json:"-"`
	EventID      string          `json:"-"`
}

// ComputeHash returns the suite hash of the canonical JSON of the refusal.
func (r Refusal) ComputeHash() (artifact.Digest, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return artifact.Digest{}, fmt.Errorf("pipeline: marshal refusal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return artifact.Digest{}, fmt.Errorf("pipeline: canonicalize refusal: %w", err)
	}
	return artifact.NewHasher(r.HashSuite).Sum(canon), nil
}

// Verify reports whether RefusalHash still matches the record.
func (r Refusal) Verify() bool {
	h, err := r.ComputeHash()
	return err == nil && h == r.RefusalHash
}

func (p *Pipeline) refuse(lctx context.Context, r *run, cause error) (*Result, error) {
	step := StepInternal
	var se *StepError
	if errors.As(cause, &se) {
		step = se.Step
	}

	if err := r.fire(TriggerFatalError); err != nil {
		r.logger.Error("cannot enter error state", "state", r.State, "error", err)
		r.State = StateError
		r.History = append(r.History, StateError)
	}

	ref := &Refusal{
		RunID:        r.RunID,
		SessionID:    r.ledger.ID(),
		Step:         step,
		Reason:       cause.Error(),
		OriginalName: r.OriginalName,
		Timestamp:    p.sealer.Now(),
		HashSuite:    p.hasher.Suite(),
	}
	h, err := ref.ComputeHash()
	if err != nil {
		r.Refusal = ref
		return r.Result, fmt.Errorf("%w: %w", ErrRefusalNotRecorded, err)
	}
	ref.RefusalHash = h
	r.Refusal = ref

	r.logger.Error("ingestion refused",
		"step", step,
		"reason", ref.Reason,
		"refusal_hash", h.Short(),
	)

	if err := r.record(lctx, ledger.IngestionRefused{
		RunID:        ref.RunID,
		FailedStep:   string(ref.Step),
		Reason:       ref.Reason,
		OriginalName: ref.OriginalName,
		RefusalHash:  h.Hex(),
	}); err != nil {
		return r.Result, fmt.Errorf("%w: %w", ErrRefusalNotRecorded, err)
	}
	ref.EventID = r.Events[len(r.Events)-1].EventID
	return r.Result, nil
}
