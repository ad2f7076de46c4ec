package pipeline

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a trigger does not apply to a state.
var ErrIllegalTransition = errors.New("pipeline: illegal transition")

// State is the lifecycle position of one ingestion run.
type State int

const (
	StateIdle State = iota
	StateIngested
	StateScanning
	StateAnalyzed
	StateSealed
	StateOutputReady

	// StateError is absorbing: a run that reaches it has been refused.
	StateError
)

// String returns the state name as recorded in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateIngested:
		return "INGESTED"
	case StateScanning:
		return "SCANNING"
	case StateAnalyzed:
		return "ANALYZED"
	case StateSealed:
		return "SEALED"
	case StateOutputReady:
		return "OUTPUT_READY"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no trigger applies to s.
func (s State) Terminal() bool {
	return s == StateOutputReady || s == StateError
}

// Trigger identifies what moves a run between states.
type Trigger int

const (
	TriggerSubmit Trigger = iota
	TriggerBeginScan
	TriggerEnrichmentAvailable
	TriggerEnrichmentUnavailable
	TriggerSeal
	TriggerFinalize
	TriggerFatalError
)

// String returns a human-readable name for the trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerSubmit:
		return "submit"
	case TriggerBeginScan:
		return "begin_scan"
	case TriggerEnrichmentAvailable:
		return "enrichment_available"
	case TriggerEnrichmentUnavailable:
		return "enrichment_unavailable"
	case TriggerSeal:
		return "seal"
	case TriggerFinalize:
		return "finalize"
	case TriggerFatalError:
		return "fatal_error"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

type edge struct {
	from State
	on   Trigger
}

var transitions = map[edge]State{
	{StateIdle, TriggerSubmit}:                    StateIngested,
	{StateIngested, TriggerBeginScan}:             StateScanning,
	{StateScanning, TriggerEnrichmentAvailable}:   StateAnalyzed,
	{StateScanning, TriggerEnrichmentUnavailable}: StateAnalyzed,
	{StateAnalyzed, TriggerSeal}:                  StateSealed,
	{StateSealed, TriggerFinalize}:                StateOutputReady,
}

// Transition is the single authority on the run lifecycle. A fatal error
// moves any non-terminal state to StateError; every other pair not in the
// table is illegal.
func Transition(from State, on Trigger) (State, error) {
	if on == TriggerFatalError && !from.Terminal() && from >= StateIdle && from < StateError {
		return StateError, nil
	}
	if to, ok := transitions[edge{from, on}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, from, on)
}
