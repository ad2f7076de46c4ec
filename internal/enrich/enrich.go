// Package enrich wraps the optional enrichment collaborator. Enrichment is
// advisory: every call ends in an Outcome, and only Enriched carries text.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned by enrichers that cannot serve a request.
var ErrUnavailable = errors.New("enrich: unavailable")

// Outcome is the result kind of an enrichment attempt.
type Outcome int

const (
	Enriched Outcome = iota
	Unavailable
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Enriched:
		return "enriched"
	case Unavailable:
		return "unavailable"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what Call returns. Text may legitimately be empty when
// Outcome is Enriched.
type Result struct {
	Outcome  Outcome
	Text     string
	Reason   string
	Duration time.Duration
}

// Enricher is the external enrichment service.
type Enricher interface {
	Enrich(ctx context.Context, text string) (string, error)
}

// Disabled is an Enricher that is never available.
type Disabled struct{}

func (Disabled) Enrich(context.Context, string) (string, error) { return "", ErrUnavailable }

// Func adapts a function to Enricher.
type Func func(ctx context.Context, text string) (string, error)

func (f Func) Enrich(ctx context.Context, text string) (string, error) { return f(ctx, text) }

// Call runs one enrichment bounded by timeout. It returns when the enricher
// answers, the timeout fires or ctx is cancelled, whichever comes first, even
// if the enricher ignores its context.
func Call(ctx context.Context, e Enricher, text string, timeout time.Duration) Result {
	if e == nil {
		return Result{Outcome: Unavailable, Reason: "no enricher configured"}
	}

	start := time.Now()
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type answer struct {
		text string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		text, err := e.Enrich(callCtx, text)
		done <- answer{text, err}
	}()

	select {
	case a := <-done:
		res := classify(callCtx, a.text, a.err)
		res.Duration = time.Since(start)
		return res
	case <-callCtx.Done():
		return Result{
			Outcome:  fromContext(callCtx),
			Reason:   callCtx.Err().Error(),
			Duration: time.Since(start),
		}
	}
}

func classify(ctx context.Context, text string, err error) Result {
	switch {
	case err == nil:
		return Result{Outcome: Enriched, Text: text}
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Outcome: TimedOut, Reason: err.Error()}
	case ctx.Err() != nil:
		return Result{Outcome: fromContext(ctx), Reason: err.Error()}
	default:
		return Result{Outcome: Unavailable, Reason: err.Error()}
	}
}

func fromContext(ctx context.Context) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TimedOut
	}
	return Unavailable
}
