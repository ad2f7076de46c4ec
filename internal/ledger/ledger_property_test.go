package ledger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func buildLedger(actions []string) (*Ledger, error) {
	ctx := context.Background()
	l, err := New(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if _, err := l.Append(ctx, UserInteraction{Action: a}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Property: a ledger built only through Append always verifies.
func TestPropertyAppendKeepsContinuity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("append-only ledgers verify", prop.ForAll(
		func(actions []string) bool {
			l, err := buildLedger(actions)
			if err != nil {
				return false
			}
			c := l.VerifyContinuity()
			return c.Valid && c.BrokenAtIndex == nil && c.Length == len(actions)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Property: changing the payload of event i breaks the chain at exactly i,
// and every later index falls inside the broken range.
func TestPropertyPayloadTamperDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampered payload reported at its index", prop.ForAll(
		func(n, pick int, forged string) bool {
			actions := make([]string, n)
			for i := range actions {
				actions[i] = "action"
			}
			l, err := buildLedger(actions)
			if err != nil {
				return false
			}

			idx := pick % n
			records := make([]Record, 0, n)
			for _, ev := range l.Events() {
				records = append(records, ToRecord(l.ID(), ev))
			}
			body, _ := json.Marshal(UserInteraction{Action: "action", Detail: "forged:" + forged})
			records[idx].Payload = body

			_, c, err := Replay(l.Summary(), records)
			if err != nil || c.Valid || c.BrokenAtIndex == nil {
				return false
			}
			from, to, ok := c.BrokenRange()
			return ok && from == idx && to == n && *c.BrokenAtIndex == idx
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 1000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
