package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		enricher Enricher
		timeout  time.Duration
		outcome  Outcome
		text     string
	}{
		{
			name:     "answer",
			enricher: Func(func(context.Context, string) (string, error) { return "summary", nil }),
			timeout:  time.Second,
			outcome:  Enriched,
			text:     "summary",
		},
		{
			name:     "empty answer is still enriched",
			enricher: Func(func(context.Context, string) (string, error) { return "", nil }),
			timeout:  time.Second,
			outcome:  Enriched,
		},
		{
			name:     "disabled",
			enricher: Disabled{},
			timeout:  time.Second,
			outcome:  Unavailable,
		},
		{
			name:     "error",
			enricher: Func(func(context.Context, string) (string, error) { return "", errors.New("503") }),
			timeout:  time.Second,
			outcome:  Unavailable,
		},
		{
			name: "honours context deadline",
			enricher: Func(func(ctx context.Context, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}),
			timeout: 20 * time.Millisecond,
			outcome: TimedOut,
		},
		{
			name: "ignores context",
			enricher: Func(func(context.Context, string) (string, error) {
				time.Sleep(2 * time.Second)
				return "late", nil
			}),
			timeout: 20 * time.Millisecond,
			outcome: TimedOut,
		},
		{
			name:     "nil enricher",
			enricher: nil,
			timeout:  time.Second,
			outcome:  Unavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res := Call(context.Background(), tt.enricher, "CASE-001 statement text", tt.timeout)
			assert.Equal(t, tt.outcome, res.Outcome, res.Reason)
			assert.Equal(t, tt.text, res.Text)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestCallParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Call(ctx, Func(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), "x", time.Minute)
	assert.Equal(t, Unavailable, res.Outcome)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "enriched", Enriched.String())
	assert.Equal(t, "unavailable", Unavailable.String())
	assert.Equal(t, "timed_out", TimedOut.String())
}

func TestHTTPEnricher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req enrichRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(enrichResponse{Text: "enriched: " + req.Text})
	}))
	defer srv.Close()

	e := NewHTTPEnricher(srv.URL, WithRateLimit(0, 0))
	res := Call(context.Background(), e, "hello", time.Second)
	assert.Equal(t, Enriched, res.Outcome)
	assert.Equal(t, "enriched: hello", res.Text)
}

func TestHTTPEnricherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPEnricher(srv.URL).Enrich(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPEnricherSlowServerTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	res := Call(context.Background(), NewHTTPEnricher(srv.URL), "hello", 30*time.Millisecond)
	assert.Equal(t, TimedOut, res.Outcome)
}

func TestHTTPEnricherRateLimitHonoursDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(enrichResponse{Text: "ok"})
	}))
	defer srv.Close()

	e := NewHTTPEnricher(srv.URL, WithRateLimit(0.01, 1))
	first := Call(context.Background(), e, "a", time.Second)
	require.Equal(t, Enriched, first.Outcome)

	second := Call(context.Background(), e, "b", 30*time.Millisecond)
	assert.NotEqual(t, Enriched, second.Outcome)
}
