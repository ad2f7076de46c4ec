package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

// HTTPEnricher posts text to a JSON endpoint:
//
//	request:  {"text": "..."}
//	response: {"text": "..."}
//
// Any non-2xx status is reported as ErrUnavailable.
type HTTPEnricher struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// HTTPOption configures an HTTPEnricher.
type HTTPOption func(*HTTPEnricher)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPEnricher) { h.client = c }
}

// WithRateLimit bounds outgoing requests to r per second with the given burst.
func WithRateLimit(r float64, burst int) HTTPOption {
	return func(h *HTTPEnricher) {
		if r <= 0 {
			h.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// NewHTTPEnricher returns an enricher for endpoint.
func NewHTTPEnricher(endpoint string, opts ...HTTPOption) *HTTPEnricher {
	h := &HTTPEnricher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type enrichRequest struct {
	Text string `json:"text"`
}

type enrichResponse struct {
	Text string `json:"text"`
}

// Enrich implements Enricher.
func (h *HTTPEnricher) Enrich(ctx context.Context, text string) (string, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("enrich: rate limit: %w", err)
	}

	body, err := json.Marshal(enrichRequest{Text: text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("enrich: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("enrich: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out enrichResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return out.Text, nil
}
