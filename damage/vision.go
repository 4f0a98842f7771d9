// Package damage analyzes claim photos for storm damage through an
// external vision model and records the findings.
package damage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/queue"
)

// Analysis is the vision model's verdict on a single photo.
type Analysis struct {
	Severity   string  `json:"severity"` // minor, moderate, severe
	DamageType string  `json:"damage_type"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes,omitempty"`
}

// Client analyzes a single photo. Implementations wrap the vision model
// API; tests substitute a stub.
type Client interface {
	AnalyzePhoto(ctx context.Context, photoURL string) (*Analysis, error)
}

// HTTPClient calls the vision model's HTTP API. Calls are rate limited
// client-side so a burst of analysis jobs cannot trip the provider's
// per-minute quota into hard 429 bans.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// HTTPClientConfig configures the vision API client
type HTTPClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	MaxCallsPerMinute int
}

// NewHTTPClient creates a vision API client
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 30
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.MaxCallsPerMinute)/60.0), 1),
	}
}

// AnalyzePhoto submits one photo URL for analysis, blocking on the rate
// limiter first.
func (c *HTTPClient) AnalyzePhoto(ctx context.Context, photoURL string) (*Analysis, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait interrupted")
	}

	body, err := json.Marshal(map[string]string{"photo_url": photoURL})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode analysis request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build analysis request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "vision API request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read vision API response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// The model rejected this photo; retrying the same bytes cannot help.
		return nil, queue.Permanent(errors.Newf("vision API rejected photo %s: %s (%s)",
			photoURL, resp.Status, truncate(respBody, 200)))
	default:
		return nil, errors.Newf("vision API error for photo %s: %s", photoURL, resp.Status)
	}

	var analysis Analysis
	if err := json.Unmarshal(respBody, &analysis); err != nil {
		return nil, errors.Wrap(err, "failed to decode vision API response")
	}
	if analysis.Severity == "" || analysis.DamageType == "" {
		return nil, errors.Newf("vision API returned incomplete analysis for photo %s", photoURL)
	}

	return &analysis, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}
