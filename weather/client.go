// Package weather ingests storm observations from an external provider
// so damage claims can be corroborated against actual weather events.
package weather

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/queue"
)

// Observation is one weather data point for a region.
type Observation struct {
	Region          string    `json:"region"`
	ObservedAt      time.Time `json:"observed_at"`
	HailSizeMM      float64   `json:"hail_size_mm"`
	WindSpeedKPH    float64   `json:"wind_speed_kph"`
	PrecipitationMM float64   `json:"precipitation_mm"`
	Source          string    `json:"source"`
}

// Client fetches observations for a region. Implementations wrap the
// provider API; tests substitute a stub.
type Client interface {
	FetchObservations(ctx context.Context, region string, since time.Time) ([]*Observation, error)
}

// HTTPClient calls the weather provider's HTTP API
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a weather provider client
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchObservations retrieves observations for a region since the given time
func (c *HTTPClient) FetchObservations(ctx context.Context, region string, since time.Time) ([]*Observation, error) {
	q := url.Values{}
	q.Set("region", region)
	q.Set("since", since.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/observations?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build observations request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "weather API request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read weather API response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, queue.Permanent(errors.Newf("weather API rejected request for region %s: %s", region, resp.Status))
	default:
		return nil, errors.Newf("weather API error for region %s: %s", region, resp.Status)
	}

	var observations []*Observation
	if err := json.Unmarshal(body, &observations); err != nil {
		return nil, errors.Wrap(err, "failed to decode weather API response")
	}

	return observations, nil
}
