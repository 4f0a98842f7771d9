package weather

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/queue"
)

// JobType is the queue job type served by this package
const JobType = "weather-ingest"

// defaultLookback bounds the first fetch for a region with no stored
// observations.
const defaultLookback = 7 * 24 * time.Hour

// IngestPayload is the producer-side payload for weather ingest jobs.
// Since is optional; when zero the handler resumes from the latest stored
// observation for the region.
type IngestPayload struct {
	Region string    `json:"region"`
	Since  time.Time `json:"since,omitempty"`
}

// Validate implements queue.Validator
func (p *IngestPayload) Validate() error {
	if p.Region == "" {
		return errors.New("region is required")
	}
	return nil
}

// IngestResult is the result document stored on the completed job.
type IngestResult struct {
	Region       string    `json:"region"`
	Observations int       `json:"observations"`
	Since        time.Time `json:"since"`
}

// IngestHandler runs weather ingest jobs
type IngestHandler struct {
	client Client
	store  *ObservationStore
}

// NewIngestHandler creates the weather ingest handler
func NewIngestHandler(client Client, store *ObservationStore) *IngestHandler {
	return &IngestHandler{client: client, store: store}
}

// Name implements queue.Handler
func (h *IngestHandler) Name() string {
	return JobType
}

// Execute fetches observations for the payload's region and upserts them.
// The (region, observed_at) key makes re-runs and overlapping windows
// harmless.
func (h *IngestHandler) Execute(ctx context.Context, jc *queue.JobContext) (json.RawMessage, error) {
	payload, err := queue.DecodePayload[IngestPayload](jc.Job.Payload)
	if err != nil {
		return nil, err
	}

	since := payload.Since
	if since.IsZero() {
		latest, err := h.store.LatestObservedAt(payload.Region)
		if err != nil {
			return nil, err
		}
		if latest.IsZero() {
			since = time.Now().UTC().Add(-defaultLookback)
		} else {
			since = latest
		}
	}

	observations, err := h.client.FetchObservations(ctx, payload.Region, since)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch observations for region %s", payload.Region)
	}

	for i, o := range observations {
		if err := h.store.Upsert(o); err != nil {
			return nil, err
		}

		// Large backfills can outlast the lease.
		if (i+1)%500 == 0 {
			if err := jc.Heartbeat(); err != nil {
				return nil, errors.Wrap(err, "lost job lease during ingest")
			}
		}
	}

	jc.Logger.Infow("Weather observations ingested",
		"region", payload.Region,
		"count", len(observations),
		"since", since)

	return json.Marshal(IngestResult{
		Region:       payload.Region,
		Observations: len(observations),
		Since:        since,
	})
}

// RecurringName returns the recurring-job template name for a region
func RecurringName(region string) string {
	return "weather-ingest:" + region
}

// RecurringPayload builds the payload registered on the recurring template
func RecurringPayload(region string) json.RawMessage {
	payload, _ := json.Marshal(IngestPayload{Region: region})
	return payload
}
