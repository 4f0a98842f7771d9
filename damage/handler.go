package damage

import (
	"context"
	"encoding/json"

	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/queue"
)

// JobType is the queue job type served by this package
const JobType = "damage-analyze"

// AnalyzePayload is the producer-side payload for damage analysis jobs.
type AnalyzePayload struct {
	ClaimID   string   `json:"claim_id"`
	PhotoURLs []string `json:"photo_urls"`
}

// Validate implements queue.Validator
func (p *AnalyzePayload) Validate() error {
	if p.ClaimID == "" {
		return errors.New("claim_id is required")
	}
	if len(p.PhotoURLs) == 0 {
		return errors.New("at least one photo_url is required")
	}
	for _, u := range p.PhotoURLs {
		if u == "" {
			return errors.New("photo_urls must not contain empty entries")
		}
	}
	return nil
}

// AnalyzeResult is the result document stored on the completed job.
type AnalyzeResult struct {
	ClaimID        string `json:"claim_id"`
	PhotosAnalyzed int    `json:"photos_analyzed"`
	SevereCount    int    `json:"severe_count"`
}

// AnalyzeHandler runs damage analysis jobs: one vision call per photo,
// findings upserted as they arrive.
type AnalyzeHandler struct {
	client Client
	store  *FindingStore
}

// NewAnalyzeHandler creates the damage analysis handler
func NewAnalyzeHandler(client Client, store *FindingStore) *AnalyzeHandler {
	return &AnalyzeHandler{client: client, store: store}
}

// Name implements queue.Handler
func (h *AnalyzeHandler) Name() string {
	return JobType
}

// Execute analyzes each photo in the payload. Findings are upserted photo
// by photo, so a retry after a mid-batch failure redoes at most the
// remaining photos plus one.
func (h *AnalyzeHandler) Execute(ctx context.Context, jc *queue.JobContext) (json.RawMessage, error) {
	payload, err := queue.DecodePayload[AnalyzePayload](jc.Job.Payload)
	if err != nil {
		return nil, err
	}

	result := AnalyzeResult{ClaimID: payload.ClaimID}

	for i, photoURL := range payload.PhotoURLs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		analysis, err := h.client.AnalyzePhoto(ctx, photoURL)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to analyze photo %d of %d", i+1, len(payload.PhotoURLs))
		}

		finding := &Finding{
			ClaimID:    payload.ClaimID,
			PhotoURL:   photoURL,
			Severity:   analysis.Severity,
			DamageType: analysis.DamageType,
			Confidence: analysis.Confidence,
			Notes:      analysis.Notes,
			JobID:      jc.Job.ID,
		}
		if err := h.store.Upsert(finding); err != nil {
			return nil, err
		}

		result.PhotosAnalyzed++
		if analysis.Severity == "severe" {
			result.SevereCount++
		}

		// Vision calls are slow; keep the lease alive between photos.
		if err := jc.Heartbeat(); err != nil {
			return nil, errors.Wrap(err, "lost job lease during analysis")
		}

		jc.Logger.Debugw("Photo analyzed",
			"photo", i+1,
			"total", len(payload.PhotoURLs),
			"severity", analysis.Severity)
	}

	return json.Marshal(result)
}
