package proposal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stormlinehq/stormline/damage"
	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/queue"
)

// JobType is the queue job type served by this package
const JobType = "proposal-generate"

// Line item estimates per damage severity, in dollars. Placeholder pricing
// until the estimating tables are wired in.
var severityAmounts = map[string]float64{
	"minor":    450,
	"moderate": 2200,
	"severe":   8500,
}

// GeneratePayload is the producer-side payload for proposal generation.
type GeneratePayload struct {
	ClaimID    string `json:"claim_id"`
	TemplateID string `json:"template_id"`
}

// Validate implements queue.Validator
func (p *GeneratePayload) Validate() error {
	if p.ClaimID == "" {
		return errors.New("claim_id is required")
	}
	if p.TemplateID == "" {
		return errors.New("template_id is required")
	}
	return nil
}

// GenerateResult is the result document stored on the completed job.
type GenerateResult struct {
	ProposalID  string `json:"proposal_id"`
	DocumentRef string `json:"document_ref"`
}

// GenerateHandler runs proposal generation jobs
type GenerateHandler struct {
	proposals *Store
	findings  *damage.FindingStore
}

// NewGenerateHandler creates the proposal generation handler
func NewGenerateHandler(proposals *Store, findings *damage.FindingStore) *GenerateHandler {
	return &GenerateHandler{proposals: proposals, findings: findings}
}

// Name implements queue.Handler
func (h *GenerateHandler) Name() string {
	return JobType
}

// Execute builds a proposal record from the claim's damage findings.
// A claim with no findings is a permanent failure: analysis must run
// first, and retrying will not change that.
func (h *GenerateHandler) Execute(ctx context.Context, jc *queue.JobContext) (json.RawMessage, error) {
	payload, err := queue.DecodePayload[GeneratePayload](jc.Job.Payload)
	if err != nil {
		return nil, err
	}

	findings, err := h.findings.ListByClaim(payload.ClaimID)
	if err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		return nil, queue.Permanent(errors.Newf(
			"no damage findings on file for claim %s; run damage analysis first", payload.ClaimID))
	}

	var total float64
	for _, f := range findings {
		total += severityAmounts[f.Severity]
	}

	p := &Proposal{
		ClaimID:      payload.ClaimID,
		TemplateID:   payload.TemplateID,
		DocumentRef:  documentRef(payload.ClaimID, payload.TemplateID),
		FindingCount: len(findings),
		TotalAmount:  total,
		JobID:        jc.Job.ID,
	}
	if err := h.proposals.Upsert(p); err != nil {
		return nil, err
	}

	jc.Logger.Infow("Proposal generated",
		"claim_id", payload.ClaimID,
		"template_id", payload.TemplateID,
		"findings", len(findings),
		"total", total)

	return json.Marshal(GenerateResult{
		ProposalID:  p.ID,
		DocumentRef: p.DocumentRef,
	})
}

// documentRef is deterministic per (claim, template) so regeneration
// points at the same storage slot instead of leaking orphaned documents.
func documentRef(claimID, templateID string) string {
	return fmt.Sprintf("proposals/%s/%s.pdf", claimID, templateID)
}
