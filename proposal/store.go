// Package proposal generates repair proposal records for claims from the
// damage findings on file.
package proposal

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/stormlinehq/stormline/errors"
)

// Proposal is a generated repair proposal record. DocumentRef points at
// the rendered document in storage; rendering itself happens elsewhere.
type Proposal struct {
	ID           string    `json:"id"`
	ClaimID      string    `json:"claim_id"`
	TemplateID   string    `json:"template_id"`
	DocumentRef  string    `json:"document_ref"`
	FindingCount int       `json:"finding_count"`
	TotalAmount  float64   `json:"total_amount"`
	JobID        string    `json:"job_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists proposals
type Store struct {
	db *sql.DB
}

// NewStore creates a proposal store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert records a proposal, keyed by (claim_id, template_id). Regenerating
// a proposal replaces the previous record for the same claim and template.
func (s *Store) Upsert(p *Proposal) error {
	if p.ClaimID == "" || p.TemplateID == "" {
		return errors.New("proposal requires claim_id and template_id")
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	_, err := s.db.Exec(`
		INSERT INTO proposals (
			id, claim_id, template_id, document_ref, finding_count,
			total_amount, job_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(claim_id, template_id) DO UPDATE SET
			document_ref = excluded.document_ref,
			finding_count = excluded.finding_count,
			total_amount = excluded.total_amount,
			job_id = excluded.job_id,
			updated_at = excluded.updated_at`,
		p.ID, p.ClaimID, p.TemplateID, p.DocumentRef, p.FindingCount,
		p.TotalAmount, p.JobID, now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert proposal for claim %s", p.ClaimID)
	}

	return nil
}

// Get retrieves a proposal by claim and template
func (s *Store) Get(claimID, templateID string) (*Proposal, error) {
	var p Proposal
	err := s.db.QueryRow(`
		SELECT id, claim_id, template_id, document_ref, finding_count,
		       total_amount, job_id, created_at, updated_at
		FROM proposals
		WHERE claim_id = ? AND template_id = ?`,
		claimID, templateID,
	).Scan(
		&p.ID, &p.ClaimID, &p.TemplateID, &p.DocumentRef, &p.FindingCount,
		&p.TotalAmount, &p.JobID, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("proposal not found for claim %s template %s", claimID, templateID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get proposal")
	}

	return &p, nil
}
