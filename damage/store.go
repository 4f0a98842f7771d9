package damage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/stormlinehq/stormline/errors"
)

// Finding is one analyzed photo's damage record.
type Finding struct {
	ID         string    `json:"id"`
	ClaimID    string    `json:"claim_id"`
	PhotoURL   string    `json:"photo_url"`
	Severity   string    `json:"severity"`
	DamageType string    `json:"damage_type"`
	Confidence float64   `json:"confidence"`
	Notes      string    `json:"notes,omitempty"`
	JobID      string    `json:"job_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FindingStore persists damage findings
type FindingStore struct {
	db *sql.DB
}

// NewFindingStore creates a finding store
func NewFindingStore(db *sql.DB) *FindingStore {
	return &FindingStore{db: db}
}

// Upsert records a finding, keyed by (claim_id, photo_url). A re-run of
// the same analysis job overwrites the previous verdict instead of
// duplicating it, which is what makes the handler safe under at-least-once
// delivery.
func (s *FindingStore) Upsert(f *Finding) error {
	if f.ClaimID == "" || f.PhotoURL == "" {
		return errors.New("finding requires claim_id and photo_url")
	}

	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	notes := sql.NullString{String: f.Notes, Valid: f.Notes != ""}

	_, err := s.db.Exec(`
		INSERT INTO damage_findings (
			id, claim_id, photo_url, severity, damage_type, confidence,
			notes, job_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(claim_id, photo_url) DO UPDATE SET
			severity = excluded.severity,
			damage_type = excluded.damage_type,
			confidence = excluded.confidence,
			notes = excluded.notes,
			job_id = excluded.job_id,
			updated_at = excluded.updated_at`,
		f.ID, f.ClaimID, f.PhotoURL, f.Severity, f.DamageType, f.Confidence,
		notes, f.JobID, now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert finding for claim %s", f.ClaimID)
	}

	return nil
}

// ListByClaim returns all findings for a claim, most severe first is left
// to the caller; rows come back in photo order.
func (s *FindingStore) ListByClaim(claimID string) ([]*Finding, error) {
	rows, err := s.db.Query(`
		SELECT id, claim_id, photo_url, severity, damage_type, confidence,
		       notes, job_id, created_at, updated_at
		FROM damage_findings
		WHERE claim_id = ?
		ORDER BY photo_url ASC`,
		claimID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list findings for claim %s", claimID)
	}
	defer rows.Close()

	var findings []*Finding
	for rows.Next() {
		var f Finding
		var notes sql.NullString
		if err := rows.Scan(
			&f.ID, &f.ClaimID, &f.PhotoURL, &f.Severity, &f.DamageType,
			&f.Confidence, &notes, &f.JobID, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan finding")
		}
		if notes.Valid {
			f.Notes = notes.String
		}
		findings = append(findings, &f)
	}

	return findings, rows.Err()
}
