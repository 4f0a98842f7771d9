// Package schedule runs recurring jobs: named templates that enqueue a
// fresh queue job every interval.
package schedule

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/stormlinehq/stormline/errors"
)

// Recurring job states
const (
	StateActive = "active"
	StatePaused = "paused"
)

// RecurringJob is a named template that enqueues a job every interval.
// The name is the identity: registering the same name again updates the
// template without resetting its schedule.
type RecurringJob struct {
	Name            string          `json:"name"`
	JobType         string          `json:"job_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IntervalSeconds int             `json:"interval_seconds"`
	NextRunAt       time.Time       `json:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	LastJobID       string          `json:"last_job_id,omitempty"`
	State           string          `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Interval returns the run interval as a duration
func (r *RecurringJob) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Store handles persistence of recurring job templates
type Store struct {
	db *sql.DB
}

// NewStore creates a new recurring job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const recurringColumns = `name, job_type, payload, interval_seconds, next_run_at,
	last_run_at, last_job_id, state, created_at, updated_at`

// Upsert registers a recurring job. A new name gets next_run_at = now +
// interval. An existing name has its type, payload and interval updated
// but keeps its schedule position, so redeploys do not cause a burst of
// immediate runs.
func (s *Store) Upsert(name, jobType string, payload json.RawMessage, interval time.Duration) error {
	if name == "" {
		return errors.New("recurring job name cannot be empty")
	}
	if jobType == "" {
		return errors.New("recurring job type cannot be empty")
	}
	if interval <= 0 {
		return errors.Newf("recurring job interval must be positive, got %s", interval)
	}

	now := time.Now().UTC()
	payloadCol := sql.NullString{String: string(payload), Valid: len(payload) > 0}

	_, err := s.db.Exec(`
		INSERT INTO recurring_jobs (
			name, job_type, payload, interval_seconds, next_run_at,
			last_run_at, last_job_id, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			job_type = excluded.job_type,
			payload = excluded.payload,
			interval_seconds = excluded.interval_seconds,
			updated_at = excluded.updated_at`,
		name, jobType, payloadCol, int(interval.Seconds()), now.Add(interval),
		StateActive, now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to register recurring job %s", name)
	}

	return nil
}

// Get retrieves a recurring job by name
func (s *Store) Get(name string) (*RecurringJob, error) {
	row := s.db.QueryRow(`SELECT `+recurringColumns+` FROM recurring_jobs WHERE name = ?`, name)

	job, err := scanRecurring(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("recurring job not found: %s", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recurring job")
	}

	return job, nil
}

// ListDue returns active recurring jobs whose next_run_at has passed,
// oldest first. Limited per sweep so one stampede cannot starve the ticker.
func (s *Store) ListDue(now time.Time) ([]*RecurringJob, error) {
	rows, err := s.db.Query(`
		SELECT `+recurringColumns+`
		FROM recurring_jobs
		WHERE state = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT 100`,
		StateActive, now.UTC(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due recurring jobs")
	}
	defer rows.Close()

	var jobs []*RecurringJob
	for rows.Next() {
		job, err := scanRecurring(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan recurring job")
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// List returns all recurring jobs ordered by name
func (s *Store) List() ([]*RecurringJob, error) {
	rows, err := s.db.Query(`SELECT ` + recurringColumns + ` FROM recurring_jobs ORDER BY name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recurring jobs")
	}
	defer rows.Close()

	var jobs []*RecurringJob
	for rows.Next() {
		job, err := scanRecurring(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan recurring job")
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// MarkRun records a fired run and re-arms the schedule. The next run is
// computed from the scheduled time, not the actual fire time, so a slow
// sweep does not drift the schedule.
func (s *Store) MarkRun(name string, ranAt time.Time, jobID string, nextRun time.Time) error {
	res, err := s.db.Exec(`
		UPDATE recurring_jobs
		SET last_run_at = ?, last_job_id = ?, next_run_at = ?, updated_at = ?
		WHERE name = ?`,
		ranAt.UTC(), jobID, nextRun.UTC(), time.Now().UTC(), name,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark run for recurring job %s", name)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("recurring job not found: %s", name)
	}

	return nil
}

// SetState pauses or resumes a recurring job
func (s *Store) SetState(name, state string) error {
	if state != StateActive && state != StatePaused {
		return errors.NewInvalidRequestError("invalid recurring job state: %s", state)
	}

	res, err := s.db.Exec(`
		UPDATE recurring_jobs SET state = ?, updated_at = ? WHERE name = ?`,
		state, time.Now().UTC(), name,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set state for recurring job %s", name)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("recurring job not found: %s", name)
	}

	return nil
}

// Delete removes a recurring job template. Jobs already enqueued from it
// are unaffected.
func (s *Store) Delete(name string) error {
	_, err := s.db.Exec(`DELETE FROM recurring_jobs WHERE name = ?`, name)
	if err != nil {
		return errors.Wrapf(err, "failed to delete recurring job %s", name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecurring(row rowScanner) (*RecurringJob, error) {
	var job RecurringJob
	var payload, lastJobID sql.NullString
	var lastRunAt sql.NullTime

	err := row.Scan(
		&job.Name,
		&job.JobType,
		&payload,
		&job.IntervalSeconds,
		&job.NextRunAt,
		&lastRunAt,
		&lastJobID,
		&job.State,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	if lastJobID.Valid {
		job.LastJobID = lastJobID.String
	}

	return &job, nil
}
