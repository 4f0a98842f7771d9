package queue

import (
	"database/sql"
	"strings"
	"time"

	"github.com/stormlinehq/stormline/errors"
)

// Store handles persistence of queued jobs.
//
// Every lifecycle transition is a single conditional UPDATE so that claims
// and completions are safe under concurrent callers from multiple worker
// processes; there is no read-then-write anywhere in this file.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job into the database.
// Returns ErrConflict if a non-terminal job with the same dedupe key exists.
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO jobs (
			id, type, payload, state, attempts, max_attempts, priority,
			scheduled_for, locked_until, locked_by, last_error, result,
			dedupe_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, ?, ?)
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
	dedupeKey := sql.NullString{String: job.DedupeKey, Valid: job.DedupeKey != ""}

	_, err := s.db.Exec(query,
		job.ID,
		job.Type,
		payload,
		job.State,
		job.Attempts,
		job.MaxAttempts,
		job.Priority,
		job.ScheduledFor.UTC(),
		dedupeKey,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.dedupe_key") {
			return errors.Wrapf(errors.ErrConflict, "active job with dedupe key %q already exists", job.DedupeKey)
		}
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	var job Job
	err := scanJobFromRow(s.db.QueryRow(query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return &job, nil
}

// FindActiveByDedupeKey finds the non-terminal job carrying the given dedupe
// key. Returns nil if none exists (terminal jobs release the key).
func (s *Store) FindActiveByDedupeKey(key string) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE dedupe_key = ?
		  AND state IN ('created', 'active', 'retrying')
		LIMIT 1`

	var job Job
	err := scanJobFromRow(s.db.QueryRow(query, key), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find job by dedupe key")
	}

	return &job, nil
}

// ClaimNext atomically claims up to batchSize eligible jobs for workerID.
//
// Eligible means: state in (created, retrying), scheduled_for has passed,
// and no unexpired lock. Claimed jobs move to active with a lease of
// leaseDuration and attempts incremented. The claim is a single
// UPDATE ... RETURNING, so two workers can never claim the same job.
func (s *Store) ClaimNext(workerID string, batchSize int, leaseDuration time.Duration) ([]*Job, error) {
	now := time.Now().UTC()
	lockedUntil := now.Add(leaseDuration)

	query := `
		UPDATE jobs
		SET state = ?,
		    locked_by = ?,
		    locked_until = ?,
		    attempts = attempts + 1,
		    updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE state IN (?, ?)
			  AND scheduled_for <= ?
			  AND (locked_until IS NULL OR locked_until <= ?)
			ORDER BY priority ASC, created_at ASC
			LIMIT ?
		)
		RETURNING ` + jobColumns

	rows, err := s.db.Query(query,
		StateActive, workerID, lockedUntil, now,
		StateCreated, StateRetrying, now, now, batchSize,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "claimed jobs")
}

// Complete marks a job completed and stores its result.
// Returns ErrLeaseLost if workerID no longer holds the job's lease.
func (s *Store) Complete(jobID, workerID string, result []byte) error {
	resultCol := sql.NullString{String: string(result), Valid: len(result) > 0}

	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = ?, result = ?, locked_until = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND locked_by = ?`,
		StateCompleted, resultCol, time.Now().UTC(),
		jobID, StateActive, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to complete job")
	}

	return s.requireLease(res, jobID, workerID)
}

// Fail records a failed attempt. If the attempt budget is not exhausted the
// job moves to retrying with scheduled_for set to retryAt; otherwise it
// moves to failed terminally. Returns the resulting state, or ErrLeaseLost
// if workerID no longer holds the lease.
func (s *Store) Fail(jobID, workerID, lastError string, retryAt time.Time) (State, error) {
	query := `
		UPDATE jobs
		SET state = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
		    scheduled_for = CASE WHEN attempts >= max_attempts THEN scheduled_for ELSE ? END,
		    last_error = ?,
		    locked_until = NULL,
		    locked_by = NULL,
		    updated_at = ?
		WHERE id = ? AND state = ? AND locked_by = ?
		RETURNING state`

	var state State
	err := s.db.QueryRow(query,
		StateFailed, StateRetrying, retryAt.UTC(),
		lastError, time.Now().UTC(),
		jobID, StateActive, workerID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(errors.ErrLeaseLost, "job %s", jobID)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to record job failure")
	}

	return state, nil
}

// FailPermanent marks a job failed terminally regardless of remaining
// attempts. Used for non-retryable errors: payload validation failures,
// unregistered job types.
func (s *Store) FailPermanent(jobID, workerID, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = ?, last_error = ?, locked_until = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND locked_by = ?`,
		StateFailed, lastError, time.Now().UTC(),
		jobID, StateActive, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark job failed")
	}

	return s.requireLease(res, jobID, workerID)
}

// Heartbeat extends the lease on a job by extendBy from now.
// Returns ErrLeaseLost if workerID no longer holds the lease; callers are
// expected to log and carry on, since the other worker's outcome wins.
func (s *Store) Heartbeat(jobID, workerID string, extendBy time.Duration) error {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET locked_until = ?, updated_at = ?
		WHERE id = ? AND state = ? AND locked_by = ?`,
		time.Now().UTC().Add(extendBy), time.Now().UTC(),
		jobID, StateActive, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to heartbeat job")
	}

	return s.requireLease(res, jobID, workerID)
}

// HoldsLease reports whether workerID still owns the active lease on a
// job. Cheaper than a heartbeat: it reads without extending, so handlers
// can poll for a reclaimed lease between steps.
func (s *Store) HoldsLease(jobID, workerID string) (bool, error) {
	var held bool
	err := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM jobs
			WHERE id = ? AND state = ? AND locked_by = ?
		)`,
		jobID, StateActive, workerID,
	).Scan(&held)
	if err != nil {
		return false, errors.Wrap(err, "failed to check job lease")
	}
	return held, nil
}

// Cancel moves a job to cancelled. Only valid while the job is waiting
// (created or retrying); active and terminal jobs are not cancellable.
func (s *Store) Cancel(jobID string) error {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = ?, locked_until = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		StateCancelled, time.Now().UTC(),
		jobID, StateCreated, StateRetrying,
	)
	if err != nil {
		return errors.Wrap(err, "failed to cancel job")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		job, getErr := s.GetJob(jobID)
		if getErr != nil {
			return getErr
		}
		return errors.Newf("job %s is not cancellable (state: %s)", jobID, job.State)
	}

	return nil
}

// RequeueExpired is the reaper query: jobs stuck in active past their lease
// (worker crashed without completing or failing) become claimable again.
// Jobs whose attempt budget is already spent go to failed instead, so a
// repeatedly-crashing handler cannot loop forever.
// Returns the number of jobs transitioned.
func (s *Store) RequeueExpired(now time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
		    last_error = ?,
		    locked_until = NULL,
		    locked_by = NULL,
		    updated_at = ?
		WHERE state = ?
		  AND locked_until IS NOT NULL
		  AND locked_until <= ?`,
		StateFailed, StateRetrying,
		"lease expired without resolution; worker presumed dead",
		now.UTC(),
		StateActive, now.UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue expired jobs")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(n), nil
}

// ListJobs returns jobs, optionally filtered by state, newest first
func (s *Store) ListJobs(state *State, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	if state != nil {
		query = baseQuery + ` WHERE state = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*state, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// CountByState returns job counts grouped by state
func (s *Store) CountByState() (map[State]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[state] = count
	}

	return counts, rows.Err()
}

// CleanupOldJobs removes terminal jobs older than the specified duration
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE state IN (?, ?, ?)
		  AND updated_at < ?`,
		StateCompleted, StateFailed, StateCancelled, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(n), nil
}

// requireLease converts a zero-rows-affected conditional update into
// ErrLeaseLost: the job was reclaimed (or resolved) by someone else.
func (s *Store) requireLease(res sql.Result, jobID, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		err := errors.Wrapf(errors.ErrLeaseLost, "job %s", jobID)
		return errors.WithDetailf(err, "worker %s no longer holds the lease", workerID)
	}
	return nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}
