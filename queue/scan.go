package queue

import (
	"database/sql"
)

// jobScanArgs holds the nullable column targets for scanning a job row.
type jobScanArgs struct {
	Payload     sql.NullString
	LockedUntil sql.NullTime
	LockedBy    sql.NullString
	LastError   sql.NullString
	Result      sql.NullString
	DedupeKey   sql.NullString
}

// jobScanTargets returns scan destinations for the job and its nullable
// columns, in the order of jobColumns.
func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&args.Payload,
		&job.State,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Priority,
		&job.ScheduledFor,
		&args.LockedUntil,
		&args.LockedBy,
		&args.LastError,
		&args.Result,
		&args.DedupeKey,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

// applyJobScanArgs copies the scanned nullable columns onto the job.
func applyJobScanArgs(job *Job, args *jobScanArgs) {
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.LockedUntil.Valid {
		t := args.LockedUntil.Time
		job.LockedUntil = &t
	}
	if args.LockedBy.Valid {
		job.LockedBy = args.LockedBy.String
	}
	if args.LastError.Valid {
		job.LastError = args.LastError.String
	}
	if args.Result.Valid {
		job.Result = []byte(args.Result.String)
	}
	if args.DedupeKey.Valid {
		job.DedupeKey = args.DedupeKey.String
	}
}

// scanJobFromRow scans a single job from a sql.Row
func scanJobFromRow(row *sql.Row, job *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	applyJobScanArgs(job, args)
	return nil
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	applyJobScanArgs(job, args)
	return nil
}

// jobColumns is the standard column list for job SELECT and RETURNING clauses
const jobColumns = `id, type, payload, state, attempts, max_attempts, priority,
	scheduled_for, locked_until, locked_by, last_error, result, dedupe_key,
	created_at, updated_at`
