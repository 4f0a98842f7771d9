// Package queue provides the durable job queue and worker pipeline.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stormlinehq/stormline/errors"
)

// State represents the current lifecycle state of a job
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateRetrying  State = "retrying"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsValidState returns true if the state string is a valid State
func IsValidState(s string) bool {
	switch State(s) {
	case StateCreated, StateActive, StateCompleted,
		StateRetrying, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether a job in this state can never be claimed again
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts is the dispatch attempt budget applied when the
// producer does not specify one.
const DefaultMaxAttempts = 3

// Job is the unit of work.
//
// The jobs row is the single source of truth and the only synchronization
// primitive between worker processes: claims, completions and failures are
// single conditional UPDATEs against it. Domain handlers never mutate job
// rows directly; they return an outcome to the worker runtime, which
// performs the corresponding store mutation.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Priority     int             `json:"priority"` // lower value = served first
	ScheduledFor time.Time       `json:"scheduled_for"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	LockedBy     string          `json:"locked_by,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EnqueueOptions are producer-supplied options for Enqueue.
// The zero value is valid: run as soon as possible, default priority,
// default attempt budget, no dedupe.
type EnqueueOptions struct {
	// ScheduledFor delays the job: it is not claimable before this time.
	ScheduledFor time.Time

	// Priority orders eligible jobs; lower value is served first,
	// ties broken by creation order.
	Priority int

	// DedupeKey makes the enqueue idempotent: while a non-terminal job
	// with the same key exists, Enqueue returns that job's id instead of
	// creating a duplicate.
	DedupeKey string

	// MaxAttempts overrides the default dispatch attempt budget.
	MaxAttempts int
}

// NewJob creates a job in the created state. Enqueue is the normal entry
// point; NewJob is exported for tests that seed the store directly.
func NewJob(jobType string, payload json.RawMessage, opts EnqueueOptions) (*Job, error) {
	if jobType == "" {
		return nil, errors.New("job type cannot be empty")
	}

	now := time.Now().UTC()
	scheduledFor := opts.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Job{
		ID:           uuid.NewString(),
		Type:         jobType,
		Payload:      payload,
		State:        StateCreated,
		MaxAttempts:  maxAttempts,
		Priority:     opts.Priority,
		ScheduledFor: scheduledFor.UTC(),
		DedupeKey:    opts.DedupeKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
