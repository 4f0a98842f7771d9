package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stormlinehq/stormline/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the producer-facing client. It wraps the Store with idempotent
// enqueue and update notifications for live subscribers (the websocket feed).
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job

	defaultMaxAttempts int
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:              NewStore(db),
		subscribers:        make([]chan *Job, 0),
		defaultMaxAttempts: DefaultMaxAttempts,
	}
}

// SetDefaultMaxAttempts overrides the attempt budget applied to jobs
// enqueued without an explicit MaxAttempts. The worker pool feeds the
// configured deployment default through here.
func (q *Queue) SetDefaultMaxAttempts(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.defaultMaxAttempts = n
}

// Store returns the underlying job store (used by the worker runtime,
// which performs lease-checked mutations directly).
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue creates a new job and returns it.
//
// When opts.DedupeKey is set the call is idempotent: if a non-terminal job
// already carries the key, that existing job is returned and no new row is
// created. Terminal jobs release their key, so re-enqueueing after
// completion or failure creates a fresh job.
func (q *Queue) Enqueue(jobType string, payload json.RawMessage, opts EnqueueOptions) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.defaultMaxAttempts
	}

	if opts.DedupeKey != "" {
		existing, err := q.store.FindActiveByDedupeKey(opts.DedupeKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to check dedupe key")
		}
		if existing != nil {
			return existing, nil
		}
	}

	job, err := NewJob(jobType, payload, opts)
	if err != nil {
		return nil, err
	}

	if err := q.store.CreateJob(job); err != nil {
		// A concurrent enqueue with the same key can slip between the
		// read above and the insert; the partial unique index catches it
		// and we return the winner instead.
		if opts.DedupeKey != "" && errors.Is(err, errors.ErrConflict) {
			existing, findErr := q.store.FindActiveByDedupeKey(opts.DedupeKey)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Type: %s", job.Type))
		return nil, err
	}

	q.notifySubscribers(job)

	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetJob(id)
}

// Cancel cancels a waiting job (created or retrying). Active jobs cannot be
// cancelled mid-flight; terminal jobs stay as they are.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Cancel(id); err != nil {
		return err
	}

	job, err := q.store.GetJob(id)
	if err == nil {
		q.notifySubscribers(job)
	}

	return nil
}

// ListJobs returns jobs, optionally filtered by state, newest first
func (q *Queue) ListJobs(state *State, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListJobs(state, limit)
}

// Cleanup removes terminal jobs older than olderThan
func (q *Queue) Cleanup(olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldJobs(olderThan)
}

// Stats holds queue statistics by state
type Stats struct {
	Created   int `json:"created"`
	Active    int `json:"active"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats() (*Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByState()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Created:   counts[StateCreated],
		Active:    counts[StateActive],
		Retrying:  counts[StateRetrying],
		Completed: counts[StateCompleted],
		Failed:    counts[StateFailed],
		Cancelled: counts[StateCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}

	return stats, nil
}

// Depth returns the number of jobs waiting to be claimed
func (q *Queue) Depth() (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByState()
	if err != nil {
		return 0, err
	}

	return counts[StateCreated] + counts[StateRetrying], nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// Notify publishes a job update to subscribers. The worker runtime calls
// this after completing or failing a job through the store.
func (q *Queue) Notify(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	q.notifySubscribers(job)
}

// notifySubscribers sends job updates to all subscribers.
// REQUIRES: q.mu must be held by caller (either Lock or RLock).
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	// Publish a snapshot: the worker keeps mutating its Job struct after
	// notifying, while a subscriber may still be serializing the update.
	c := *job
	for _, ch := range q.subscribers {
		select {
		case ch <- &c:
		default:
			// Channel full, skip
		}
	}
}
