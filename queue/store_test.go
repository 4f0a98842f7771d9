package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormlinehq/stormline/errors"
	stormtest "github.com/stormlinehq/stormline/internal/testing"
)

func mustCreateJob(t *testing.T, store *Store, jobType string, opts EnqueueOptions) *Job {
	t.Helper()
	job, err := NewJob(jobType, json.RawMessage(`{"k":"v"}`), opts)
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(job))
	return job
}

func claimOne(t *testing.T, store *Store, workerID string) *Job {
	t.Helper()
	jobs, err := store.ClaimNext(workerID, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestCreateAndGetJob(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	job := mustCreateJob(t, store, "damage-analyze", EnqueueOptions{Priority: 2})

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "damage-analyze", got.Type)
	assert.Equal(t, StateCreated, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, DefaultMaxAttempts, got.MaxAttempts)
	assert.Equal(t, 2, got.Priority)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Payload))
	assert.Nil(t, got.LockedUntil)
}

func TestGetJobNotFound(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.GetJob("no-such-id")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClaimMarksJobActive(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	created := mustCreateJob(t, store, "weather-ingest", EnqueueOptions{})
	claimed := claimOne(t, store, "worker-1")

	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, StateActive, claimed.State)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, "worker-1", claimed.LockedBy)
	require.NotNil(t, claimed.LockedUntil)
	assert.True(t, claimed.LockedUntil.After(time.Now()))
}

func TestClaimRespectsScheduledFor(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "weather-ingest", EnqueueOptions{
		ScheduledFor: time.Now().UTC().Add(time.Hour),
	})

	jobs, err := store.ClaimNext("worker-1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs, "a future-scheduled job must not be claimable")
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{Priority: 5})
	urgent := mustCreateJob(t, store, "t", EnqueueOptions{Priority: 0})

	claimed := claimOne(t, store, "worker-1")
	assert.Equal(t, urgent.ID, claimed.ID, "lower priority value wins")
}

// The claim must be atomic: many claimers racing over one database, every
// job handed out exactly once.
func TestConcurrentClaimersNeverShareAJob(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		mustCreateJob(t, store, "t", EnqueueOptions{})
	}

	const claimers = 8
	var mu sync.Mutex
	seen := make(map[string]string) // job id -> worker that claimed it
	var wg sync.WaitGroup

	for c := 0; c < claimers; c++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				jobs, err := store.ClaimNext(workerID, 1, time.Minute)
				if err != nil {
					// SQLITE_BUSY can surface under heavy write contention;
					// a real worker retries on its next poll.
					continue
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, dup := seen[j.ID]; dup {
						t.Errorf("job %s claimed by both %s and %s", j.ID, prev, workerID)
					}
					seen[j.ID] = workerID
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", c))
	}

	wg.Wait()
	assert.Len(t, seen, jobCount, "every job should be claimed exactly once")
}

func TestCompleteStoresResult(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{})
	job := claimOne(t, store, "worker-1")

	require.NoError(t, store.Complete(job.ID, "worker-1", []byte(`{"ok":true}`)))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Nil(t, got.LockedUntil)
	assert.Empty(t, got.LockedBy)
}

func TestCompleteByNonOwnerIsLeaseLost(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{})
	job := claimOne(t, store, "worker-1")

	err := store.Complete(job.ID, "worker-2", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLeaseLost))

	// The job is untouched by the impostor.
	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, "worker-1", got.LockedBy)
}

func TestFailSchedulesRetryWhileBudgetRemains(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{MaxAttempts: 3})
	job := claimOne(t, store, "worker-1")

	retryAt := time.Now().UTC().Add(30 * time.Second)
	state, err := store.Fail(job.ID, "worker-1", "boom", retryAt)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, state)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, got.State)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, 1, got.Attempts)
	assert.WithinDuration(t, retryAt, got.ScheduledFor, time.Second)

	// Not claimable until the retry time passes.
	jobs, err := store.ClaimNext("worker-1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFailExhaustsBudgetToFailed(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{MaxAttempts: 1})
	job := claimOne(t, store, "worker-1")

	state, err := store.Fail(job.ID, "worker-1", "boom", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	// Terminal: never claimable again.
	jobs, err := store.ClaimNext("worker-1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFailByNonOwnerIsLeaseLost(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{})
	job := claimOne(t, store, "worker-1")

	_, err := store.Fail(job.ID, "worker-2", "boom", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLeaseLost))
}

func TestFailPermanentIgnoresRemainingBudget(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{MaxAttempts: 5})
	job := claimOne(t, store, "worker-1")

	require.NoError(t, store.FailPermanent(job.ID, "worker-1", "bad payload"))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "bad payload", got.LastError)
	assert.Equal(t, 1, got.Attempts, "budget was not exhausted, just overridden")
}

func TestHeartbeatExtendsLease(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{})
	job := claimOne(t, store, "worker-1")
	originalLease := *job.LockedUntil

	require.NoError(t, store.Heartbeat(job.ID, "worker-1", 10*time.Minute))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, got.LockedUntil.After(originalLease), "lease should move forward")
}

func TestHeartbeatByNonOwnerIsLeaseLost(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{})
	job := claimOne(t, store, "worker-1")

	err := store.Heartbeat(job.ID, "worker-2", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLeaseLost))
}

func TestCancelWaitingJob(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	job := mustCreateJob(t, store, "t", EnqueueOptions{})
	require.NoError(t, store.Cancel(job.ID))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
}

func TestCancelActiveJobRefused(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{})
	job := claimOne(t, store, "worker-1")

	err := store.Cancel(job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not cancellable")
}

func TestCancelCompletedJobRefused(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{})
	job := claimOne(t, store, "worker-1")
	require.NoError(t, store.Complete(job.ID, "worker-1", nil))

	err := store.Cancel(job.ID)
	require.Error(t, err)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State, "terminal states are immutable")
}

// Crash recovery: a job claimed by a worker that died must become
// claimable again once its lease expires, without losing the work.
func TestRequeueExpiredRecoversAbandonedJobs(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{MaxAttempts: 3})
	jobs, err := store.ClaimNext("doomed-worker", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]

	// Lease not yet expired: nothing to reap.
	n, err := store.RequeueExpired(time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.RequeueExpired(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, got.State)
	assert.Nil(t, got.LockedUntil)
	assert.Contains(t, got.LastError, "lease expired")

	// And another worker can pick it up.
	reclaimed := claimOne(t, store, "worker-2")
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestRequeueExpiredFailsExhaustedJobs(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{MaxAttempts: 1})
	jobs, err := store.ClaimNext("doomed-worker", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, err := store.RequeueExpired(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetJob(jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State, "a crash-looping job cannot retry forever")
}

func TestDedupeIndexRejectsDuplicateActiveKey(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "t", EnqueueOptions{DedupeKey: "claim-42"})

	dup, err := NewJob("t", nil, EnqueueOptions{DedupeKey: "claim-42"})
	require.NoError(t, err)
	err = store.CreateJob(dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestDedupeKeyReleasedByTerminalState(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	first := mustCreateJob(t, store, "t", EnqueueOptions{DedupeKey: "claim-42"})
	claimed := claimOne(t, store, "worker-1")
	require.Equal(t, first.ID, claimed.ID)
	require.NoError(t, store.Complete(first.ID, "worker-1", nil))

	// Key is free again.
	second := mustCreateJob(t, store, "t", EnqueueOptions{DedupeKey: "claim-42"})
	assert.NotEqual(t, first.ID, second.ID)
}

func TestFindActiveByDedupeKey(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	job := mustCreateJob(t, store, "t", EnqueueOptions{DedupeKey: "k1"})

	found, err := store.FindActiveByDedupeKey("k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, job.ID, found.ID)

	missing, err := store.FindActiveByDedupeKey("k2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListJobsAndCounts(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	mustCreateJob(t, store, "a", EnqueueOptions{})
	mustCreateJob(t, store, "b", EnqueueOptions{})
	claimOne(t, store, "worker-1")

	all, err := store.ListJobs(nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active := StateActive
	activeJobs, err := store.ListJobs(&active, 10)
	require.NoError(t, err)
	assert.Len(t, activeJobs, 1)

	counts, err := store.CountByState()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateCreated])
	assert.Equal(t, 1, counts[StateActive])
}

func TestCleanupOldJobsKeepsRecentAndNonTerminal(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	store := NewStore(db)

	waiting := mustCreateJob(t, store, "t", EnqueueOptions{})
	mustCreateJob(t, store, "t", EnqueueOptions{})
	done := claimOne(t, store, "worker-1")
	require.NoError(t, store.Complete(done.ID, "worker-1", nil))

	// Nothing old enough yet.
	n, err := store.CleanupOldJobs(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// With a zero retention the completed job goes, the waiting one stays.
	n, err = store.CleanupOldJobs(-time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetJob(waiting.ID)
	assert.NoError(t, err)
}
