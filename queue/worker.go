package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/metrics"
)

// claimBatchSize is how many jobs a worker claims per poll. One at a time
// keeps lease durations honest: a claimed job starts executing immediately.
const claimBatchSize = 1

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers        int           `json:"workers"`         // Number of concurrent workers
	PollInterval   time.Duration `json:"poll_interval"`   // How often each worker checks for claimable jobs
	LeaseDuration  time.Duration `json:"lease_duration"`  // How long a claim holds before the reaper may reclaim
	ReaperInterval time.Duration `json:"reaper_interval"` // How often expired leases are swept
	MaxAttempts    int           `json:"max_attempts"`    // Attempt budget for jobs enqueued without one
	Backoff        BackoffPolicy `json:"backoff"`         // Retry delay policy
	StopTimeout    time.Duration `json:"stop_timeout"`    // How long Stop waits for in-flight jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:        4,
		PollInterval:   5 * time.Second,
		LeaseDuration:  60 * time.Second,
		ReaperInterval: 30 * time.Second,
		MaxAttempts:    DefaultMaxAttempts,
		Backoff:        DefaultBackoffPolicy(),
		StopTimeout:    30 * time.Second,
	}
}

// WorkerPool manages a pool of workers that claim and execute jobs.
//
// Multiple pools (in the same or different processes) can safely share one
// database; the store's conditional UPDATEs arbitrate every claim.
type WorkerPool struct {
	queue      *Queue
	store      *Store
	registry   *Registry
	poolConfig WorkerPoolConfig
	workerID   string // Stable prefix identifying this pool in lease ownership

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	activeWorkers int // Workers currently executing jobs
	startTime     time.Time
	logger        *zap.SugaredLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool with an empty handler registry.
// IMPORTANT: Callers must register handlers before calling Start().
func NewWorkerPool(db *sql.DB, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithContext(context.Background(), db, poolCfg, logger)
}

// NewWorkerPoolWithContext creates a worker pool whose workers stop when
// ctx is cancelled. Useful for tests and shutdown coordination: the server
// cancels the root context and workers drain cleanly.
func NewWorkerPoolWithContext(ctx context.Context, db *sql.DB, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	if poolCfg.Workers <= 0 {
		poolCfg.Workers = DefaultWorkerPoolConfig().Workers
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if poolCfg.LeaseDuration <= 0 {
		poolCfg.LeaseDuration = DefaultWorkerPoolConfig().LeaseDuration
	}
	// A zero reaper interval would silently disable crash recovery, so it
	// is defaulted like every other knob.
	if poolCfg.ReaperInterval <= 0 {
		poolCfg.ReaperInterval = DefaultWorkerPoolConfig().ReaperInterval
	}
	if poolCfg.MaxAttempts <= 0 {
		poolCfg.MaxAttempts = DefaultMaxAttempts
	}
	if poolCfg.StopTimeout <= 0 {
		poolCfg.StopTimeout = DefaultWorkerPoolConfig().StopTimeout
	}
	if poolCfg.Backoff.Base <= 0 {
		poolCfg.Backoff = DefaultBackoffPolicy()
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	q := NewQueue(db)
	q.SetDefaultMaxAttempts(poolCfg.MaxAttempts)

	return &WorkerPool{
		queue:      q,
		store:      NewStore(db),
		registry:   NewRegistry(),
		poolConfig: poolCfg,
		workerID:   fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     logger.Named("worker"),
	}
}

// Start begins claiming and executing jobs.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()

	// A pool stopped and restarted needs a fresh context; this must happen
	// before spawning workers to avoid races.
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Debugw("Recreated worker context after previous shutdown")
	default:
	}

	wp.startTime = time.Now()
	wp.mu.Unlock()

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.poolConfig.Workers)
	}

	wp.logger.Infow("Worker pool starting",
		"workers", wp.poolConfig.Workers,
		"poll_interval", wp.poolConfig.PollInterval,
		"lease", wp.poolConfig.LeaseDuration,
		"worker_id", wp.workerID)

	for i := 0; i < wp.poolConfig.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.wg.Add(1)
	go wp.reaper()
}

// Stop gracefully stops the worker pool. In-flight handlers see context
// cancellation and are expected to exit; a handler that overruns
// StopTimeout is abandoned, its lease expires and the reaper requeues
// the job.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped, all workers exited cleanly")
	case <-time.After(wp.poolConfig.StopTimeout):
		wp.logger.Warnw("Worker pool stop timeout, abandoning in-flight jobs to the reaper",
			"timeout", wp.poolConfig.StopTimeout)
	}
}

// Queue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Registry returns the handler registry for registering job handlers.
// Use this before calling Start():
//
//	pool := queue.NewWorkerPool(db, poolCfg, logger)
//	pool.Registry().Register(damage.NewAnalyzeHandler(store, client))
//	pool.Start()
func (wp *WorkerPool) Registry() *Registry {
	return wp.registry
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.poolConfig.Workers
}

// WorkerID returns the lease ownership prefix for this pool
func (wp *WorkerPool) WorkerID() string {
	return wp.workerID
}

// worker is the poll loop for a single worker goroutine
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	workerID := fmt.Sprintf("%s-w%d", wp.workerID, id)

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(workerID); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed during shutdown
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", workerID,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", workerID,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					time.Sleep(backoffDuration)
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
			} else {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						"worker_id", workerID,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}
		}
	}
}

// reaper periodically returns jobs with expired leases to the queue
func (wp *WorkerPool) reaper() {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			n, err := wp.store.RequeueExpired(time.Now())
			if err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				wp.logger.Errorw("Reaper sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.JobsReaped.Add(float64(n))
				wp.logger.Warnw("Reaper requeued jobs with expired leases", "count", n)
			}

			if depth, err := wp.queue.Depth(); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}

// processNextJob claims the next eligible job and executes it.
// Returns nil when no job is available.
func (wp *WorkerPool) processNextJob(workerID string) error {
	select {
	case <-wp.ctx.Done():
		return nil
	default:
	}

	jobs, err := wp.store.ClaimNext(workerID, claimBatchSize, wp.poolConfig.LeaseDuration)
	if err != nil {
		return errors.Wrap(err, "failed to claim job")
	}
	if len(jobs) == 0 {
		return nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	for _, job := range jobs {
		wp.execute(workerID, job)
	}

	return nil
}

// execute runs a claimed job through its handler and resolves the outcome.
// All store mutations here are lease-checked; if the lease was lost to the
// reaper mid-flight, the outcome is logged and discarded.
func (wp *WorkerPool) execute(workerID string, job *Job) {
	log := wp.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts)
	wp.queue.Notify(job)

	handler := wp.registry.Get(job.Type)
	if handler == nil {
		log.Errorw("No handler registered for job type")
		wp.resolveFailure(workerID, job, log,
			Permanentf("no handler registered for job type: %s", job.Type))
		return
	}

	jc := &JobContext{
		Job:      job,
		Logger:   log,
		store:    wp.store,
		workerID: workerID,
		lease:    wp.poolConfig.LeaseDuration,
	}

	start := time.Now()
	result, err := wp.runHandler(handler, jc)
	metrics.HandlerDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		// A handler interrupted by shutdown is not a failure; leave the
		// job active and let the lease expire so the reaper requeues it
		// with its attempt intact.
		select {
		case <-wp.ctx.Done():
			log.Infow("Job interrupted by shutdown, abandoning lease to the reaper")
			return
		default:
		}
		wp.resolveFailure(workerID, job, log, err)
		return
	}

	if err := wp.store.Complete(job.ID, workerID, result); err != nil {
		if errors.Is(err, errors.ErrLeaseLost) {
			log.Warnw("Lease lost before completion, discarding result")
			return
		}
		log.Errorw("Failed to mark job completed", "error", err)
		return
	}

	metrics.JobsCompleted.WithLabelValues(job.Type).Inc()
	log.Infow("Job completed", "duration", time.Since(start))

	job.State = StateCompleted
	job.Result = result
	wp.queue.Notify(job)
}

// runHandler executes a handler, converting panics into permanent errors
// so one bad payload cannot take down the worker.
func (wp *WorkerPool) runHandler(handler Handler, jc *JobContext) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(errors.Newf("handler panicked: %v", r))
		}
	}()

	return handler.Execute(wp.ctx, jc)
}

// resolveFailure applies the retry policy to a failed attempt.
func (wp *WorkerPool) resolveFailure(workerID string, job *Job, log *zap.SugaredLogger, jobErr error) {
	if IsPermanent(jobErr) {
		if err := wp.store.FailPermanent(job.ID, workerID, jobErr.Error()); err != nil {
			if errors.Is(err, errors.ErrLeaseLost) {
				log.Warnw("Lease lost before failure could be recorded", "job_error", jobErr)
				return
			}
			log.Errorw("Failed to mark job failed", "error", err, "job_error", jobErr)
			return
		}
		metrics.JobsFailed.WithLabelValues(job.Type).Inc()
		log.Errorw("Job failed permanently", "error", jobErr)

		job.State = StateFailed
		job.LastError = jobErr.Error()
		wp.queue.Notify(job)
		return
	}

	retryAt := wp.poolConfig.Backoff.NextRetryAt(time.Now(), job.Attempts)
	state, err := wp.store.Fail(job.ID, workerID, jobErr.Error(), retryAt)
	if err != nil {
		if errors.Is(err, errors.ErrLeaseLost) {
			log.Warnw("Lease lost before failure could be recorded", "job_error", jobErr)
			return
		}
		log.Errorw("Failed to record job failure", "error", err, "job_error", jobErr)
		return
	}

	switch state {
	case StateRetrying:
		metrics.JobsRetried.WithLabelValues(job.Type).Inc()
		log.Warnw("Job attempt failed, retry scheduled",
			"error", jobErr,
			"retry_at", retryAt,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts)
	case StateFailed:
		metrics.JobsFailed.WithLabelValues(job.Type).Inc()
		log.Errorw("Job failed, attempt budget exhausted",
			"error", jobErr,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts)
	}

	job.State = state
	job.LastError = jobErr.Error()
	wp.queue.Notify(job)
}

// NewJobContext builds a JobContext outside the worker runtime. Exported
// for handler tests and custom runners; workerID must match the lease
// holder recorded on the job for Heartbeat to succeed.
func NewJobContext(job *Job, logger *zap.SugaredLogger, store *Store, workerID string, lease time.Duration) *JobContext {
	return &JobContext{
		Job:      job,
		Logger:   logger,
		store:    store,
		workerID: workerID,
		lease:    lease,
	}
}

// JobContext is what a handler sees while executing a claimed job.
type JobContext struct {
	Job    *Job
	Logger *zap.SugaredLogger

	store    *Store
	workerID string
	lease    time.Duration
}

// Heartbeat extends the job's lease by the pool's lease duration. Handlers
// doing long multi-step work should call this between steps.
//
// Returns ErrLeaseLost if the lease was reclaimed; the handler should stop
// work and return the error, since its outcome will be discarded anyway.
func (jc *JobContext) Heartbeat() error {
	return jc.store.Heartbeat(jc.Job.ID, jc.workerID, jc.lease)
}

// Cancelled reports whether the job's outcome is no longer wanted: the
// lease was reclaimed by the reaper or the job was resolved by someone
// else. Long-running handlers should poll this between steps and abandon
// work when it returns true. Best effort; a query failure reads as still
// wanted, and the lease-checked mutations remain the source of truth.
func (jc *JobContext) Cancelled() bool {
	held, err := jc.store.HoldsLease(jc.Job.ID, jc.workerID)
	if err != nil {
		return false
	}
	return !held
}
