package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/queue"
)

// Scheduler periodically sweeps recurring jobs and enqueues queue jobs for
// the ones that are due.
//
// Each fired run carries a dedupe key derived from the template name and
// the scheduled run time, so two scheduler processes sweeping the same
// database enqueue one job per slot, not two.
type Scheduler struct {
	store  *Store
	queue  *queue.Queue
	config SchedulerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// SchedulerConfig contains configuration for the scheduler
type SchedulerConfig struct {
	Interval time.Duration // How often to sweep for due recurring jobs
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 1 * time.Second,
	}
}

// NewScheduler creates a scheduler
func NewScheduler(store *Store, q *queue.Queue, cfg SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithContext(context.Background(), store, q, cfg, logger)
}

// NewSchedulerWithContext creates a scheduler whose loop stops when ctx is
// cancelled
func NewSchedulerWithContext(ctx context.Context, store *Store, q *queue.Queue, cfg SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}

	schedCtx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		store:  store,
		queue:  q,
		config: cfg,
		ctx:    schedCtx,
		cancel: cancel,
		logger: logger.Named("schedule"),
	}
}

// Start begins the sweep loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Scheduler started", "interval", s.config.Interval)
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tickTime := <-ticker.C:
			s.mu.Lock()
			s.lastTickAt = tickTime
			s.ticksSinceStart++
			s.mu.Unlock()

			if err := s.Sweep(tickTime); err != nil {
				s.logger.Warnw("Scheduler sweep error", "error", err)
			}
		}
	}
}

// Sweep fires all recurring jobs due at now. Exported so tests and the CLI
// can drive the scheduler with a controlled clock.
func (s *Scheduler) Sweep(now time.Time) error {
	due, err := s.store.ListDue(now)
	if err != nil {
		return errors.Wrap(err, "failed to list due recurring jobs")
	}

	for _, rec := range due {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		if err := s.fire(rec, now); err != nil {
			s.logger.Errorw("Failed to fire recurring job",
				"name", rec.Name,
				"job_type", rec.JobType,
				"error", err)
			// Continue with other jobs even if one fails
			continue
		}
	}

	return nil
}

// fire enqueues one run of a recurring job and re-arms its schedule.
func (s *Scheduler) fire(rec *RecurringJob, now time.Time) error {
	// The slot time identifies this run. If the sweep crashes between
	// enqueue and re-arm, the next sweep retries the same slot, hits the
	// same dedupe key and gets the already-enqueued job back.
	slot := rec.NextRunAt.UTC()

	job, err := s.queue.Enqueue(rec.JobType, rec.Payload, queue.EnqueueOptions{
		DedupeKey: rec.Name + ":" + slot.Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue run of recurring job %s", rec.Name)
	}

	// Re-arm from the slot time, catching up if sweeps fell behind.
	next := slot.Add(rec.Interval())
	for !next.After(now) {
		next = next.Add(rec.Interval())
	}

	if err := s.store.MarkRun(rec.Name, now, job.ID, next); err != nil {
		return errors.Wrapf(err, "failed to re-arm recurring job %s", rec.Name)
	}

	s.logger.Infow("Recurring job fired",
		"name", rec.Name,
		"job_type", rec.JobType,
		"job_id", job.ID,
		"next_run_at", next)

	return nil
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticksSinceStart,
		"interval":          s.config.Interval,
	}
}
