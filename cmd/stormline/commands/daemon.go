package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/stormlinehq/stormline/config"
	"github.com/stormlinehq/stormline/damage"
	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/logger"
	"github.com/stormlinehq/stormline/proposal"
	"github.com/stormlinehq/stormline/queue"
	"github.com/stormlinehq/stormline/schedule"
	"github.com/stormlinehq/stormline/weather"
)

// buildDaemon wires the worker pool, handlers and scheduler for a worker
// process. Handlers are registered before the pool starts.
func buildDaemon(ctx context.Context, database *sql.DB, cfg *config.Config) (*queue.WorkerPool, *schedule.Scheduler, error) {
	pool := queue.NewWorkerPoolWithContext(ctx, database, poolConfig(cfg), logger.Logger)

	findings := damage.NewFindingStore(database)
	visionClient := damage.NewHTTPClient(damage.HTTPClientConfig{
		BaseURL:           cfg.Vision.BaseURL,
		APIKey:            cfg.Vision.APIKey,
		Timeout:           time.Duration(cfg.Vision.TimeoutSeconds) * time.Second,
		MaxCallsPerMinute: cfg.Vision.MaxCallsPerMinute,
	})
	weatherClient := weather.NewHTTPClient(cfg.Weather.BaseURL, cfg.Weather.APIKey)
	observations := weather.NewObservationStore(database)

	pool.Registry().Register(damage.NewAnalyzeHandler(visionClient, findings))
	pool.Registry().Register(weather.NewIngestHandler(weatherClient, observations))
	pool.Registry().Register(proposal.NewGenerateHandler(proposal.NewStore(database), findings))

	recurring := schedule.NewStore(database)
	if err := registerRecurringIngest(recurring, cfg); err != nil {
		return nil, nil, err
	}

	scheduler := schedule.NewSchedulerWithContext(ctx, recurring, pool.Queue(),
		schedule.DefaultSchedulerConfig(), logger.Logger)

	return pool, scheduler, nil
}

// registerRecurringIngest upserts one recurring weather-ingest template
// per configured region. Upsert preserves schedule position, so restarts
// do not trigger immediate runs.
func registerRecurringIngest(recurring *schedule.Store, cfg *config.Config) error {
	interval := time.Duration(cfg.Weather.IngestIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	for _, region := range cfg.Weather.Regions {
		err := recurring.Upsert(
			weather.RecurringName(region),
			weather.JobType,
			weather.RecurringPayload(region),
			interval,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to register recurring ingest for region %s", region)
		}
	}

	return nil
}
