package commands

import (
	"database/sql"
	"time"

	"github.com/stormlinehq/stormline/config"
	"github.com/stormlinehq/stormline/db"
	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/logger"
	"github.com/stormlinehq/stormline/queue"
)

// openDatabase loads config, opens the database and applies migrations.
// The caller owns the returned handle.
func openDatabase() (*sql.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, nil, errors.Wrap(err, "failed to migrate database")
	}

	return database, cfg, nil
}

// poolConfig translates queue config into worker pool settings
func poolConfig(cfg *config.Config) queue.WorkerPoolConfig {
	return queue.WorkerPoolConfig{
		Workers:        cfg.Queue.Workers,
		PollInterval:   time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		LeaseDuration:  time.Duration(cfg.Queue.LeaseSeconds) * time.Second,
		ReaperInterval: time.Duration(cfg.Queue.ReaperIntervalSeconds) * time.Second,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		Backoff: queue.BackoffPolicy{
			Base: time.Duration(cfg.Queue.BackoffBaseMillis) * time.Millisecond,
			Max:  time.Duration(cfg.Queue.BackoffMaxSeconds) * time.Second,
		},
		StopTimeout: 30 * time.Second,
	}
}
