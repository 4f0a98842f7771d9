package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stormlinehq/stormline/logger"
)

// WorkerCmd runs the background worker daemon without the HTTP API
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker daemon",
	Long: `Run the worker daemon: claims and executes queued jobs, sweeps
expired leases, and fires recurring jobs.

Multiple worker processes may share one database; the lease protocol
guarantees each job runs on at most one of them at a time.

Examples:
  stormline worker                       # Run with configured worker count
  STORMLINE_QUEUE_WORKERS=8 stormline worker`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, scheduler, err := buildDaemon(ctx, database, cfg)
	if err != nil {
		return err
	}

	pool.Start()
	scheduler.Start()

	logger.Infow("Worker daemon running", "workers", pool.Workers(), "db", cfg.Database.Path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Infow("Shutting down", "signal", sig.String())

	// Scheduler first so no new jobs are enqueued while the pool drains.
	scheduler.Stop()
	pool.Stop()

	return nil
}
