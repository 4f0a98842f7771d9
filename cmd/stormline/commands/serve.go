package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stormlinehq/stormline/logger"
	"github.com/stormlinehq/stormline/server"
)

// ServeCmd runs the HTTP API together with the worker daemon
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server with an embedded worker daemon",
	Long: `Run the full Stormline process: HTTP API, websocket job feed,
Prometheus metrics, worker pool and recurring-job scheduler in one binary.

For separate scaling, run 'stormline serve' for the API and additional
'stormline worker' processes against the same database.

Examples:
  stormline serve                       # API on the configured port
  STORMLINE_SERVER_PORT=9000 stormline serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	srv := server.New(database, pool, cfg.Server, logger.Logger)

	pool.Start()
	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infow("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Errorw("HTTP server failed", "error", err)
		}
	}

	// Scheduler first (no new jobs), then drain workers, then close the
	// API so in-flight status queries still answer during the drain.
	scheduler.Stop()
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP server shutdown error", "error", err)
	}

	return nil
}
