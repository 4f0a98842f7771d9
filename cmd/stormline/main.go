package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stormlinehq/stormline/cmd/stormline/commands"
	"github.com/stormlinehq/stormline/logger"
)

var rootCmd = &cobra.Command{
	Use:   "stormline",
	Short: "Stormline - durable background job pipeline",
	Long: `Stormline - durable background job queue and worker pipeline.

Producers enqueue jobs (damage analysis, weather ingest, proposal
generation); worker processes claim them under short leases and execute
them with retries. SQLite is the single source of truth, so any number
of worker processes can share one database.

Available commands:
  worker  - Run the background worker daemon
  serve   - Run the HTTP API with an embedded daemon
  jobs    - Enqueue, inspect and cancel jobs
  db      - Migrations and database statistics
  version - Show build information

Examples:
  stormline serve                        # API + workers in one process
  stormline worker                       # Extra worker capacity
  stormline jobs ls --state failed       # Inspect failures`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(
		commands.WorkerCmd,
		commands.ServeCmd,
		commands.JobsCmd,
		commands.DbCmd,
		commands.VersionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
