package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stormlinehq/stormline/queue"
	"github.com/stormlinehq/stormline/schedule"
)

// DbCmd groups database subcommands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Stormline database",
	Long: `Database operations: migrations and statistics.

Examples:
  stormline db migrate     # Apply pending schema migrations
  stormline db stats       # Show job and table counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd, dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as part of opening
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("Database %s is up to date\n", cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := queue.NewQueue(database).GetStats()
	if err != nil {
		return err
	}

	recurring, err := schedule.NewStore(database).List()
	if err != nil {
		return err
	}

	var findings, observations, proposals int
	_ = database.QueryRow(`SELECT COUNT(*) FROM damage_findings`).Scan(&findings)
	_ = database.QueryRow(`SELECT COUNT(*) FROM weather_observations`).Scan(&observations)
	_ = database.QueryRow(`SELECT COUNT(*) FROM proposals`).Scan(&proposals)

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path:   %s\n\n", cfg.Database.Path)
	fmt.Printf("Jobs:            %d total\n", stats.Total)
	fmt.Printf("  created:       %d\n", stats.Created)
	fmt.Printf("  active:        %d\n", stats.Active)
	fmt.Printf("  retrying:      %d\n", stats.Retrying)
	fmt.Printf("  completed:     %d\n", stats.Completed)
	fmt.Printf("  failed:        %d\n", stats.Failed)
	fmt.Printf("  cancelled:     %d\n", stats.Cancelled)
	fmt.Printf("Recurring jobs:  %d\n", len(recurring))
	fmt.Printf("Findings:        %d\n", findings)
	fmt.Printf("Observations:    %d\n", observations)
	fmt.Printf("Proposals:       %d\n", proposals)
	return nil
}
