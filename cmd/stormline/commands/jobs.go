package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stormlinehq/stormline/queue"
)

// JobsCmd groups job management subcommands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage queued jobs",
	Long: `Inspect and manage jobs in the queue.

Examples:
  stormline jobs enqueue damage-analyze --payload '{"claim_id":"c-1","photo_urls":["https://..."]}'
  stormline jobs ls --state retrying
  stormline jobs status 6e1f...
  stormline jobs cancel 6e1f...`,
}

var (
	enqueuePayloadFlag   string
	enqueuePriorityFlag  int
	enqueueDedupeFlag    string
	enqueueAttemptsFlag  int
	enqueueDelayFlag     time.Duration
	listStateFlag        string
	listLimitFlag        int
)

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type>",
	Short: "Enqueue a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsEnqueue,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state, attempts and result",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a waiting job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

func init() {
	jobsEnqueueCmd.Flags().StringVar(&enqueuePayloadFlag, "payload", "", "JSON payload for the job")
	jobsEnqueueCmd.Flags().IntVar(&enqueuePriorityFlag, "priority", 0, "Priority (lower runs first)")
	jobsEnqueueCmd.Flags().StringVar(&enqueueDedupeFlag, "dedupe-key", "", "Idempotency key")
	jobsEnqueueCmd.Flags().IntVar(&enqueueAttemptsFlag, "max-attempts", 0, "Attempt budget (0 = default)")
	jobsEnqueueCmd.Flags().DurationVar(&enqueueDelayFlag, "delay", 0, "Delay before the job becomes claimable")

	jobsLsCmd.Flags().StringVar(&listStateFlag, "state", "", "Filter by state (created|active|completed|retrying|failed|cancelled)")
	jobsLsCmd.Flags().IntVar(&listLimitFlag, "limit", 20, "Maximum jobs to show")

	JobsCmd.AddCommand(jobsEnqueueCmd, jobsStatusCmd, jobsCancelCmd, jobsLsCmd)
}

func runJobsEnqueue(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	var payload json.RawMessage
	if enqueuePayloadFlag != "" {
		if !json.Valid([]byte(enqueuePayloadFlag)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		payload = json.RawMessage(enqueuePayloadFlag)
	}

	opts := queue.EnqueueOptions{
		Priority:    enqueuePriorityFlag,
		DedupeKey:   enqueueDedupeFlag,
		MaxAttempts: enqueueAttemptsFlag,
	}
	if enqueueDelayFlag > 0 {
		opts.ScheduledFor = time.Now().UTC().Add(enqueueDelayFlag)
	}

	q := queue.NewQueue(database)
	q.SetDefaultMaxAttempts(cfg.Queue.MaxAttempts)

	job, err := q.Enqueue(args[0], payload, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Enqueued %s\n", job.ID)
	fmt.Printf("  type:          %s\n", job.Type)
	fmt.Printf("  state:         %s\n", job.State)
	fmt.Printf("  scheduled_for: %s\n", job.ScheduledFor.Format(time.RFC3339))
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := queue.NewQueue(database).GetJob(args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := queue.NewQueue(database).Cancel(args[0]); err != nil {
		return err
	}

	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	database, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	var state *queue.State
	if listStateFlag != "" {
		if !queue.IsValidState(listStateFlag) {
			return fmt.Errorf("invalid state: %s", listStateFlag)
		}
		st := queue.State(listStateFlag)
		state = &st
	}

	jobs, err := queue.NewQueue(database).ListJobs(state, listLimitFlag)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATE\tATTEMPTS\tSCHEDULED\tLAST ERROR")
	for _, job := range jobs {
		lastErr := job.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID[:8], job.Type, job.State,
			job.Attempts, job.MaxAttempts,
			job.ScheduledFor.Format("2006-01-02 15:04:05"),
			lastErr)
	}
	return w.Flush()
}
