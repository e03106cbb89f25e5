package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/perivale/ledgersync/internal/engine"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage bulk update jobs",
	}

	cmd.AddCommand(newJobsCreateCmd())
	cmd.AddCommand(newJobsRunCmd())
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsShowCmd())
	cmd.AddCommand(newJobsCancelCmd())
	cmd.AddCommand(newJobsRetryCmd())

	return cmd
}

func newJobsCreateCmd() *cobra.Command {
	var (
		jobType string
		fields  string
		filter  string
		ids     []string
		idsFile string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bulk update job",
		Long: "Queues a bulk job over the given entity IDs. The --fields JSON object\n" +
			"is applied to every item.\n\n" +
			"Job types: item_price_update, customer_update",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entityIDs, err := collectIDs(ids, idsFile)
			if err != nil {
				return err
			}

			var updateFields json.RawMessage
			if fields != "" {
				var probe map[string]any
				if err := json.Unmarshal([]byte(fields), &probe); err != nil {
					return fmt.Errorf("--fields must be a JSON object: %w", err)
				}

				updateFields = json.RawMessage(fields)
			}

			items := make([]engine.NewJobItem, 0, len(entityIDs))
			for _, id := range entityIDs {
				items = append(items, engine.NewJobItem{EntityID: id})
			}

			a, err := newLocalApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.CreateBulkJob(cmd.Context(), engine.JobType(jobType), filter, updateFields, items)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(job)
			}

			statusf("Created job %s with %d items.\n", job.ID, job.TotalItems)

			return nil
		},
	}

	cmd.Flags().StringVar(&jobType, "type", "", "job type (required)")
	cmd.Flags().StringVar(&fields, "fields", "", "JSON object of fields to update")
	cmd.Flags().StringVar(&filter, "filter", "", "free-form description of how the IDs were selected")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "comma-separated entity IDs")
	cmd.Flags().StringVar(&idsFile, "ids-file", "", "file with one entity ID per line (- for stdin)")
	cmd.MarkFlagRequired("type")

	return cmd
}

// collectIDs merges --ids with the contents of --ids-file.
func collectIDs(ids []string, idsFile string) ([]string, error) {
	out := append([]string(nil), ids...)

	if idsFile != "" {
		f := os.Stdin

		if idsFile != "-" {
			file, err := os.Open(idsFile)
			if err != nil {
				return nil, fmt.Errorf("opening ids file: %w", err)
			}
			defer file.Close()

			f = file
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				out = append(out, line)
			}
		}

		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading ids file: %w", err)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no entity IDs given (use --ids or --ids-file)")
	}

	return out, nil
}

func newJobsRunCmd() *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Process one batch of a job (or drain it with --drain)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			for {
				result, err := a.proc.RunBatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				statusf("Batch: completed=%d failed=%d requeued=%d deferred=%d (job %s)\n",
					result.Completed, result.Failed, result.Requeued, result.Deferred, result.Job.Status)

				progressed := result.Completed+result.Failed+result.Requeued > 0

				if !drain || result.Job.Status != engine.JobProcessing || result.Deferred > 0 || !progressed {
					if flagJSON {
						return printJSON(result.Job)
					}

					printJobSummary(result.Job)

					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "keep running batches until the job settles or the gate pushes back")

	return cmd
}

func newJobsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bulk jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newLocalApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.store.ListBulkJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(jobs)
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.ID[:8],
					string(job.JobType),
					job.Status,
					fmt.Sprintf("%d/%d", job.ProcessedItems, job.TotalItems),
					strconv.Itoa(job.FailedItems),
					formatTime(job.CreatedAt),
				})
			}

			printTable(os.Stdout, []string{"JOB", "TYPE", "STATUS", "DONE", "FAILED", "CREATED"}, rows)

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to show")

	return cmd
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job and its item breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newLocalApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.GetBulkJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(job)
			}

			printJobSummary(job)

			return nil
		},
	}
}

func printJobSummary(job *engine.BulkJob) {
	fmt.Printf("Job:       %s\n", job.ID)
	fmt.Printf("Type:      %s\n", job.JobType)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Items:     %d total, %d processed, %d failed, %d skipped\n",
		job.TotalItems, job.ProcessedItems, job.FailedItems, job.SkippedItems)

	if job.FilterCriteria != "" {
		fmt.Printf("Filter:    %s\n", job.FilterCriteria)
	}

	if len(job.UpdateFields) > 0 {
		fmt.Printf("Fields:    %s\n", job.UpdateFields)
	}

	fmt.Printf("Created:   %s\n", formatTime(job.CreatedAt))

	if !job.StartedAt.IsZero() {
		fmt.Printf("Started:   %s\n", formatTime(job.StartedAt))
	}

	if !job.CompletedAt.IsZero() {
		fmt.Printf("Completed: %s\n", formatTime(job.CompletedAt))
	}
}

func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job, skipping its pending items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newLocalApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(job)
			}

			statusf("Cancelled job %s (%d items skipped).\n", job.ID, job.SkippedItems)

			return nil
		},
	}
}

func newJobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a job's failed items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newLocalApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(job)
			}

			statusf("Reopened job %s.\n", job.ID)

			return nil
		},
	}
}
