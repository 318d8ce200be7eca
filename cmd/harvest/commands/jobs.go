package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/pulse/async"
	"github.com/teranos/harvest/sym"
	"github.com/teranos/harvest/transfer"
)

// JobsCmd represents the jobs command - fetch job inspection
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect fetch jobs",
	Long: sym.Pulse + ` jobs — inspect fetch jobs recorded in the database.

Examples:
  harvest jobs ls                    # List recent jobs
  harvest jobs ls --status failed    # Only failed jobs
  harvest jobs status <job-id>       # Show one job
  harvest jobs partial               # Transfers waiting to resume
  harvest jobs cleanup --older-than 168h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists fetch jobs
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List fetch jobs",
	Long: `List fetch jobs, newest first, optionally filtered by status.

Status filters:
  pending   - Accepted, not yet started
  running   - Being processed (or interrupted by a crash)
  completed - Finished, target reached or candidates exhausted
  failed    - Stopped by an error or interrupted
  cancelled - Stopped on request`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(cmd.Context(), status, limit)
	},
}

// JobsStatusCmd shows one job
var JobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of a fetch job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runJobsStatus(cmd.Context(), args[0], asJSON)
	},
}

// JobsPartialCmd lists unfinished transfers
var JobsPartialCmd = &cobra.Command{
	Use:   "partial",
	Short: "List transfers with saved checkpoints",
	Long: `List transfers that stopped part-way. Fetching the same theme again
resumes them from their checkpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsPartial(cmd.Context())
	},
}

// JobsCleanupCmd removes old finished jobs
var JobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return runJobsCleanup(cmd.Context(), olderThan)
	},
}

func init() {
	JobsLsCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	JobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	JobsStatusCmd.Flags().Bool("json", false, "Print the job as JSON")
	JobsCleanupCmd.Flags().Duration("older-than", 7*24*time.Hour, "Minimum age of jobs to delete")

	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsStatusCmd)
	JobsCmd.AddCommand(JobsPartialCmd)
	JobsCmd.AddCommand(JobsCleanupCmd)
}

func openQueue() (*async.Queue, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return async.NewQueue(database), func() { database.Close() }, nil
}

func runJobsLs(ctx context.Context, statusFilter string, limit int) error {
	var status *async.JobStatus
	if statusFilter != "" {
		if !async.IsValidStatus(statusFilter) {
			return errors.NewInvalidRequestError("unknown status %q", statusFilter)
		}
		s := async.JobStatus(statusFilter)
		status = &s
	}

	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	jobs, err := queue.ListJobs(ctx, status, limit)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		fmt.Printf("%s No jobs found\n", sym.Pulse)
		return nil
	}

	fmt.Printf("%-36s %-10s %-20s %-12s %s\n", "JOB ID", "STATUS", "THEME", "SAVED", "CREATED")
	fmt.Printf("%-36s %-10s %-20s %-12s %s\n", "------", "------", "-----", "-----", "-------")
	for _, job := range jobs {
		fmt.Printf("%-36s %-10s %-20s %-12s %s\n",
			job.ID,
			job.Status,
			truncate(job.Theme, 20),
			fmt.Sprintf("%d/%d", job.Counters.Succeeded, job.Target),
			job.CreatedAt.Local().Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(ctx context.Context, jobID string, asJSON bool) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := queue.GetJob(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to get job")
	}

	if asJSON {
		data, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	c := job.Counters
	fmt.Printf("%s Job ID: %s\n", sym.Pulse, job.ID)
	fmt.Printf("  Theme:     %s\n", job.Theme)
	if job.Category != "" {
		fmt.Printf("  Category:  %s\n", job.Category)
	}
	fmt.Printf("  Sources:   %v\n", job.Sources)
	fmt.Printf("  Status:    %s\n", job.Status)
	if job.Error != "" {
		fmt.Printf("  Error:     %s\n", job.Error)
	}
	fmt.Printf("  Saved:     %d/%d (%s)\n", c.Succeeded, job.Target, formatBytes(c.Bytes))
	fmt.Printf("  Requested: %d  Duplicate: %d  Failed: %d  Deferred: %d\n", c.Requested, c.Duplicate, c.Failed, c.Deferred)
	if job.OutputDir != "" {
		fmt.Printf("  Output:    %s\n", async.ThemeDir(job.OutputDir, job.Theme))
	}
	fmt.Printf("  Created:   %s\n", job.CreatedAt.Local().Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started:   %s\n", job.StartedAt.Local().Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Finished:  %s\n", job.CompletedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func runJobsPartial(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := transfer.NewProgressStore(database).Pending(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list partial transfers")
	}
	if len(pending) == 0 {
		fmt.Printf("%s No partial transfers\n", sym.Transfer)
		return nil
	}

	fmt.Printf("%-22s %-12s %-16s %s\n", "PROGRESS", "UNIT", "UPDATED", "URL")
	for _, p := range pending {
		done := formatBytes(p.Offset)
		if p.TotalSize > 0 {
			done = fmt.Sprintf("%s/%s", done, formatBytes(p.TotalSize))
		}
		fmt.Printf("%-22s %-12s %-16s %s\n",
			done,
			truncate(p.UnitID, 12),
			p.UpdatedAt.Local().Format("2006-01-02 15:04"),
			p.URL)
	}
	return nil
}

func runJobsCleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return errors.NewInvalidRequestError("--older-than must be positive")
	}
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := queue.Cleanup(ctx, olderThan)
	if err != nil {
		return errors.Wrap(err, "failed to clean up jobs")
	}
	fmt.Printf("%s Deleted %d finished job(s) older than %s\n", sym.Pulse, n, olderThan)
	return nil
}
