package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_jobs/internal/app"
	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/store"
)

// jobCmd represents the job command
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and manage jobs",
	Long:  `Get and list jobs, page through batch items, and cancel or retry jobs.`,
}

const timeFmt = "2006-01-02 15:04:05"

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeFmt)
}

func printJob(w io.Writer, j *jobs.Job) {
	fmt.Fprintf(w, "Job %s\n", j.ID)
	fmt.Fprintf(w, "  Type:      %s\n", j.Type)
	if t := j.Tenant(); t != "" {
		fmt.Fprintf(w, "  Tenant:    %s\n", t)
	}
	fmt.Fprintf(w, "  Status:    %s\n", j.Status)
	fmt.Fprintf(w, "  Progress:  %d%%\n", j.Progress)
	fmt.Fprintf(w, "  Attempts:  %d/%d\n", j.Attempts, j.MaxAttempts)
	fmt.Fprintf(w, "  Timeout:   %ds\n", j.TimeoutSeconds)
	fmt.Fprintf(w, "  Created:   %s\n", j.CreatedAt.UTC().Format(timeFmt))
	fmt.Fprintf(w, "  Started:   %s\n", fmtTime(j.StartedAt))
	fmt.Fprintf(w, "  Completed: %s\n", fmtTime(j.CompletedAt))
	if j.NextRunAt != nil {
		fmt.Fprintf(w, "  Next run:  %s\n", fmtTime(j.NextRunAt))
	}
	if j.Error != nil {
		fmt.Fprintf(w, "  Error:     %s: %s\n", j.Error.Code, j.Error.Message)
	}
	if len(j.Output) > 0 {
		fmt.Fprintf(w, "  Output:    %s\n", compact(j.Output))
	}
}

func compact(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// resolveJob loads id, scoped to --tenant when given.
func resolveJob(ctx context.Context, cmd *cobra.Command, a *app.App, id string) (*jobs.Job, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	var (
		j   *jobs.Job
		err error
	)
	if tenant != "" {
		j, err = a.Store.GetForTenant(ctx, id, tenant)
	} else {
		j, err = a.Store.Get(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return j, err
}

var jobGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
			j, err := resolveJob(ctx, cmd, a, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), j)
			}
			printJob(cmd.OutOrStdout(), j)
			return nil
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Long: `List jobs, newest first. Pass the printed next cursor to --cursor for
the following page.

Example:
  jobctl job list --tenant t_123 --status failed --limit 50`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := jobs.JobFilter{}
		f.TenantID, _ = cmd.Flags().GetString("tenant")
		f.Type, _ = cmd.Flags().GetString("type")
		status, _ := cmd.Flags().GetString("status")
		f.Status = jobs.Status(status)
		f.Cursor, _ = cmd.Flags().GetString("cursor")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if f.Status != "" && !f.Status.Valid() {
			return fmt.Errorf("unknown job status %q", status)
		}

		return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
			page, err := a.Store.ListJobs(ctx, f)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), page)
			}
			w := cmd.OutOrStdout()
			if len(page.Rows) == 0 {
				fmt.Fprintln(w, "No jobs found")
				return nil
			}
			for _, j := range page.Rows {
				fmt.Fprintf(w, "%s  %-16s %-10s %3d%%  %s\n", j.ID, j.Type, j.Status, j.Progress, j.CreatedAt.UTC().Format(timeFmt))
			}
			if page.NextCursor != "" {
				fmt.Fprintf(w, "next cursor: %s\n", page.NextCursor)
			}
			return nil
		})
	},
}

var jobItemsCmd = &cobra.Command{
	Use:   "items [job-id]",
	Short: "List a batch job's items in position order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		countsOnly, _ := cmd.Flags().GetBool("counts")
		f := jobs.ItemFilter{}
		status, _ := cmd.Flags().GetString("status")
		f.Status = jobs.ItemStatus(status)
		f.Cursor, _ = cmd.Flags().GetString("cursor")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if f.Status != "" && !f.Status.Valid() {
			return fmt.Errorf("unknown item status %q", status)
		}

		return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
			j, err := resolveJob(ctx, cmd, a, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if countsOnly {
				counts, err := a.Store.CountItemsByStatus(ctx, j.ID)
				if err != nil {
					return fmt.Errorf("count items: %w", err)
				}
				if outputJSON {
					return printJSON(w, counts)
				}
				statuses := make([]string, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, string(s))
				}
				sort.Strings(statuses)
				for _, s := range statuses {
					fmt.Fprintf(w, "%-10s %d\n", s, counts[jobs.ItemStatus(s)])
				}
				fmt.Fprintf(w, "%-10s %d\n", "total", counts.Total())
				return nil
			}

			f.JobID = j.ID
			page, err := a.Store.ListItems(ctx, f)
			if err != nil {
				return fmt.Errorf("list items: %w", err)
			}
			if outputJSON {
				return printJSON(w, page)
			}
			if len(page.Rows) == 0 {
				fmt.Fprintln(w, "No items found")
				return nil
			}
			for _, it := range page.Rows {
				line := fmt.Sprintf("%5d  %s  %-9s attempts=%d", it.Position, it.ID, it.Status, it.Attempts)
				if it.Error != nil {
					line += fmt.Sprintf("  %s: %s", it.Error.Code, it.Error.Message)
				}
				fmt.Fprintln(w, line)
			}
			if page.NextCursor != "" {
				fmt.Fprintf(w, "next cursor: %s\n", page.NextCursor)
			}
			return nil
		})
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a queued or running job",
	Long: `Cancel a queued or running job. A running batch stops at its next chunk
boundary and skips the items it has not started.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
			j, err := resolveJob(ctx, cmd, a, args[0])
			if err != nil {
				return err
			}
			out, err := a.Queue.CancelJob(ctx, j.ID)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", out.ID)
			return nil
		})
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Re-queue a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
			j, err := resolveJob(ctx, cmd, a, args[0])
			if err != nil {
				return err
			}
			out, err := a.Queue.RetryJob(ctx, j.ID)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s re-queued\n", out.ID)
			return nil
		})
	},
}

func init() {
	jobCmd.PersistentFlags().String("tenant", "", "only resolve jobs owned by this tenant")

	jobListCmd.Flags().String("type", "", "filter by job type")
	jobListCmd.Flags().String("status", "", "filter by status (queued, running, completed, failed, cancelled)")
	jobListCmd.Flags().String("cursor", "", "id of the last job of the previous page")
	jobListCmd.Flags().Int("limit", jobs.DefaultPageSize, "page size (1-100)")

	jobItemsCmd.Flags().String("status", "", "filter by item status (pending, running, completed, failed, skipped)")
	jobItemsCmd.Flags().String("cursor", "", "id of the last item of the previous page")
	jobItemsCmd.Flags().Int("limit", jobs.DefaultPageSize, "page size (1-100)")
	jobItemsCmd.Flags().Bool("counts", false, "print item counts per status instead of items")

	jobCmd.AddCommand(jobGetCmd, jobListCmd, jobItemsCmd, jobCancelCmd, jobRetryCmd)
	rootCmd.AddCommand(jobCmd)
}
