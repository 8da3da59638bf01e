package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_jobs/internal/app"
	"github.com/austindbirch/harbor_jobs/internal/worker"
)

// cycleCmd represents the cycle command
var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run exactly one worker cycle and exit",
	Long: `Detect timed-out jobs, claim a batch of eligible jobs and run each
through its handler, then print what happened. Suitable for cron-style
external triggering instead of, or alongside, the long-running worker.

Example:
  jobctl cycle --type batch_operation --limit 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.Options{NSQ: cfg.NSQ.PublishEvents}, func(ctx context.Context, a *app.App) error {
			opts := a.WorkerOptions()
			if cmd.Flags().Changed("type") {
				opts.Type, _ = cmd.Flags().GetString("type")
			}
			if cmd.Flags().Changed("limit") {
				opts.Limit, _ = cmd.Flags().GetInt("limit")
			}
			opts.Trigger = worker.TriggerManual

			s, err := a.Cycle.Run(ctx, opts)
			if err != nil {
				return fmt.Errorf("cycle failed: %w", err)
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), s)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "timed out: %d\n", s.TimedOut)
			fmt.Fprintf(w, "claimed:   %d\n", s.Claimed)
			fmt.Fprintf(w, "succeeded: %d  failed: %d  throttled: %d\n", s.Succeeded, s.Failed, s.Throttled)
			if s.Resolved > 0 || s.Interrupted > 0 {
				fmt.Fprintf(w, "resolved elsewhere: %d  interrupted: %d\n", s.Resolved, s.Interrupted)
			}
			for _, j := range s.Jobs {
				line := fmt.Sprintf("  %s %s %s (%s)", j.JobID, j.Type, j.Outcome, j.Duration)
				if j.Error != nil {
					line += fmt.Sprintf(" %s: %s", j.Error.Code, j.Error.Message)
				}
				fmt.Fprintln(w, line)
			}
			return nil
		})
	},
}

func init() {
	cycleCmd.Flags().String("type", "", "only claim jobs of this type (default WORKER_JOB_TYPE)")
	cycleCmd.Flags().Int("limit", 0, "claim at most this many jobs (default WORKER_CLAIM_LIMIT)")
	rootCmd.AddCommand(cycleCmd)
}
