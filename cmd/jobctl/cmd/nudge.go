package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_jobs/internal/app"
	"github.com/austindbirch/harbor_jobs/internal/trigger"
)

// nudgeCmd represents the nudge command
var nudgeCmd = &cobra.Command{
	Use:   "nudge",
	Short: "Ask running workers to start a cycle now",
	Long: `Publish one message to the NSQ cycle topic. Every worker subscribed
with WORKER_NSQ_TRIGGER=true runs a cycle as soon as it is idle.

Example:
  jobctl nudge --reason "backfill loaded"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withApp(cmd, app.Options{InMemory: true, NSQ: true}, func(ctx context.Context, a *app.App) error {
			if a.Producer == nil {
				return errors.New("no NSQ producer configured")
			}
			n := trigger.NewNotifier(a.Producer, cfg.NSQ.CycleTopic).WithReason(reason)
			if err := n.Nudge(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "nudged %s\n", cfg.NSQ.CycleTopic)
			return nil
		})
	},
}

func init() {
	nudgeCmd.Flags().String("reason", "manual", "reason stamped on the nudge")
	rootCmd.AddCommand(nudgeCmd)
}
