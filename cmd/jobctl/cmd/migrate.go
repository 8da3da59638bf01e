package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_jobs/internal/app"
	"github.com/austindbirch/harbor_jobs/internal/db"
)

var errNoDatabase = errors.New("this command needs the Postgres store")

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply every embedded migration that has not run yet, then print the
schema version. With --status only the version is printed.

Example:
  jobctl migrate
  jobctl migrate --status`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusOnly, _ := cmd.Flags().GetBool("status")
		return withApp(cmd, app.Options{Migrate: !statusOnly}, func(ctx context.Context, a *app.App) error {
			if a.Pool == nil {
				return errNoDatabase
			}
			v, err := db.MigrationVersion(ctx, a.Pool)
			if err != nil {
				return fmt.Errorf("read migration version: %w", err)
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]int64{"version": v})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		})
	},
}

func init() {
	migrateCmd.Flags().Bool("status", false, "print the current version without migrating")
	rootCmd.AddCommand(migrateCmd)
}
