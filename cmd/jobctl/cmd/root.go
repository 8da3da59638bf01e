package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_jobs/internal/app"
	"github.com/austindbirch/harbor_jobs/internal/config"
	"github.com/austindbirch/harbor_jobs/internal/logging"
)

var (
	cfgFile    string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool

	cfg config.Config
)

// newApp is replaced in tests.
var newApp = func(ctx context.Context, c config.Config, opts app.Options) (*app.App, error) {
	return app.New(ctx, c, logging.New("jobctl"), opts)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Harbor Jobs CLI - operate the job queue directly",
	Long: `jobctl talks straight to the job database, using the same configuration
as the worker and the API (environment, .env, or --config).

Use it to apply migrations, run a single worker cycle from cron, inspect
jobs and their items, cancel or retry jobs, and nudge running workers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initFlags)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file with worker/API settings (any format viper reads)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")

	_ = viper.BindPFlag("jobctl_timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("jobctl_json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("jobctl_pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

// initFlags lets JOBCTL_JSON, JOBCTL_PRETTY and JOBCTL_TIMEOUT stand in for
// flags that were not given.
func initFlags() {
	viper.AutomaticEnv()
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("jobctl_timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("jobctl_json")
	}
	if !rootCmd.PersistentFlags().Changed("pretty") {
		prettyJSON = viper.GetBool("jobctl_pretty")
	}
}

// withApp opens the app for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts app.Options, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}
	return out.String(), nil
}

// printJSON writes v as indented JSON, through jq when --pretty is set.
func printJSON(w io.Writer, v any) error {
	if prettyJSON {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		formatted, jqErr := formatWithJQ(b)
		if jqErr == nil {
			_, err = fmt.Fprint(w, formatted)
			return err
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
