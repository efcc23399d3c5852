package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/fleet/cmd/fleet/commands"
	"github.com/teranos/fleet/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "fleet - job orchestration for a fleet of worker identities",
	Long: `fleet - job orchestration for a fleet of worker identities.

Jobs are claimed from a shared store, fanned out across resources with
per-resource locks, paced and retried, and recorded in an idempotency
ledger. Recurring watches resume from their watermark.

Available commands:
  am       - Show and initialise configuration ("I am")
  db       - Migrate the job store and show queue statistics
  serve    - Run pollers, the carousel and the admin server
  job      - Enqueue, inspect and control jobs
  resource - Register and manage worker identities
  version  - Show build information

Examples:
  fleet am show                 # Show effective configuration
  fleet serve --dry-run         # Run against the scripted remote client
  fleet job ls --status running # List running jobs
  fleet resource ls             # List resources`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' output must stay parseable
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithVerbosity(verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.ResourceCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	// Ctrl+C cancels the command context; serve uses it for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
