package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/reel/cmd/reel/commands"
	"github.com/teranos/reel/logger"
)

var rootCmd = &cobra.Command{
	Use:   "reel",
	Short: "reel - scheduled media downloads",
	Long: `reel - schedule and run media downloads through an external retrieval tool.

Jobs are stored in SQLite and executed by a bounded worker pool, either right
away or when their scheduled time arrives.

Available commands:
  server  - Start the HTTP API, worker pool and scheduler
  jobs    - List, inspect, add and cancel download jobs
  formats - List the formats available for a URL
  am      - Manage reel configuration ("I am")
  version - Show version information

Examples:
  reel server                                   # Serve on the configured port
  reel jobs add https://example.com/v --at 2030-01-02T15:04:05Z
  reel jobs ls --status scheduled               # Pending jobs
  reel am show                                  # Effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Plain stdout commands stay free of log noise
		if cmd.Name() != "show" {
			if err := logger.Initialize(false); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.FormatsCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
