package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/harvest/cmd/harvest/commands"
	"github.com/teranos/harvest/logger"
)

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "harvest - resilient concurrent media fetcher",
	Long: `harvest - collect themed media from many sources without hammering any of them.

Each source gets its own circuit breaker and rate limiter. Transfers resume
from checkpoints, and a content ledger keeps every asset unique on disk.

Available commands:
  fetch  - Collect assets for a theme
  batch  - Collect assets for every theme in a file
  jobs   - Inspect fetch jobs
  ledger - Inspect or sweep the content ledger
  am     - Manage harvest configuration ("I am")
  db     - Manage the harvest database
  version

Examples:
  harvest fetch ocean -n 20                 # 20 ocean assets from every catalog
  harvest fetch city -n 5 -s archive,mirror # only two sources
  harvest batch themes.csv -p 3             # three themes at a time
  harvest jobs ls                           # recent jobs
  harvest ledger stats                      # what has been collected so far`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints machine-readable config, keep it free of log lines
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.FetchCmd)
	rootCmd.AddCommand(commands.BatchCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.LedgerCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
