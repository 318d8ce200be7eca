package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/ledger"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/sym"
)

// LedgerCmd represents the ledger command
var LedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: sym.Ledger + " Inspect or sweep the content ledger",
	Long: sym.Ledger + ` ledger — the record of every asset harvest has seen.

A URL or content hash in the ledger is never downloaded again.

Examples:
  harvest ledger stats
  harvest ledger sweep --older-than 720h`,
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger totals per source and popular themes",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runLedgerStats(cmd.Context(), asJSON)
	},
}

var ledgerSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Forget ledger entries older than a given age",
	Long: `Forget ledger entries older than --older-than, or ledger.retention_days
when the flag is not given. Forgotten URLs may be downloaded again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return runLedgerSweep(cmd.Context(), olderThan)
	},
}

func init() {
	ledgerStatsCmd.Flags().Bool("json", false, "Print stats as JSON")
	ledgerSweepCmd.Flags().Duration("older-than", 0, "Minimum age of entries to forget (default: ledger.retention_days)")

	LedgerCmd.AddCommand(ledgerStatsCmd)
	LedgerCmd.AddCommand(ledgerSweepCmd)
}

func openLedger() (*ledger.Store, func(), time.Duration, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, 0, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, 0, err
	}
	return ledger.NewStore(database, logger.Logger.Named("ledger")), func() { database.Close() }, cfg.LedgerRetention(), nil
}

func runLedgerStats(ctx context.Context, asJSON bool) error {
	store, closeDB, _, err := openLedger()
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := store.Stats(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read ledger stats")
	}
	themes, err := store.PopularThemes(ctx, 10)
	if err != nil {
		return errors.Wrap(err, "failed to read search history")
	}

	if asJSON {
		data, err := json.MarshalIndent(map[string]interface{}{
			"ledger": stats,
			"themes": themes,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal stats: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%s Ledger\n", sym.Ledger)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Entries:    %d\n", stats.Total)
	fmt.Printf("Saved:      %d (%s)\n", stats.Saved, formatBytes(stats.Bytes))
	fmt.Printf("Duplicates: %d\n", stats.Duplicate)
	fmt.Println()

	if len(stats.BySource) > 0 {
		fmt.Printf("%-20s %-8s %-10s %s\n", "SOURCE", "SAVED", "DUPLICATE", "BYTES")
		for _, s := range stats.BySource {
			fmt.Printf("%-20s %-8d %-10d %s\n", truncate(s.Source, 20), s.Saved, s.Duplicate, formatBytes(s.Bytes))
		}
		fmt.Println()
	}

	if len(themes) > 0 {
		fmt.Println("Popular themes:")
		for _, th := range themes {
			fmt.Printf("  %-20s %d search(es)\n", truncate(th.Theme, 20), th.Count)
		}
	}
	return nil
}

func runLedgerSweep(ctx context.Context, olderThan time.Duration) error {
	store, closeDB, retention, err := openLedger()
	if err != nil {
		return err
	}
	defer closeDB()

	if olderThan <= 0 {
		olderThan = retention
	}
	if olderThan <= 0 {
		return errors.WithHint(
			errors.NewInvalidRequestError("no sweep age given"),
			"Pass --older-than or set ledger.retention_days")
	}

	n, err := store.Sweep(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return errors.Wrap(err, "failed to sweep ledger")
	}
	fmt.Printf("%s Forgot %d ledger entr(ies) older than %s\n", sym.Ledger, n, olderThan)
	return nil
}
