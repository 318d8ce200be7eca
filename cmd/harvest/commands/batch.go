package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/harvest/batch"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/sym"
)

// BatchCmd runs one fetch job per line of a batch file
var BatchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: sym.Transfer + " Collect assets for every theme in a file",
	Long: sym.Transfer + ` batch - run one fetch job per theme listed in a file.

The file format follows its extension:
  .txt   "theme,count" per line, # starts a comment
  .csv   header with theme,count,sources,category; extra columns are constraints
  .json  {"jobs": [{"theme": "ocean", "count": 10, "sources": "archive;mirror"}]}
  .yaml  same shape as .json

Jobs share the worker pool, breakers and rate limits, so running several at
once (--parallel) never exceeds the per-source limits.

Examples:
  harvest batch themes.txt
  harvest batch themes.csv --parallel 3 --results results.json
  harvest batch themes.json -n 5 -o ./out --results results.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

var (
	batchDefaultCount int
	batchParallel     int
	batchOutput       string
	batchResults      string
	batchJSON         bool
)

func init() {
	BatchCmd.Flags().IntVarP(&batchDefaultCount, "target", "n", batch.DefaultCount, "Assets per theme when the file gives no count")
	BatchCmd.Flags().IntVarP(&batchParallel, "parallel", "p", 1, "Themes fetched at once (1 = in file order)")
	BatchCmd.Flags().StringVarP(&batchOutput, "output", "o", "", "Output directory (default: fetch.output_dir)")
	BatchCmd.Flags().StringVar(&batchResults, "results", "", "Write a results summary to this file (.json or .csv)")
	BatchCmd.Flags().BoolVar(&batchJSON, "json", false, "Print the summary as JSON")
}

func runBatch(cmd *cobra.Command, args []string) error {
	if batchParallel <= 0 {
		return errors.NewInvalidRequestError("--parallel must be positive, got %d", batchParallel)
	}
	entries, err := batch.LoadFile(args[0], batchDefaultCount)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	e.start(ctx)

	if !batchJSON {
		pterm.Info.Printfln("Batch: %d themes from %s, %d at a time", len(entries), args[0], batchParallel)
	}

	var printMu sync.Mutex
	summary := batch.Run(ctx, e.orch, entries, batch.Options{
		Concurrency: batchParallel,
		OutputDir:   batchOutput,
		Logger:      logger.Logger,
		OnResult: func(r batch.Result) {
			if batchJSON {
				return
			}
			printMu.Lock()
			defer printMu.Unlock()
			printBatchResult(r, len(entries))
		},
	})

	if batchResults != "" {
		if err := batch.Export(batchResults, summary); err != nil {
			return err
		}
	}

	if batchJSON {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		fmt.Println(string(data))
	} else {
		printBatchSummary(summary)
		if batchResults != "" {
			pterm.Info.Printfln("Results written to %s", batchResults)
		}
	}

	if summary.Failed > 0 {
		return errors.Newf("%d of %d batch themes failed", summary.Failed, summary.Total)
	}
	return nil
}

func printBatchResult(r batch.Result, total int) {
	prefix := fmt.Sprintf("[%d/%d] %s", r.Index+1, total, r.Theme)
	switch r.Status {
	case batch.StatusCompleted:
		pterm.Success.Printfln("%s: %d/%d saved (%s)", prefix, r.Succeeded, r.Target, formatBytes(r.Bytes))
	case batch.StatusCancelled, batch.StatusSkipped:
		pterm.Warning.Printfln("%s: %s", prefix, r.Status)
	default:
		pterm.Error.Printfln("%s: %s: %s", prefix, r.Status, r.Error)
	}
}

func printBatchSummary(summary batch.Summary) {
	_ = pterm.DefaultTable.WithHasHeader().WithData(batchTable(summary)).Render()
	pterm.Info.Printfln("%d completed, %d failed, %d cancelled; %d assets saved (%s)",
		summary.Completed, summary.Failed, summary.Cancelled, summary.Saved, formatBytes(summary.Bytes))
}

// batchTable lays out one row per batch entry.
func batchTable(summary batch.Summary) pterm.TableData {
	data := pterm.TableData{{"#", "THEME", "STATUS", "SAVED", "DUPLICATE", "FAILED", "ELAPSED", "ERROR"}}
	for _, r := range summary.Results {
		data = append(data, []string{
			strconv.Itoa(r.Index + 1),
			truncate(r.Theme, 30),
			r.Status,
			fmt.Sprintf("%d/%d", r.Succeeded, r.Target),
			strconv.Itoa(r.Duplicate),
			strconv.Itoa(r.Failed),
			fmt.Sprintf("%.1fs", r.ElapsedSeconds),
			truncate(r.Error, 40),
		})
	}
	return data
}
