package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/pulse/async"
	"github.com/teranos/harvest/sym"
)

// FetchCmd collects assets for a theme
var FetchCmd = &cobra.Command{
	Use:   "fetch <theme>",
	Short: sym.Transfer + " Collect assets for a theme",
	Long: sym.Transfer + ` fetch — collect up to N unique assets for a theme.

Every configured catalog is searched, candidates are interleaved across
sources, and downloads run on a shared worker pool. Assets already in the
ledger are skipped, and partial downloads resume from their last checkpoint.

Ctrl-C cancels the job: in-flight transfers stop at their next checkpoint
and completed files stay on disk.

Examples:
  harvest fetch ocean -n 20
  harvest fetch city -n 5 --sources archive,mirror --category night
  harvest fetch forest -n 10 -c orientation=landscape -o ./out`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

var (
	fetchTarget      int
	fetchSources     []string
	fetchCategory    string
	fetchConstraints map[string]string
	fetchOutput      string
	fetchJSON        bool
)

func init() {
	FetchCmd.Flags().IntVarP(&fetchTarget, "target", "n", 10, "Number of unique assets to collect")
	FetchCmd.Flags().StringSliceVarP(&fetchSources, "sources", "s", nil, "Sources to search (default: all)")
	FetchCmd.Flags().StringVar(&fetchCategory, "category", "", "Restrict candidates to a category")
	FetchCmd.Flags().StringToStringVarP(&fetchConstraints, "constraint", "c", nil, "Source-specific constraint key=value (repeatable)")
	FetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Output directory (default: fetch.output_dir)")
	FetchCmd.Flags().BoolVar(&fetchJSON, "json", false, "Print the final job snapshot as JSON")
}

func runFetch(cmd *cobra.Command, args []string) error {
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

	updates := e.orch.Subscribe()
	defer e.orch.Unsubscribe(updates)

	handle, err := e.orch.Submit(ctx, async.FetchJob{
		Theme:       args[0],
		Target:      fetchTarget,
		Sources:     fetchSources,
		Category:    fetchCategory,
		Constraints: fetchConstraints,
		OutputDir:   fetchOutput,
	})
	if err != nil {
		return errors.Wrap(err, "failed to submit job")
	}

	done := make(chan async.Snapshot, 1)
	waitErr := make(chan error, 1)
	go func() {
		snap, err := e.orch.Wait(context.Background(), handle)
		if err != nil {
			waitErr <- err
			return
		}
		done <- snap
	}()

	var progress *progressView
	if !fetchJSON {
		progress = newProgressView(args[0], fetchTarget)
	}

	interrupted := ctx.Done()
	var final async.Snapshot
loop:
	for {
		select {
		case snap := <-updates:
			if snap.ID == string(handle) && progress != nil {
				progress.update(snap)
			}
		case <-interrupted:
			interrupted = nil
			if progress != nil {
				progress.note("Cancelling, waiting for in-flight transfers to checkpoint")
			}
			if err := e.orch.Cancel(handle); err != nil && !errors.IsInvalidRequestError(err) {
				return errors.Wrap(err, "failed to cancel job")
			}
		case final = <-done:
			break loop
		case err := <-waitErr:
			return errors.Wrap(err, "failed waiting for job")
		}
	}

	if progress != nil {
		progress.finish(final)
	}

	if fetchJSON {
		data, err := json.MarshalIndent(final, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		fmt.Println(string(data))
	}

	if final.Status == async.JobStatusFailed {
		return errors.Newf("job %s failed: %s", final.ID, final.Error)
	}
	return nil
}
