package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/teranos/harvest/pulse/async"
	"github.com/teranos/harvest/sym"
)

// progressView renders a job's snapshots to the terminal with pterm.
type progressView struct {
	theme  string
	bar    *pterm.ProgressbarPrinter
	shown  int
	lastOp string
}

func newProgressView(theme string, target int) *progressView {
	v := &progressView{theme: theme}
	bar, err := pterm.DefaultProgressbar.
		WithTotal(target).
		WithTitle(theme).
		WithRemoveWhenDone(false).
		Start()
	if err == nil {
		v.bar = bar
	}
	return v
}

func (v *progressView) update(snap async.Snapshot) {
	if v.bar == nil {
		return
	}
	if snap.Operation != "" && snap.Operation != v.lastOp {
		v.lastOp = snap.Operation
		v.bar.UpdateTitle(fmt.Sprintf("%s (%s)", v.theme, snap.Operation))
	}
	if delta := snap.Counters.Succeeded - v.shown; delta > 0 {
		v.bar.Add(delta)
		v.shown = snap.Counters.Succeeded
	}
}

func (v *progressView) note(msg string) {
	pterm.Warning.Println(msg)
}

func (v *progressView) finish(snap async.Snapshot) {
	v.update(snap)
	if v.bar != nil {
		v.bar.Stop()
	}

	c := snap.Counters
	summary := fmt.Sprintf("%s %d/%d saved (%s)  %s %d duplicate  %s %d failed  %s %d deferred",
		sym.Saved, c.Succeeded, snap.Target, formatBytes(c.Bytes),
		sym.Duplicate, c.Duplicate,
		sym.Failed, c.Failed,
		sym.Deferred, c.Deferred)

	switch snap.Status {
	case async.JobStatusCompleted:
		pterm.Success.Println(summary)
	case async.JobStatusCancelled:
		pterm.Warning.Printfln("Cancelled: %s", summary)
	default:
		pterm.Error.Printfln("%s: %s", snap.Error, summary)
	}

	if len(snap.Sources) > 0 {
		_ = pterm.DefaultTable.WithHasHeader().WithData(sourceTable(snap)).Render()
	}
	if snap.OutputDir != "" && c.Succeeded > 0 {
		pterm.Info.Printfln("Files in %s", async.ThemeDir(snap.OutputDir, snap.Theme))
	}
}

// sourceTable lays out the per-source breakdown of a snapshot.
func sourceTable(snap async.Snapshot) pterm.TableData {
	data := pterm.TableData{{"SOURCE", "BREAKER", "CANDIDATES", "SAVED", "FAILED", "DEFERRED", "LAST FAILURE"}}
	for _, s := range snap.Sources {
		last := ""
		if s.LastFailure != "" {
			last = truncate(fmt.Sprintf("[%s] %s", s.LastFailureKind, s.LastFailure), 60)
		}
		data = append(data, []string{
			s.Source,
			s.Breaker,
			strconv.Itoa(s.Candidates),
			strconv.Itoa(s.Saved),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Deferred),
			last,
		})
	}
	return data
}
