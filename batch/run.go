package batch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/pulse/async"
)

// Orchestrator is the part of async.Orchestrator a batch needs.
type Orchestrator interface {
	Submit(ctx context.Context, req async.FetchJob) (async.JobHandle, error)
	Wait(ctx context.Context, handle async.JobHandle) (async.Snapshot, error)
	Cancel(handle async.JobHandle) error
}

// Status of one batch entry.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	// StatusRejected means Submit refused the entry.
	StatusRejected = "rejected"
	// StatusSkipped means the batch was cancelled before the entry started.
	StatusSkipped = "skipped"
)

// Result is one entry's outcome.
type Result struct {
	Index          int       `json:"index"`
	Theme          string    `json:"theme"`
	Target         int       `json:"target"`
	JobID          string    `json:"job_id,omitempty"`
	Status         string    `json:"status"`
	Succeeded      int       `json:"succeeded"`
	Duplicate      int       `json:"duplicate"`
	Failed         int       `json:"failed"`
	Bytes          int64     `json:"bytes"`
	OutputDir      string    `json:"output_dir,omitempty"`
	Error          string    `json:"error,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Summary is the whole batch's outcome, results in file order.
type Summary struct {
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
	Saved      int       `json:"saved"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Results    []Result  `json:"results"`
}

// Options configures a batch run.
type Options struct {
	// Concurrency is how many entries run at once; 1 runs them in file order.
	Concurrency int
	// OutputDir overrides the orchestrator's output directory for every entry.
	OutputDir string
	// OnResult is called as each entry finishes, from the entry's goroutine.
	OnResult func(Result)
	Logger   *zap.SugaredLogger
}

// Run submits every entry and waits for all of them. Cancelling ctx cancels
// running jobs and skips entries that have not started.
func Run(ctx context.Context, orch Orchestrator, entries []Entry, opts Options) Summary {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("batch")

	summary := Summary{
		Total:     len(entries),
		StartedAt: time.Now().UTC(),
		Results:   make([]Result, len(entries)),
	}
	log.Infow("Batch started", "entries", len(entries), "concurrency", opts.Concurrency)

	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			res := runEntry(ctx, orch, i, entry, opts.OutputDir, log)
			summary.Results[i] = res
			if opts.OnResult != nil {
				opts.OnResult(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range summary.Results {
		switch res.Status {
		case StatusCompleted:
			summary.Completed++
		case StatusCancelled, StatusSkipped:
			summary.Cancelled++
		default:
			summary.Failed++
		}
		summary.Saved += res.Succeeded
		summary.Bytes += res.Bytes
	}
	summary.FinishedAt = time.Now().UTC()

	log.Infow("Batch finished",
		"completed", summary.Completed,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"saved", summary.Saved,
	)
	return summary
}

func runEntry(ctx context.Context, orch Orchestrator, index int, entry Entry, outputDir string, log *zap.SugaredLogger) Result {
	start := time.Now()
	res := Result{Index: index, Theme: entry.Theme, Target: entry.Count}
	done := func() Result {
		res.ElapsedSeconds = time.Since(start).Seconds()
		res.FinishedAt = time.Now().UTC()
		return res
	}

	if ctx.Err() != nil {
		res.Status = StatusSkipped
		return done()
	}

	handle, err := orch.Submit(ctx, entry.Job(outputDir))
	if err != nil {
		log.Warnw("Batch entry rejected", logger.FieldTheme, entry.Theme, logger.FieldError, err)
		res.Status = StatusRejected
		res.Error = err.Error()
		return done()
	}
	res.JobID = string(handle)

	stop := context.AfterFunc(ctx, func() {
		if err := orch.Cancel(handle); err != nil && !errors.IsInvalidRequestError(err) {
			log.Warnw("Failed to cancel batch entry", logger.FieldJobID, handle, logger.FieldError, err)
		}
	})
	defer stop()

	snap, err := orch.Wait(context.WithoutCancel(ctx), handle)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return done()
	}

	res.Succeeded = snap.Counters.Succeeded
	res.Duplicate = snap.Counters.Duplicate
	res.Failed = snap.Counters.Failed
	res.Bytes = snap.Counters.Bytes
	res.Error = snap.Error
	if snap.OutputDir != "" {
		res.OutputDir = async.ThemeDir(snap.OutputDir, snap.Theme)
	}
	switch snap.Status {
	case async.JobStatusCompleted:
		res.Status = StatusCompleted
	case async.JobStatusCancelled:
		res.Status = StatusCancelled
	default:
		res.Status = StatusFailed
	}
	return done()
}
