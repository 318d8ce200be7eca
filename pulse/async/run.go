package async

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/ledger"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/pulse/retry"
	"github.com/teranos/harvest/source"
	"github.com/teranos/harvest/transfer"
)

// jobRun drives one job. Only the driver goroutine admits units and touches
// the feed; workers hand results back through results.
type jobRun struct {
	o       *Orchestrator
	id      string
	theme   string
	req     FetchJob
	sources []source.Source

	ctx     context.Context
	cancel  context.CancelCauseFunc
	results chan unitResult
	done    chan struct{}
	log     *zap.SugaredLogger
	feed    *feed

	mu        sync.Mutex
	job       *Job
	inFlight  int
	operation string
	perSource map[string]*SourceSnapshot
	saved     []ManifestEntry
	fatal     error
}

func newJobRun(o *Orchestrator, job *Job, req FetchJob, sources []source.Source) *jobRun {
	ctx, cancel := context.WithCancelCause(o.ctx)
	perSource := make(map[string]*SourceSnapshot, len(sources))
	for _, src := range sources {
		perSource[src.Name()] = &SourceSnapshot{Source: src.Name()}
	}
	return &jobRun{
		o:         o,
		id:        job.ID,
		theme:     job.Theme,
		req:       req,
		sources:   sources,
		ctx:       ctx,
		cancel:    cancel,
		results:   make(chan unitResult, o.pool.Workers()+cap(o.pool.tasks)),
		done:      make(chan struct{}),
		log:       o.logger.With(logger.FieldJobID, job.ID, logger.FieldTheme, job.Theme),
		job:       job,
		perSource: perSource,
	}
}

func (r *jobRun) run() {
	defer close(r.done)

	r.mu.Lock()
	r.job.Start()
	r.operation = fmt.Sprintf("searching %d sources", len(r.sources))
	r.mu.Unlock()
	r.persist()

	names := make([]string, len(r.sources))
	for i, src := range r.sources {
		names[i] = src.Name()
	}
	r.feed = newFeed(names, r.search(), r.o.breakers)

	r.setOperation("fetching")
	r.admit()

	r.setOperation("draining")
	r.drain()
	r.finish()
}

// search asks every source once, in parallel, for ceil(target·factor) candidates.
// A failing source contributes nothing and records its failure.
func (r *jobRun) search() map[string][]source.Candidate {
	want := int(math.Ceil(float64(r.req.Target) * r.o.cfg.OverfetchFactor))
	req := source.SearchRequest{
		Theme:       r.req.Theme,
		MaxResults:  want,
		Category:    r.req.Category,
		Constraints: r.req.Constraints,
	}

	var (
		mu      sync.Mutex
		results = make(map[string][]source.Candidate, len(r.sources))
		g       errgroup.Group
	)
	g.SetLimit(r.o.cfg.SearchConcurrency)
	for _, src := range r.sources {
		g.Go(func() error {
			found, err := src.Search(r.ctx, req)
			if err != nil {
				r.log.Warnw("Source search failed", logger.FieldSource, src.Name(), logger.FieldError, err)
				r.mu.Lock()
				r.recordFailureLocked(src.Name(), retry.Classify(err), err)
				r.mu.Unlock()
				return nil
			}
			if len(found) > want {
				found = found[:want]
			}
			mu.Lock()
			results[src.Name()] = found
			mu.Unlock()

			r.mu.Lock()
			r.perSource[src.Name()].Candidates = len(found)
			r.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	names := make([]string, 0, len(r.sources))
	for _, src := range r.sources {
		total += len(results[src.Name()])
		names = append(names, src.Name())
	}
	r.log.Infow("Search complete", "candidates", total, "wanted_per_source", want)

	err := r.o.ledger.RecordSearch(context.WithoutCancel(r.ctx), ledger.SearchRecord{
		Theme:     r.req.Theme,
		Category:  r.req.Category,
		Sources:   names,
		Results:   total,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.log.Warnw("Failed to record search history", logger.FieldError, err)
	}
	return results
}

// admit feeds units to the pool while succeeded + inFlight < target.
// Failed, deferred and duplicate units free their slot for a replacement.
func (r *jobRun) admit() {
	for r.ctx.Err() == nil && r.fatalErr() == nil {
		r.mu.Lock()
		full := r.job.Counters.Succeeded+r.inFlight >= r.job.Target
		idle := r.inFlight == 0
		r.mu.Unlock()

		if full {
			if idle {
				return
			}
			select {
			case res := <-r.results:
				r.handle(res)
			case <-r.ctx.Done():
				return
			}
			continue
		}

		c, from, ok := r.feed.next()
		if !ok {
			r.noteStranded()
			return
		}
		if !r.admitCandidate(c, from) {
			return
		}
	}
}

// noteStranded records candidates left unattempted because their source's
// breaker is open, so the snapshot says why the job stopped short.
func (r *jobRun) noteStranded() {
	left := r.feed.stranded()
	if len(left) == 0 {
		return
	}
	r.mu.Lock()
	for name, n := range left {
		ps := r.perSource[name]
		if ps == nil || ps.LastFailureKind != "" {
			continue
		}
		ps.LastFailureKind = retry.KindSourceUnavailable
		ps.LastFailure = fmt.Sprintf("breaker open, %d candidates not attempted", n)
	}
	r.mu.Unlock()
	r.log.Infow("Only sources with an open breaker have candidates left, admission stopped", "stranded", left)
}

// admitCandidate settles c as a duplicate or dispatches it. It returns false
// when admission must stop.
func (r *jobRun) admitCandidate(c source.Candidate, from string) bool {
	urlHash := ledger.HashURL(c.URL)

	seen, err := r.o.ledger.SeenByURL(context.WithoutCancel(r.ctx), urlHash)
	if err != nil {
		r.setFatal(errors.Wrap(err, "ledger unavailable"))
		return false
	}
	if seen {
		r.settleDuplicate(from, c.URL, "already in ledger")
		return true
	}
	if !r.o.claim(urlHash, r.id) {
		r.settleDuplicate(from, c.URL, "already in flight")
		return true
	}

	t := &unitTask{
		run: r,
		unit: transfer.Unit{
			ID:           urlHash,
			URL:          c.URL,
			Source:       from,
			ExpectedSize: c.ExpectedSize,
		},
		dest:     destinationFor(r.job.OutputDir, r.theme, c.URL, urlHash),
		sourceID: c.SourceID,
		metadata: c.Metadata,
		queuedAt: time.Now(),
	}
	return r.dispatch(t)
}

func (r *jobRun) dispatch(t *unitTask) bool {
	r.mu.Lock()
	r.inFlight++
	r.mu.Unlock()

	for {
		select {
		case r.o.pool.tasks <- t:
			r.mu.Lock()
			r.job.Counters.Requested++
			r.mu.Unlock()
			return true
		case res := <-r.results:
			r.handle(res)
		case <-r.ctx.Done():
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
			r.o.release(t.unit.ID)
			return false
		}
	}
}

func (r *jobRun) settleDuplicate(from, rawURL, why string) {
	r.mu.Lock()
	r.job.Counters.Requested++
	r.job.Counters.Duplicate++
	r.mu.Unlock()
	r.log.Debugw("Skipped duplicate", logger.FieldSource, from, logger.FieldURL, rawURL, "reason", why)
	r.persist()
}

// drain waits for every dispatched unit to report back. Once the pool has
// stopped, units still sitting in its queue are reclaimed as cancelled.
func (r *jobRun) drain() {
	stopped := r.o.pool.Stopped()
	for {
		r.mu.Lock()
		n := r.inFlight
		r.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case res := <-r.results:
			r.handle(res)
		case <-stopped:
			stopped = nil
			if reclaimed := r.o.pool.reclaim(); reclaimed > 0 {
				r.log.Infow("Reclaimed queued units from the stopped pool", "units", reclaimed)
			}
		}
	}
}

func (r *jobRun) handle(res unitResult) {
	t := res.task
	out := res.outcome
	name := t.unit.Source
	r.o.release(t.unit.ID)

	r.mu.Lock()
	r.inFlight--
	c := &r.job.Counters
	ps := r.perSource[name]
	switch out.Kind {
	case transfer.OutcomeSaved:
		c.Succeeded++
		c.Bytes += out.Size
		ps.Saved++
		r.saved = append(r.saved, ManifestEntry{
			File:        filepath.Base(out.Path),
			URL:         t.unit.URL,
			Source:      name,
			SourceID:    t.sourceID,
			ContentHash: out.ContentHash,
			Size:        out.Size,
			JobID:       r.id,
			SavedAt:     time.Now().UTC(),
			Metadata:    t.metadata,
		})
	case transfer.OutcomeDuplicate:
		c.Duplicate++
	case transfer.OutcomeDeferred:
		if r.feed.hasAlternative(name) {
			c.Deferred++
			ps.Deferred++
		} else {
			c.Failed++
			ps.Failed++
		}
		r.recordFailureLocked(name, retry.KindSourceUnavailable, out.Err)
	case transfer.OutcomeFailed:
		c.Failed++
		ps.Failed++
		r.recordFailureLocked(name, out.Reason, out.Err)
	case transfer.OutcomeCancelled:
	}
	if res.fatal != nil && r.fatal == nil {
		r.fatal = res.fatal
	}
	r.mu.Unlock()

	r.log.Debugw("Unit settled",
		logger.FieldSource, name,
		logger.FieldURL, t.unit.URL,
		logger.FieldOutcome, out.Kind,
		logger.FieldErrorKind, out.Reason,
		"attempts", out.Attempts,
	)
	r.persist()
}

func (r *jobRun) recordFailureLocked(name string, kind retry.Kind, err error) {
	ps := r.perSource[name]
	if ps == nil {
		return
	}
	ps.LastFailureKind = kind
	if err != nil {
		ps.LastFailure = err.Error()
	} else {
		ps.LastFailure = string(kind)
	}
}

func (r *jobRun) finish() {
	cause := context.Cause(r.ctx)

	r.mu.Lock()
	switch {
	case r.fatal != nil:
		r.job.Fail(r.fatal)
	case errors.Is(cause, errShutdown):
		r.job.Fail(errors.New(InterruptedReason))
	case r.ctx.Err() != nil:
		r.job.Cancel(cause.Error())
	default:
		r.job.Complete()
	}
	r.operation = ""
	saved := r.saved
	outputDir := r.job.OutputDir
	status := r.job.Status
	counters := r.job.Counters
	r.mu.Unlock()
	r.cancel(nil)

	if len(saved) > 0 {
		if err := AppendManifest(ThemeDir(outputDir, r.theme), r.theme, saved); err != nil {
			r.log.Warnw("Failed to write manifest", logger.FieldError, err)
		}
	}

	r.persist()
	r.log.Infow("Job finished",
		logger.FieldStatus, status,
		"succeeded", counters.Succeeded,
		"duplicate", counters.Duplicate,
		"failed", counters.Failed,
		"deferred", counters.Deferred,
		"bytes", counters.Bytes,
	)
}

// persist writes the job record and publishes a snapshot. Store errors are
// logged; the in-memory state stays authoritative for the running process.
func (r *jobRun) persist() {
	r.mu.Lock()
	job := *r.job
	r.mu.Unlock()

	if err := r.o.queue.UpdateJob(context.WithoutCancel(r.ctx), &job); err != nil {
		r.log.Warnw("Failed to persist job", logger.FieldError, err)
	}
	r.o.queue.notify(r.snapshot())
}

func (r *jobRun) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := snapshotFromJob(r.job)
	snap.InFlight = r.inFlight
	snap.Operation = r.operation
	snap.Sources = snap.Sources[:0]
	for _, src := range r.sources {
		ps := *r.perSource[src.Name()]
		ps.Breaker = r.o.breakers.State(src.Name()).String()
		snap.Sources = append(snap.Sources, ps)
	}
	return snap
}

func (r *jobRun) status() JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Status
}

func (r *jobRun) setOperation(op string) {
	r.mu.Lock()
	r.operation = op
	r.mu.Unlock()
}

func (r *jobRun) setFatal(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.log.Errorw("Job-level failure", logger.FieldError, err)
}

func (r *jobRun) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}
