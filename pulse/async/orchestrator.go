package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/internal/httpclient"
	"github.com/teranos/harvest/ledger"
	"github.com/teranos/harvest/pulse/breaker"
	"github.com/teranos/harvest/pulse/ratelimit"
	"github.com/teranos/harvest/pulse/retry"
	"github.com/teranos/harvest/source"
	"github.com/teranos/harvest/sym"
	"github.com/teranos/harvest/transfer"
)

var (
	// errJobCancelled is the cancellation cause for Cancel.
	errJobCancelled = errors.New("cancelled by request")
	// errShutdown is the cancellation cause for Stop.
	errShutdown = errors.New("orchestrator stopped")
)

// Config tunes the orchestrator.
type Config struct {
	Pool WorkerPoolConfig `json:"pool" mapstructure:"pool"`
	// OverfetchFactor scales how many candidates are requested per source relative to the target.
	OverfetchFactor   float64       `json:"overfetch_factor" mapstructure:"overfetch_factor"`
	SearchConcurrency int           `json:"search_concurrency" mapstructure:"search_concurrency"`
	OutputDir         string        `json:"output_dir" mapstructure:"output_dir"`
	StopTimeout       time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
}

// DefaultConfig returns 4 workers, an over-fetch factor of 2 and ./downloads.
func DefaultConfig() Config {
	return Config{
		Pool:              DefaultWorkerPoolConfig(),
		OverfetchFactor:   2.0,
		SearchConcurrency: 4,
		OutputDir:         "downloads",
		StopTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OverfetchFactor < 1 {
		c.OverfetchFactor = d.OverfetchFactor
	}
	if c.SearchConcurrency <= 0 {
		c.SearchConcurrency = d.SearchConcurrency
	}
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Options wires an Orchestrator. DB and Sources are required; the rest default.
type Options struct {
	DB        *sql.DB
	Sources   *source.Registry
	Client    *httpclient.SaferClient
	Breakers  *breaker.Set
	Limiter   *ratelimit.Registry
	Policy    *retry.Policy
	Progress  transfer.ProgressStore
	Validator transfer.Validator
	Transfer  transfer.Config
	Config    Config
	Logger    *zap.SugaredLogger
}

// Orchestrator accepts fetch jobs and drives them to completion on a shared worker pool.
type Orchestrator struct {
	cfg        Config
	queue      *Queue
	pool       *WorkerPool
	sources    *source.Registry
	ledger     *ledger.Store
	transferer *transfer.Transferer
	breakers   *breaker.Set
	limiter    *ratelimit.Registry
	logger     pulseLogger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	runs    map[string]*jobRun
	// claims maps a URL hash to the job whose unit currently owns it.
	claims  map[string]string
	drivers sync.WaitGroup
}

// New creates a stopped orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.DB == nil {
		return nil, errors.NewInvalidRequestError("orchestrator needs a database")
	}
	if opts.Sources == nil {
		return nil, errors.NewInvalidRequestError("orchestrator needs a source registry")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Client == nil {
		opts.Client = httpclient.NewSaferClient(30 * time.Second)
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewSet(breaker.DefaultConfig(), log.Named("pulse.breaker"))
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewRegistry(ratelimit.DefaultLimits(), nil, log.Named("pulse.ratelimit"))
	}
	if opts.Progress == nil {
		opts.Progress = transfer.NewProgressStore(opts.DB)
	}
	opts.Sources.ApplyHints(opts.Limiter)

	tr, err := transfer.New(transfer.Options{
		Client:    opts.Client,
		Breakers:  opts.Breakers,
		Limiter:   opts.Limiter,
		Policy:    opts.Policy,
		Progress:  opts.Progress,
		Validator: opts.Validator,
		Config:    opts.Transfer,
		Logger:    log.Named("transfer"),
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        opts.Config.withDefaults(),
		queue:      NewQueue(opts.DB),
		sources:    opts.Sources,
		ledger:     ledger.NewStore(opts.DB, log.Named("ledger")),
		transferer: tr,
		breakers:   opts.Breakers,
		limiter:    opts.Limiter,
		logger:     pulseLogger{log.Named("pulse")},
		runs:       make(map[string]*jobRun),
		claims:     make(map[string]string),
	}
	o.pool = newWorkerPool(o.cfg.Pool, o, log)
	return o, nil
}

// Start recovers jobs orphaned by a crash and starts the worker pool.
// ✿ Opening: jobs left running are marked failed as interrupted. Their chunk
// progress survives, so resubmitting the same theme resumes partial downloads.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.started = true
	o.mu.Unlock()

	if n, err := o.recoverOrphanedJobs(ctx); err != nil {
		o.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	} else if n > 0 {
		o.logger.Starting("Marked orphaned jobs as interrupted", "count", n)
	}

	o.pool.Start(o.ctx)
}

func (o *Orchestrator) recoverOrphanedJobs(ctx context.Context) (int, error) {
	running := JobStatusRunning
	orphaned, err := o.queue.ListJobs(ctx, &running, MaxOrphanedJobsToRecover)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running jobs")
	}

	recovered := 0
	for _, job := range orphaned {
		o.mu.Lock()
		_, live := o.runs[job.ID]
		o.mu.Unlock()
		if live {
			continue
		}
		job.Fail(errors.New(InterruptedReason))
		if err := o.queue.UpdateJob(ctx, job); err != nil {
			o.logger.Warnw("Failed to mark orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Stop cancels every running job, waits for their drivers, then stops the pool.
// ❀ Closing: in-flight units stop at their next checkpoint.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	for _, run := range o.runs {
		run.cancel(errShutdown)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.drivers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.StopTimeout):
		o.logger.Closing("Job drivers did not finish before timeout", "timeout", o.cfg.StopTimeout)
	}

	o.pool.Stop(o.cfg.StopTimeout)
	o.cancel()
}

// Submit validates and starts a job. The returned handle is valid for Status,
// Cancel and Wait.
func (o *Orchestrator) Submit(ctx context.Context, req FetchJob) (JobHandle, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return "", errors.Wrap(errors.ErrServiceUnavailable, "orchestrator is not started")
	}

	srcs, err := o.sources.Select(req.Sources)
	if err != nil {
		return "", err
	}
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = s.Name()
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = o.cfg.OutputDir
	}
	job := NewJob(req, names, outputDir)
	if err := o.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return "", errors.Wrap(errors.ErrServiceUnavailable, "orchestrator stopped during submit")
	}
	run := newJobRun(o, job, req, srcs)
	o.runs[job.ID] = run
	o.drivers.Add(1)
	o.mu.Unlock()

	o.logger.Pulse(sym.Pulse+" Job submitted",
		"job_id", job.ID,
		"theme", job.Theme,
		"target", job.Target,
		"sources", names,
	)

	go func() {
		defer o.drivers.Done()
		run.run()
	}()
	return JobHandle(job.ID), nil
}

// Status returns the job's current snapshot. Jobs from earlier processes are
// served from the job store without per-source detail.
func (o *Orchestrator) Status(handle JobHandle) (Snapshot, error) {
	if run := o.run(handle); run != nil {
		return run.snapshot(), nil
	}
	job, err := o.queue.GetJob(context.Background(), string(handle))
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotFromJob(job), nil
}

// Cancel stops a running job cooperatively. Cancelling a finished job is an error.
func (o *Orchestrator) Cancel(handle JobHandle) error {
	run := o.run(handle)
	if run == nil {
		job, err := o.queue.GetJob(context.Background(), string(handle))
		if err != nil {
			return err
		}
		return errors.NewInvalidRequestError("job %s is %s and not running in this process", handle, job.Status)
	}

	if status := run.status(); status.Terminal() {
		return errors.NewInvalidRequestError("job %s already %s", handle, status)
	}
	run.cancel(errJobCancelled)
	return nil
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, handle JobHandle) (Snapshot, error) {
	run := o.run(handle)
	if run == nil {
		return o.Status(handle)
	}
	select {
	case <-run.done:
		return run.snapshot(), nil
	case <-ctx.Done():
		return run.snapshot(), ctx.Err()
	}
}

// List returns up to limit jobs, newest first, with live detail for jobs run by this process.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]Snapshot, error) {
	jobs, err := o.queue.ListJobs(ctx, nil, limit)
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(jobs))
	for _, job := range jobs {
		if run := o.run(JobHandle(job.ID)); run != nil {
			snaps = append(snaps, run.snapshot())
			continue
		}
		snaps = append(snaps, snapshotFromJob(job))
	}
	return snaps, nil
}

// Subscribe returns a channel of job snapshots. Slow subscribers miss events.
func (o *Orchestrator) Subscribe() chan Snapshot { return o.queue.Subscribe() }

// Unsubscribe stops delivery to ch. ch is not closed.
func (o *Orchestrator) Unsubscribe(ch chan Snapshot) { o.queue.Unsubscribe(ch) }

// Breakers returns every known source breaker.
func (o *Orchestrator) Breakers() []breaker.Snapshot { return o.breakers.Snapshot() }

// RateLimits returns every known source limiter.
func (o *Orchestrator) RateLimits() []ratelimit.Stats { return o.limiter.AllStats() }

// Metrics reports worker pool usage.
func (o *Orchestrator) Metrics() SystemMetrics {
	m := o.pool.GetSystemMetrics()
	o.mu.Lock()
	for _, run := range o.runs {
		if run.status() == JobStatusRunning {
			m.JobsRunning++
		}
	}
	o.mu.Unlock()
	return m
}

func (o *Orchestrator) run(handle JobHandle) *jobRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[string(handle)]
}

// claim reserves urlHash for jobID. It fails if any job's unit already owns it.
func (o *Orchestrator) claim(urlHash, jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, taken := o.claims[urlHash]; taken {
		return false
	}
	o.claims[urlHash] = jobID
	return true
}

func (o *Orchestrator) release(urlHash string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.claims, urlHash)
}

// Execute transfers one unit and settles it against the ledger.
// Validated bytes are committed only after the ledger accepts them as new.
func (o *Orchestrator) Execute(ctx context.Context, t *unitTask) unitResult {
	res := unitResult{task: t}
	out := o.transferer.Transfer(ctx, t.unit, t.dest)
	res.outcome = out

	if errors.Is(out.Err, transfer.ErrStoreUnavailable) {
		res.fatal = out.Err
		return res
	}
	if out.Kind != transfer.OutcomeSaved {
		return res
	}

	storeCtx := context.WithoutCancel(ctx)
	duplicate, err := o.ledger.Claim(storeCtx, ledger.Entry{
		URLHash:     t.unit.ID,
		ContentHash: out.ContentHash,
		Source:      t.unit.Source,
		URL:         t.unit.URL,
		Theme:       t.run.theme,
		Path:        t.dest.Path,
		Size:        out.Size,
	})
	if err != nil {
		o.discard(t)
		res.outcome.Kind = transfer.OutcomeFailed
		res.outcome.Reason = retry.KindFatal
		res.outcome.Err = err
		res.fatal = err
		return res
	}
	if duplicate {
		o.discard(t)
		res.outcome.Kind = transfer.OutcomeDuplicate
		res.outcome.Reason = retry.KindDuplicate
		return res
	}

	path, err := t.dest.Commit()
	if err != nil {
		if ferr := o.ledger.Forget(storeCtx, t.unit.ID); ferr != nil {
			err = errors.WithSecondaryError(err, ferr)
		}
		o.discard(t)
		res.outcome.Kind = transfer.OutcomeFailed
		res.outcome.Reason = retry.KindFatal
		res.outcome.Err = err
		return res
	}
	res.outcome.Path = path
	return res
}

func (o *Orchestrator) discard(t *unitTask) {
	if err := t.dest.Discard(); err != nil {
		o.logger.Warnw("Failed to discard partial content", "path", t.dest.PartPath(), "error", err)
	}
}
