package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/pulse/retry"
	"github.com/teranos/harvest/sym"
	"github.com/teranos/harvest/transfer"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs are marked interrupted on startup
	MaxOrphanedJobsToRecover = 1000
)

// errPoolStopped is the outcome error of units still queued when the pool stopped.
var errPoolStopped = errors.New("worker pool stopped before the unit started")

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// unitTask is one admitted unit waiting for a worker.
type unitTask struct {
	run      *jobRun
	unit     transfer.Unit
	dest     *transfer.FileDestination
	sourceID string
	metadata map[string]string
	queuedAt time.Time
}

// unitResult is what a worker hands back to the task's job driver.
type unitResult struct {
	task    *unitTask
	outcome transfer.Outcome
	// fatal is set when the failure is the job's, not the unit's.
	fatal error
}

// unitExecutor runs one unit to its terminal outcome.
type unitExecutor interface {
	Execute(ctx context.Context, t *unitTask) unitResult
}

// WorkerPool is a fixed set of workers draining one bounded queue shared by every job.
type WorkerPool struct {
	tasks    chan *unitTask
	workers  int
	executor unitExecutor
	logger   pulseLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	activeWorkers int
	unitsDone     int
	startTime     time.Time
	running       bool
	// stopped closes once Stop has returned; queued units must then be reclaimed.
	stopped chan struct{}
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers   int `json:"workers" mapstructure:"workers"`
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

// DefaultWorkerPoolConfig returns 4 workers over an 8-slot queue.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{Workers: 4, QueueSize: 8}
}

// newWorkerPool creates a stopped pool.
func newWorkerPool(cfg WorkerPoolConfig, executor unitExecutor, logger *zap.SugaredLogger) *WorkerPool {
	d := DefaultWorkerPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WorkerPool{
		tasks:    make(chan *unitTask, cfg.QueueSize),
		workers:  cfg.Workers,
		executor: executor,
		logger:   pulseLogger{logger.Named("pulse")},
		stopped:  make(chan struct{}),
	}
}

// Start launches the workers. Starting a running pool is a no-op.
func (wp *WorkerPool) Start(parent context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}
	wp.ctx, wp.cancel = context.WithCancel(parent)
	wp.startTime = time.Now()
	wp.running = true
	select {
	case <-wp.stopped:
		wp.stopped = make(chan struct{})
	default:
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Starting("Worker pool started", "workers", wp.workers, "queue", cap(wp.tasks))
}

// Stop cancels the workers and waits up to timeout for them to exit.
// ❀ Closing: a worker mid-unit finishes its current checkpoint first.
func (wp *WorkerPool) Stop(timeout time.Duration) {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " Worker pool stopped - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("Worker pool stop timed out - workers may still be checkpointing", "timeout", timeout)
	}

	wp.mu.Lock()
	close(wp.stopped)
	wp.mu.Unlock()
}

// Stopped returns a channel closed once the pool has stopped taking units.
func (wp *WorkerPool) Stopped() <-chan struct{} {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.stopped
}

// reclaim hands every unit still queued back to its job as cancelled and
// returns how many it found. Results channels are sized for the whole queue.
func (wp *WorkerPool) reclaim() int {
	n := 0
	for {
		select {
		case t := <-wp.tasks:
			t.run.results <- unitResult{
				task: t,
				outcome: transfer.Outcome{
					Kind:   transfer.OutcomeCancelled,
					Unit:   t.unit,
					Reason: retry.KindCancelled,
					Err:    errPoolStopped,
				},
			}
			n++
		default:
			return n
		}
	}
}

// worker executes units until the pool stops. Results go to the unit's job
// driver, which always drains them.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case t := <-wp.tasks:
			wp.mu.Lock()
			wp.activeWorkers++
			wp.mu.Unlock()

			res := wp.executor.Execute(t.run.ctx, t)

			wp.mu.Lock()
			wp.activeWorkers--
			wp.unitsDone++
			wp.mu.Unlock()

			wp.logger.Debugw("Unit finished",
				"worker_id", id,
				"job_id", t.run.id,
				"unit_id", t.unit.ID[:min(12, len(t.unit.ID))],
				"outcome", res.outcome.Kind,
				"queued_for", time.Since(t.queuedAt),
			)
			t.run.results <- res
		}
	}
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}
