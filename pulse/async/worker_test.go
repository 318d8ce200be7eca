package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/transfer"
)

// gatedExecutor blocks every unit until gate closes, ignoring cancellation.
type gatedExecutor struct {
	started chan *unitTask
	gate    chan struct{}
}

func (e *gatedExecutor) Execute(ctx context.Context, t *unitTask) unitResult {
	e.started <- t
	<-e.gate
	return unitResult{task: t, outcome: transfer.Outcome{Kind: transfer.OutcomeSaved, Unit: t.unit}}
}

func TestWorkerPoolReclaimsQueuedUnitsAfterStop(t *testing.T) {
	exec := &gatedExecutor{started: make(chan *unitTask, 1), gate: make(chan struct{})}
	pool := newWorkerPool(WorkerPoolConfig{Workers: 1, QueueSize: 4}, exec, zaptest.NewLogger(t).Sugar())
	pool.Start(context.Background())

	run := &jobRun{id: "job-1", ctx: context.Background(), results: make(chan unitResult, 5)}
	for _, id := range []string{"u1", "u2", "u3"} {
		pool.tasks <- &unitTask{run: run, unit: transfer.Unit{ID: id}, queuedAt: time.Now()}
	}

	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up a unit")
	}

	select {
	case <-pool.Stopped():
		t.Fatal("pool reported stopped before Stop")
	default:
	}

	// the worker is stuck mid-unit, so Stop times out with two units still queued
	pool.Stop(20 * time.Millisecond)
	select {
	case <-pool.Stopped():
	default:
		t.Fatal("Stopped must be closed once Stop returns")
	}

	assert.Equal(t, 2, pool.reclaim())
	assert.Zero(t, pool.reclaim(), "the queue is empty after reclaiming")

	for _, want := range []string{"u2", "u3"} {
		res := <-run.results
		assert.Equal(t, want, res.task.unit.ID)
		assert.Equal(t, transfer.OutcomeCancelled, res.outcome.Kind)
		assert.True(t, errors.Is(res.outcome.Err, errPoolStopped))
	}

	close(exec.gate)
	select {
	case res := <-run.results:
		require.Equal(t, "u1", res.task.unit.ID)
		assert.Equal(t, transfer.OutcomeSaved, res.outcome.Kind, "the stuck unit still reports back")
	case <-time.After(2 * time.Second):
		t.Fatal("stuck worker never reported back")
	}
}
