package async

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/errors"
	harvesttest "github.com/teranos/harvest/internal/testing"
)

// ============================================================================
// TAS Bot & Kirby Store Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: Frame-perfect coordinator who persists job records
//   - Kirby: The worker who loads and updates stored jobs
//   - Cronos: Greek god of time, appears for cleanup and time-based operations
//
// Theme: TAS Bot writes save states (jobs) to the database, Kirby loads
// and updates them, and Cronos clears out old saves.
// ============================================================================

func newTestJob(theme string) *Job {
	return NewJob(FetchJob{Theme: theme, Target: 3, Category: "nature"}, []string{"pexels", "pixabay"}, "/tmp/harvest")
}

// TestTASBotCreatesAndKirbyLoads round-trips a job through fetch_jobs
func TestTASBotCreatesAndKirbyLoads(t *testing.T) {
	t.Log("🎮 TAS Bot writes a save state, ⭐ Kirby loads it back...")
	ctx := context.Background()
	store := NewStore(harvesttest.CreateTestDB(t))

	job := newTestJob("ocean")
	require.NoError(t, store.CreateJob(ctx, job), "TAS Bot failed to create job")

	loaded, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err, "Kirby failed to load job")

	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, "ocean", loaded.Theme)
	assert.Equal(t, "nature", loaded.Category)
	assert.Equal(t, 3, loaded.Target)
	assert.Equal(t, []string{"pexels", "pixabay"}, loaded.Sources)
	assert.Equal(t, JobStatusPending, loaded.Status)
	assert.Equal(t, "/tmp/harvest", loaded.OutputDir)
	assert.Empty(t, loaded.Error)
	assert.Nil(t, loaded.StartedAt)
	assert.Nil(t, loaded.CompletedAt)
	assert.WithinDuration(t, job.CreatedAt, loaded.CreatedAt, time.Second)

	t.Log("✓ Save state loaded intact")
}

// TestKirbyUpdatesCounters persists counters, status and timestamps
func TestKirbyUpdatesCounters(t *testing.T) {
	t.Log("⭐ Kirby updates the running tally...")
	ctx := context.Background()
	store := NewStore(harvesttest.CreateTestDB(t))

	job := newTestJob("forest")
	require.NoError(t, store.CreateJob(ctx, job))

	job.Start()
	job.Counters = Counters{Requested: 7, Succeeded: 3, Duplicate: 2, Failed: 1, Deferred: 1, Bytes: 4096}
	job.Fail(errors.New("ledger unavailable"))
	require.NoError(t, store.UpdateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Counters, loaded.Counters)
	assert.Equal(t, JobStatusFailed, loaded.Status)
	assert.Equal(t, "ledger unavailable", loaded.Error)
	require.NotNil(t, loaded.StartedAt)
	require.NotNil(t, loaded.CompletedAt)
}

// TestKirbyFindsNothing checks the not-found paths
func TestKirbyFindsNothing(t *testing.T) {
	ctx := context.Background()
	store := NewStore(harvesttest.CreateTestDB(t))

	_, err := store.GetJob(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	err = store.UpdateJob(ctx, newTestJob("ghost"))
	assert.True(t, errors.IsNotFoundError(err), "updating an unknown job is not found")
}

// TestTASBotListsJobs lists newest first with an optional status filter
func TestTASBotListsJobs(t *testing.T) {
	t.Log("🎮 TAS Bot lists save slots...")
	ctx := context.Background()
	store := NewStore(harvesttest.CreateTestDB(t))

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i, theme := range []string{"a", "b", "c"} {
		job := newTestJob(theme)
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i == 1 {
			job.Start()
		}
		require.NoError(t, store.CreateJob(ctx, job))
		ids = append(ids, job.ID)
	}

	all, err := store.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest first")
	assert.Equal(t, ids[0], all[2].ID)

	running := JobStatusRunning
	active, err := store.ListJobs(ctx, &running, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ids[1], active[0].ID)

	limited, err := store.ListJobs(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// TestCronosCleanupOldJobs removes finished jobs past the retention window
func TestCronosCleanupOldJobs(t *testing.T) {
	t.Log("⏳ Cronos sweeps away ancient save states...")
	ctx := context.Background()
	store := NewStore(harvesttest.CreateTestDB(t))

	old := newTestJob("old")
	old.Complete()
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.CreateJob(ctx, old))

	oldRunning := newTestJob("old-running")
	oldRunning.Start()
	oldRunning.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.CreateJob(ctx, oldRunning))

	fresh := newTestJob("fresh")
	fresh.Complete()
	require.NoError(t, store.CreateJob(ctx, fresh))

	removed, err := store.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetJob(ctx, old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.GetJob(ctx, oldRunning.ID)
	assert.NoError(t, err, "running jobs are never cleaned up")
	_, err = store.GetJob(ctx, fresh.ID)
	assert.NoError(t, err)

	t.Log("✓ Cronos kept the living and the recent")
}

func TestStoreErrorsCarryJobDetail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO fetch_jobs").WillReturnError(errors.New("disk I/O error"))

	job := newTestJob("ocean")
	err = NewQueue(db).Enqueue(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to enqueue job")
	assert.Contains(t, errors.FlattenDetails(err), "Job ID: "+job.ID)
	assert.Contains(t, errors.FlattenDetails(err), "Theme: ocean")
	assert.NoError(t, mock.ExpectationsWereMet())
}
