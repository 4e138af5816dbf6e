package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "storyreel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobsRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := jobs.Job{
		ID:         "job-1",
		AssignedID: "job-1",
		Mode:       backend.ModeVideo,
		Label:      "Chunk 2 of 3",
		Extension:  "mp4",
		State:      jobs.StatePolling,
		Status:     backend.StatusProcessing,
		Progress:   40,
		Message:    "Processing... 40% complete",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.UpsertJob(ctx, job))

	job.State = jobs.StateCompleted
	job.Status = backend.StatusCompleted
	job.Progress = 100
	job.UpdatedAt = now.Add(time.Second)
	require.NoError(t, store.UpsertJob(ctx, job))

	got, ok, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs.StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "Chunk 2 of 3", got.Label)
	assert.Equal(t, "mp4", got.Extension)
	assert.Equal(t, backend.ModeVideo, got.Mode)
	assert.True(t, got.CreatedAt.Equal(now))

	_, ok, err = store.GetJob(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_IgnoresOlderSnapshots(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	newer := jobs.Job{AssignedID: "a", Mode: backend.ModeAudio, State: jobs.StateCompleted, Progress: 100, CreatedAt: now, UpdatedAt: now.Add(time.Second)}
	older := jobs.Job{AssignedID: "a", Mode: backend.ModeAudio, State: jobs.StatePolling, Progress: 10, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.UpsertJob(ctx, newer))
	require.NoError(t, store.UpsertJob(ctx, older))

	got, ok, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs.StateCompleted, got.State)
}

func TestSQLiteStore_ListAndPrune(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, state := range []jobs.State{jobs.StateCompleted, jobs.StateFailed, jobs.StatePolling} {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.UpsertJob(ctx, jobs.Job{
			AssignedID: string(rune('a' + i)),
			Mode:       backend.ModeVideo,
			State:      state,
			CreatedAt:  at,
			UpdatedAt:  at,
		}))
	}

	all, err := store.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].AssignedID)

	limited, err := store.ListJobs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	removed, err := store.DeleteJobsBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	left, err := store.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, jobs.StatePolling, left[0].State)
}

func TestSQLiteStore_RejectsJobWithoutID(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	assert.Error(t, store.UpsertJob(context.Background(), jobs.Job{Mode: backend.ModeVideo}))
}

func TestSQLiteStore_ReopenKeepsMigrations(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "storyreel.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.UpsertJob(context.Background(), jobs.Job{AssignedID: "x", Mode: backend.ModeBook, State: jobs.StateCompleted}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	_, ok, err := reopened.GetJob(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("12"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}
