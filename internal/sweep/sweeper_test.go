package sweep

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcsvault/fcsd/internal/metrics"
	"github.com/fcsvault/fcsd/internal/storage"
	"github.com/fcsvault/fcsd/internal/task"
)

type sweepEnv struct {
	store   *task.Store
	files   *storage.ChunkStore
	sweeper *Sweeper
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()

	store, err := task.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := storage.NewChunkStore(t.TempDir())
	require.NoError(t, err)

	sweeper := NewSweeper(store, files, metrics.InitMetrics(), zerolog.Nop(), time.Minute)
	return &sweepEnv{store: store, files: files, sweeper: sweeper}
}

func createSession(t *testing.T, env *sweepEnv, id string, expiresAt time.Time, allocate bool) {
	t.Helper()
	rec := &task.Record{
		ID:     id,
		Kind:   task.KindUpload,
		Status: task.StatusPending,
		Owner:  "alice",
		Upload: &task.UploadMeta{
			Filename:    "sample.fcs",
			TotalSize:   1024,
			ChunkSize:   1024,
			TotalChunks: 1,
		},
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt: &expiresAt,
	}
	require.NoError(t, env.store.Create(context.Background(), rec))
	if allocate {
		_, err := env.files.Allocate(id, 1024)
		require.NoError(t, err)
	}
}

func TestSweepExpiredReclaimsOverdueSessions(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	createSession(t, env, "sessionold01", past, true)
	createSession(t, env, "sessionnew01", future, true)

	reclaimed := env.sweeper.SweepExpired(ctx)
	assert.Equal(t, 1, reclaimed)

	old, err := env.store.Get(ctx, "sessionold01")
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, old.Status)
	assert.Nil(t, old.ExpiresAt)

	fresh, err := env.store.Get(ctx, "sessionnew01")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, fresh.Status)

	// The expired session's temp file is gone, the live one remains.
	orphans, err := env.files.ListOrphans()
	require.NoError(t, err)
	assert.Equal(t, []string{"sessionnew01"}, orphans)
}

func TestSweepExpiredDecaysFailedSessions(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	// Failing keeps the deadline, so once it passes the failed record
	// decays to expired.
	past := time.Now().UTC().Add(-time.Hour)
	createSession(t, env, "sessionfail1", past, false)
	require.NoError(t, env.store.Fail(ctx, "sessionfail1", &task.Result{ErrorMessage: "aborted"}))

	reclaimed := env.sweeper.SweepExpired(ctx)
	assert.Equal(t, 1, reclaimed)

	rec, err := env.store.Get(ctx, "sessionfail1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, rec.Status)
}

func TestSweepOrphansRemovesUnbackedTempFiles(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	createSession(t, env, "sessionlive1", future, true)

	// A temp file with no task record behind it, e.g. after a crash
	// between allocation and record creation.
	_, err := env.files.Allocate("sessionlost1", 1024)
	require.NoError(t, err)

	removed := env.sweeper.SweepOrphans(ctx)
	assert.Equal(t, 1, removed)

	orphans, err := env.files.ListOrphans()
	require.NoError(t, err)
	assert.Equal(t, []string{"sessionlive1"}, orphans)
}

func TestSweepEmptyStateIsQuiet(t *testing.T) {
	env := newSweepEnv(t)
	env.sweeper.Sweep(context.Background())
}
