package upload

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcsvault/fcsd/internal/auth"
	"github.com/fcsvault/fcsd/internal/config"
	"github.com/fcsvault/fcsd/internal/fcs"
	"github.com/fcsvault/fcsd/internal/metrics"
	"github.com/fcsvault/fcsd/internal/storage"
	"github.com/fcsvault/fcsd/internal/task"
	"github.com/fcsvault/fcsd/pkg/bytesize"
	"github.com/fcsvault/fcsd/testutil"
)

// fakeQueue records enqueued tasks instead of running them.
type fakeQueue struct {
	mu      sync.Mutex
	entries []string
}

func (q *fakeQueue) Enqueue(_ task.Kind, taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, taskID)
}

func (q *fakeQueue) count(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for _, id := range q.entries {
		if id == taskID {
			n++
		}
	}
	return n
}

type testEnv struct {
	store *task.Store
	files *storage.ChunkStore
	queue *fakeQueue
	coord *Coordinator
	fin   *Finalizer
}

func testLimits() config.UploadConfig {
	return config.UploadConfig{
		DefaultChunkSize: bytesize.Size(5 * bytesize.MB),
		MinChunkSize:     bytesize.Size(1 * bytesize.MB),
		MaxChunkSize:     bytesize.Size(10 * bytesize.MB),
		MaxUploadSize:    bytesize.Size(100 * bytesize.MB),
		ExpiryHours:      24,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := task.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := storage.NewChunkStore(t.TempDir())
	require.NoError(t, err)

	queue := &fakeQueue{}
	m := metrics.InitMetrics()
	coord := NewCoordinator(store, files, queue, m, zerolog.Nop(), testLimits())
	fin := NewFinalizer(store, files, fcs.FlowParser{}, m, zerolog.Nop())

	return &testEnv{store: store, files: files, queue: queue, coord: coord, fin: fin}
}

func writer() *auth.Context {
	return &auth.Context{UserID: "alice", Scopes: []string{auth.ScopeWrite}}
}

func TestInitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  InitRequest
		want error
	}{
		{"wrong extension", InitRequest{Filename: "data.csv", TotalSize: 100}, ErrInvalidFormat},
		{"no filename", InitRequest{TotalSize: 100}, ErrInvalidFormat},
		{"zero size", InitRequest{Filename: "a.fcs", TotalSize: 0}, ErrSizeMismatch},
		{"too large", InitRequest{Filename: "a.fcs", TotalSize: 101 << 20}, ErrSizeMismatch},
		{"chunk too small", InitRequest{Filename: "a.fcs", TotalSize: 100, ChunkSize: 1024}, ErrSizeMismatch},
		{"chunk too large", InitRequest{Filename: "a.fcs", TotalSize: 100, ChunkSize: 11 << 20}, ErrSizeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.coord.Init(ctx, writer(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInitRequiresWriteScope(t *testing.T) {
	env := newTestEnv(t)
	caller := &auth.Context{UserID: "alice", Scopes: []string{auth.ScopeAnalyze}}

	_, err := env.coord.Init(context.Background(), caller, InitRequest{Filename: "a.fcs", TotalSize: 100})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestInitCreatesSessionAndTempFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.coord.Init(ctx, writer(), InitRequest{
		Filename:  "sample.fcs",
		TotalSize: 10_500_000,
		ChunkSize: 5 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5<<20), result.ChunkSize)
	assert.Equal(t, 3, result.TotalChunks)

	rec, err := env.store.Get(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, rec.Status)
	assert.Equal(t, "alice", rec.Owner)
	assert.NotEmpty(t, rec.Upload.TempPath)
	assert.NotNil(t, rec.ExpiresAt)
}

func TestUploadEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	// Roughly 2.5MB so a 1MB chunk size yields three chunks.
	events := 210_000
	data := testutil.SampleFCS(t, events)
	require.Greater(t, len(data), 2<<20)

	chunkSize := int64(1 << 20)
	result, err := env.coord.Init(ctx, caller, InitRequest{
		Filename:  "sample.fcs",
		TotalSize: int64(len(data)),
		ChunkSize: chunkSize,
	})
	require.NoError(t, err)

	chunks := testutil.ChunkPayloads(data, chunkSize)
	require.Len(t, chunks, result.TotalChunks)

	for i, chunk := range chunks {
		res, err := env.coord.AcceptChunk(ctx, caller, result.TaskID, i, chunk)
		require.NoError(t, err, "chunk %d", i)
		assert.Equal(t, i+1, res.ReceivedChunks)
		if i == len(chunks)-1 {
			assert.True(t, res.Completed)
			assert.Equal(t, 100.0, res.Progress)
		} else {
			assert.False(t, res.Completed)
		}
	}

	// Completion scheduled finalization exactly once.
	require.Equal(t, 1, env.queue.count(result.TaskID))

	require.NoError(t, env.fin.Run(ctx, result.TaskID))

	rec, err := env.store.Get(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, events, rec.Result.TotalEvents)
	assert.Equal(t, 3, rec.Result.TotalParameters)
	assert.NotEmpty(t, rec.FileID)
	assert.Nil(t, rec.ExpiresAt)

	file, err := env.store.GetFile(ctx, rec.FileID)
	require.NoError(t, err)
	assert.Equal(t, "sample.fcs", file.Filename)
	assert.Equal(t, int64(len(data)), file.Size)
	assert.True(t, env.files.Exists(rec.FileID))
}

func TestChunkProgressAtFixedSizes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	chunkSize := int64(5_242_880)
	result, err := env.coord.Init(ctx, caller, InitRequest{
		Filename: "sample.fcs", TotalSize: 2 * chunkSize, ChunkSize: chunkSize,
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.TotalChunks)

	first := make([]byte, chunkSize)
	copy(first, "FCS3.1")
	res, err := env.coord.AcceptChunk(ctx, caller, result.TaskID, 0, first)
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Progress)
	assert.False(t, res.Completed)

	res, err = env.coord.AcceptChunk(ctx, caller, result.TaskID, 1, make([]byte, chunkSize))
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Progress)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, env.queue.count(result.TaskID))
}

func TestAcceptChunkDuplicateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	data := testutil.SampleFCS(t, 210_000)
	chunkSize := int64(1 << 20)
	result, err := env.coord.Init(ctx, caller, InitRequest{
		Filename: "sample.fcs", TotalSize: int64(len(data)), ChunkSize: chunkSize,
	})
	require.NoError(t, err)

	chunks := testutil.ChunkPayloads(data, chunkSize)

	res, err := env.coord.AcceptChunk(ctx, caller, result.TaskID, 0, chunks[0])
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReceivedChunks)

	res, err = env.coord.AcceptChunk(ctx, caller, result.TaskID, 0, chunks[0])
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReceivedChunks, "duplicate must not double-count")
	assert.False(t, res.Completed)
}

func TestAcceptChunkOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	result, err := env.coord.Init(ctx, caller, InitRequest{
		Filename: "sample.fcs", TotalSize: 100,
	})
	require.NoError(t, err)

	_, err = env.coord.AcceptChunk(ctx, caller, result.TaskID, 5, []byte("x"))
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = env.coord.AcceptChunk(ctx, caller, result.TaskID, -1, []byte("x"))
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAcceptChunkSizeMismatchLeavesCountersUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	result, err := env.coord.Init(ctx, caller, InitRequest{
		Filename: "sample.fcs", TotalSize: 100,
	})
	require.NoError(t, err)

	// 100-byte single-chunk session: a 99-byte payload is rejected.
	_, err = env.coord.AcceptChunk(ctx, caller, result.TaskID, 0, make([]byte, 99))
	require.ErrorIs(t, err, ErrSizeMismatch)

	rec, err := env.store.Get(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Zero(t, rec.Upload.ReceivedChunks)
	assert.Zero(t, rec.Upload.ReceivedBytes)
}

func TestAcceptChunkRejectsWrongMagic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	result, err := env.coord.Init(ctx, caller, InitRequest{
		Filename: "sample.fcs", TotalSize: 100,
	})
	require.NoError(t, err)

	payload := make([]byte, 100)
	copy(payload, "XXX not fcs")
	_, err = env.coord.AcceptChunk(ctx, caller, result.TaskID, 0, payload)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestAcceptChunkHidesForeignSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.coord.Init(ctx, writer(), InitRequest{
		Filename: "sample.fcs", TotalSize: 100,
	})
	require.NoError(t, err)

	mallory := &auth.Context{UserID: "mallory", Scopes: []string{auth.ScopeWrite}}
	_, err = env.coord.AcceptChunk(ctx, mallory, result.TaskID, 0, make([]byte, 100))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptChunkWrongKindForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	rec := &task.Record{
		ID:        "statsjob0001",
		Kind:      task.KindStatistics,
		Status:    task.StatusPending,
		Owner:     caller.UserID,
		Stats:     &task.StatsMeta{FileID: "file00000001"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.store.Create(ctx, rec))

	_, err := env.coord.AcceptChunk(ctx, caller, rec.ID, 0, make([]byte, 100))
	require.ErrorIs(t, err, ErrForbidden)
}

func TestConcurrentFinalChunkSchedulesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	data := testutil.SampleFCS(t, 210_000)
	chunkSize := int64(1 << 20)
	result, err := env.coord.Init(ctx, caller, InitRequest{
		Filename: "sample.fcs", TotalSize: int64(len(data)), ChunkSize: chunkSize,
	})
	require.NoError(t, err)

	chunks := testutil.ChunkPayloads(data, chunkSize)
	for i := 0; i < len(chunks)-1; i++ {
		_, err := env.coord.AcceptChunk(ctx, caller, result.TaskID, i, chunks[i])
		require.NoError(t, err)
	}

	// The final chunk arrives from several goroutines at once.
	const racers = 10
	last := len(chunks) - 1
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			_, _ = env.coord.AcceptChunk(ctx, caller, result.TaskID, last, chunks[last])
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.queue.count(result.TaskID), "finalize must be scheduled exactly once")
}

func TestAbort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	caller := writer()

	result, err := env.coord.Init(ctx, caller, InitRequest{
		Filename: "sample.fcs", TotalSize: 100,
	})
	require.NoError(t, err)

	require.NoError(t, env.coord.Abort(ctx, caller, result.TaskID))

	rec, err := env.store.Get(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, rec.Status)

	// Chunks after abort are refused.
	_, err = env.coord.AcceptChunk(ctx, caller, result.TaskID, 0, make([]byte, 100))
	require.ErrorIs(t, err, ErrConflict)

	// Aborting again conflicts too.
	require.ErrorIs(t, env.coord.Abort(ctx, caller, result.TaskID), ErrConflict)
}

func TestPollHidesForeignTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.coord.Init(ctx, writer(), InitRequest{
		Filename: "sample.fcs", TotalSize: 100,
	})
	require.NoError(t, err)

	rec, err := env.coord.Poll(ctx, writer(), result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, result.TaskID, rec.ID)

	mallory := &auth.Context{UserID: "mallory"}
	_, err = env.coord.Poll(ctx, mallory, result.TaskID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPollPublicSessionVisible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.coord.Init(ctx, writer(), InitRequest{
		Filename: "sample.fcs", TotalSize: 100, Public: true,
	})
	require.NoError(t, err)

	other := &auth.Context{UserID: "bob"}
	rec, err := env.coord.Poll(ctx, other, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, result.TaskID, rec.ID)
}
