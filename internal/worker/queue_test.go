package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcsvault/fcsd/internal/task"
)

func newTestQueue(concurrency int) *Queue {
	return NewQueue(zerolog.Nop(), concurrency)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueRunsHandler(t *testing.T) {
	q := newTestQueue(2)

	var mu sync.Mutex
	var seen []string
	q.Register(task.KindUpload, func(ctx context.Context, taskID string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, taskID)
		return nil
	})

	q.Start()
	defer q.Stop()

	q.Enqueue(task.KindUpload, "task00000001")
	q.Enqueue(task.KindUpload, "task00000002")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"task00000001", "task00000002"}, seen)
}

func TestQueueDeduplicatesSameTask(t *testing.T) {
	q := newTestQueue(1)

	var runs atomic.Int64
	q.Register(task.KindUpload, func(ctx context.Context, taskID string) error {
		runs.Add(1)
		return nil
	})

	// Enqueue before starting so all entries land in one drain.
	for i := 0; i < 10; i++ {
		q.Enqueue(task.KindUpload, "task00000001")
	}

	q.Start()
	defer q.Stop()

	waitFor(t, func() bool { return runs.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
}

func TestQueueRetriesFailedHandler(t *testing.T) {
	q := newTestQueue(1)

	var runs atomic.Int64
	q.Register(task.KindUpload, func(ctx context.Context, taskID string) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	q.Start()
	defer q.Stop()

	q.Enqueue(task.KindUpload, "task00000001")

	// Redelivery happens on the drain ticker; the final drain in Stop
	// also counts. Three runs total: two failures then success.
	waitFor(t, func() bool { return runs.Load() == 3 })
}

func TestQueueDropsAfterMaxRetries(t *testing.T) {
	q := newTestQueue(1)

	var runs atomic.Int64
	q.Register(task.KindUpload, func(ctx context.Context, taskID string) error {
		runs.Add(1)
		return errors.New("permanent")
	})

	q.Start()
	q.Enqueue(task.KindUpload, "task00000001")

	// First run plus maxRetries re-runs.
	waitFor(t, func() bool { return runs.Load() == 1+maxRetries })
	q.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1+maxRetries), runs.Load())
}

func TestQueueRecoversFromPanic(t *testing.T) {
	q := newTestQueue(1)

	var uploadRuns, statsRuns atomic.Int64
	q.Register(task.KindUpload, func(ctx context.Context, taskID string) error {
		uploadRuns.Add(1)
		panic("boom")
	})
	q.Register(task.KindStatistics, func(ctx context.Context, taskID string) error {
		statsRuns.Add(1)
		return nil
	})

	q.Start()
	defer q.Stop()

	q.Enqueue(task.KindUpload, "task00000001")
	waitFor(t, func() bool { return uploadRuns.Load() >= 1 })

	// The worker survives and keeps serving other tasks.
	q.Enqueue(task.KindStatistics, "task00000002")
	waitFor(t, func() bool { return statsRuns.Load() == 1 })
}

func TestQueueUnregisteredKindDropped(t *testing.T) {
	q := newTestQueue(1)
	q.Start()
	defer q.Stop()

	// No handler for uploads; the entry is dropped without panic.
	q.Enqueue(task.KindUpload, "task00000001")
	time.Sleep(50 * time.Millisecond)
}

func TestQueueStopWithoutStart(t *testing.T) {
	q := newTestQueue(1)
	require.NotPanics(t, func() { q.Stop() })
}
