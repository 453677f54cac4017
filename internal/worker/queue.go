// Package worker runs background task handlers with at-least-once
// delivery inside the process. Work survives handler failures through
// bounded re-enqueueing, not through persistence; durable state lives in
// the task store and every handler is required to be idempotent.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fcsvault/fcsd/internal/task"
)

// Handler processes one task by id. Returning an error re-enqueues the
// task until the retry budget is exhausted.
type Handler func(ctx context.Context, taskID string) error

// Enqueuer schedules tasks for background processing. Services depend on
// this interface so tests can observe scheduling directly.
type Enqueuer interface {
	Enqueue(kind task.Kind, taskID string)
}

// queueEntry is one pending task in the queue.
type queueEntry struct {
	taskID     string
	kind       task.Kind
	enqueuedAt time.Time
	retries    int
}

// Queue dispatches enqueued tasks to registered kind handlers. Enqueue is
// O(1) and non-blocking; duplicate enqueues of the same task id collapse
// into a single pending entry.
type Queue struct {
	logger      zerolog.Logger
	handlers    map[task.Kind]Handler
	concurrency int

	pending sync.Map // taskID -> *queueEntry
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const (
	drainInterval = 5 * time.Second
	maxRetries    = 3
)

// NewQueue creates a queue that runs at most concurrency handlers at once.
func NewQueue(logger zerolog.Logger, concurrency int) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		logger:      logger.With().Str("component", "worker").Logger(),
		handlers:    make(map[task.Kind]Handler),
		concurrency: concurrency,
		wake:        make(chan struct{}, 1),
	}
}

// Register binds a handler to a task kind. Must be called before Start.
func (q *Queue) Register(kind task.Kind, h Handler) {
	q.handlers[kind] = h
}

// Enqueue schedules a task for background processing. Safe to call from
// request handlers; never blocks.
func (q *Queue) Enqueue(kind task.Kind, taskID string) {
	q.pending.Store(taskID, &queueEntry{
		taskID:     taskID,
		kind:       kind,
		enqueuedAt: time.Now(),
	})

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the queue worker goroutine.
func (q *Queue) Start() {
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.wg.Add(1)
	go q.run()
}

// Stop drains outstanding work with a timeout and shuts the worker down.
func (q *Queue) Stop() {
	if q.cancel == nil {
		return
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	q.drain(drainCtx)
	cancel()

	q.cancel()
	q.wg.Wait()
}

// run wakes on signal or every drainInterval and drains pending entries.
// The ticker doubles as redelivery for entries re-enqueued after failure.
func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			q.drain(q.ctx)
		case <-ticker.C:
			q.drain(q.ctx)
		}
	}
}

// drain snapshots the pending map, clears it, and processes all entries
// with bounded concurrency.
func (q *Queue) drain(ctx context.Context) {
	var entries []*queueEntry
	q.pending.Range(func(key, value any) bool {
		entries = append(entries, value.(*queueEntry))
		q.pending.Delete(key)
		return true
	})

	if len(entries) == 0 {
		return
	}

	q.logger.Debug().Int("entries", len(entries)).Msg("Draining task queue")

	sem := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wg.Add(1)
		go func(e *queueEntry) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			q.process(ctx, e)
		}(entry)
	}

	wg.Wait()
}

// process runs one entry's handler, recovering panics into errors so a
// bad task cannot take the worker down.
func (q *Queue) process(ctx context.Context, entry *queueEntry) {
	handler, ok := q.handlers[entry.kind]
	if !ok {
		q.logger.Error().
			Str("task", entry.taskID).
			Str("kind", string(entry.kind)).
			Msg("No handler registered for task kind, dropping")
		return
	}

	err := q.invoke(ctx, handler, entry.taskID)
	if err == nil {
		return
	}

	q.logger.Error().Err(err).
		Str("task", entry.taskID).
		Str("kind", string(entry.kind)).
		Int("retry", entry.retries).
		Msg("Task handler failed")

	q.reEnqueueOnFailure(entry)
}

func (q *Queue) invoke(ctx context.Context, handler Handler, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, taskID)
}

// reEnqueueOnFailure re-enqueues a failed entry up to maxRetries. If a
// newer entry for the same task arrived in the meantime it wins.
func (q *Queue) reEnqueueOnFailure(entry *queueEntry) {
	if entry.retries >= maxRetries {
		q.logger.Warn().
			Str("task", entry.taskID).
			Str("kind", string(entry.kind)).
			Int("retries", entry.retries).
			Msg("Task failed after max retries, dropping")
		return
	}

	_, loaded := q.pending.LoadOrStore(entry.taskID, &queueEntry{
		taskID:     entry.taskID,
		kind:       entry.kind,
		enqueuedAt: time.Now(),
		retries:    entry.retries + 1,
	})

	if !loaded {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}
