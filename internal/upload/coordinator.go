// Package upload coordinates chunked upload sessions: session creation,
// chunk acceptance, progress polling, abort, and finalization into the
// permanent file tree.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fcsvault/fcsd/internal/auth"
	"github.com/fcsvault/fcsd/internal/config"
	"github.com/fcsvault/fcsd/internal/fcs"
	"github.com/fcsvault/fcsd/internal/ids"
	"github.com/fcsvault/fcsd/internal/metrics"
	"github.com/fcsvault/fcsd/internal/storage"
	"github.com/fcsvault/fcsd/internal/task"
	"github.com/fcsvault/fcsd/internal/worker"
	"github.com/fcsvault/fcsd/pkg/bytesize"
)

// allowedExtensions whitelists upload filenames by extension.
var allowedExtensions = map[string]bool{".fcs": true}

// Coordinator manages the lifecycle of chunked upload sessions. All
// methods are safe for concurrent use; per-session consistency is
// enforced by the task store's transactional progress updates.
type Coordinator struct {
	store   *task.Store
	files   *storage.ChunkStore
	queue   worker.Enqueuer
	metrics *metrics.ServerMetrics
	logger  zerolog.Logger
	limits  config.UploadConfig
}

// NewCoordinator creates an upload coordinator.
func NewCoordinator(store *task.Store, files *storage.ChunkStore, queue worker.Enqueuer,
	m *metrics.ServerMetrics, logger zerolog.Logger, limits config.UploadConfig) *Coordinator {
	return &Coordinator{
		store:   store,
		files:   files,
		queue:   queue,
		metrics: m,
		logger:  logger.With().Str("component", "upload").Logger(),
		limits:  limits,
	}
}

// InitRequest describes a new upload session.
type InitRequest struct {
	Filename  string
	TotalSize int64
	ChunkSize int64 // 0 selects the server default
	Public    bool
}

// InitResult is returned to the client after session creation.
type InitResult struct {
	TaskID      string
	ChunkSize   int64
	TotalChunks int
	ExpiresAt   time.Time
}

// Init validates the request, creates the durable session record and
// pre-allocates the temp file chunks will be written into.
func (c *Coordinator) Init(ctx context.Context, caller *auth.Context, req InitRequest) (*InitResult, error) {
	if !caller.HasScope(auth.ScopeWrite) {
		return nil, fmt.Errorf("%w: scope %s required", ErrForbidden, auth.ScopeWrite)
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	if req.Filename == "" || !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: extension %q not allowed", ErrInvalidFormat, ext)
	}
	if req.TotalSize <= 0 || req.TotalSize > c.limits.MaxUploadSize.Bytes() {
		return nil, fmt.Errorf("%w: total size %d outside (0, %d]",
			ErrSizeMismatch, req.TotalSize, c.limits.MaxUploadSize.Bytes())
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = c.limits.DefaultChunkSize.Bytes()
	}
	if chunkSize < c.limits.MinChunkSize.Bytes() || chunkSize > c.limits.MaxChunkSize.Bytes() {
		return nil, fmt.Errorf("%w: chunk size %d outside [%d, %d]",
			ErrSizeMismatch, chunkSize, c.limits.MinChunkSize.Bytes(), c.limits.MaxChunkSize.Bytes())
	}

	totalChunks := int(math.Ceil(float64(req.TotalSize) / float64(chunkSize)))
	now := time.Now().UTC()
	expires := now.Add(time.Duration(c.limits.ExpiryHours) * time.Hour)

	rec := &task.Record{
		ID:     ids.New(),
		Kind:   task.KindUpload,
		Status: task.StatusPending,
		Owner:  caller.UserID,
		Upload: &task.UploadMeta{
			Filename:    req.Filename,
			TotalSize:   req.TotalSize,
			ChunkSize:   chunkSize,
			TotalChunks: totalChunks,
			Public:      req.Public,
		},
		CreatedAt: now,
		ExpiresAt: &expires,
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create upload session: %w", err)
	}

	result := &InitResult{
		TaskID:      rec.ID,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		ExpiresAt:   expires,
	}

	// Storage trouble never drops the session: the record flips to
	// failed and the handle is still returned so the client can poll
	// the outcome.
	tempPath, err := c.files.Allocate(rec.ID, req.TotalSize)
	if err != nil {
		c.logger.Error().Err(err).Str("task", rec.ID).Msg("Temp file allocation failed")
		_ = c.store.Fail(ctx, rec.ID, &task.Result{ErrorMessage: "storage allocation failed"})
		return result, nil
	}
	if err := c.store.SetTempPath(ctx, rec.ID, tempPath); err != nil {
		c.logger.Error().Err(err).Str("task", rec.ID).Msg("Recording temp path failed")
		c.files.Abort(rec.ID)
		_ = c.store.Fail(ctx, rec.ID, &task.Result{ErrorMessage: "storage allocation failed"})
		return result, nil
	}
	if err := c.store.MarkProcessing(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("mark session processing: %w", err)
	}

	c.metrics.SessionsStarted.Inc()
	c.metrics.ActiveSessions.Inc()
	c.logger.Info().
		Str("task", rec.ID).
		Str("filename", req.Filename).
		Str("total_size", bytesize.Format(req.TotalSize)).
		Int("total_chunks", totalChunks).
		Msg("Upload session created")

	return result, nil
}

// ChunkResult reports session progress after a chunk was accepted.
type ChunkResult struct {
	ReceivedChunks int
	TotalChunks    int
	Progress       float64
	Completed      bool
}

// AcceptChunk validates and writes one chunk, updates durable progress
// and, for exactly the chunk that completes the session, schedules
// finalization. Duplicate deliveries of an already-received index are
// acknowledged without double-counting.
func (c *Coordinator) AcceptChunk(ctx context.Context, caller *auth.Context, taskID string, index int, data []byte) (*ChunkResult, error) {
	rec, err := c.getUpload(ctx, caller, taskID)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case task.StatusPending:
		// Init normally leaves the session in processing already; a
		// record observed pending here lost that write, so catch it up.
		if err := c.store.MarkProcessing(ctx, taskID); err != nil && !errors.Is(err, task.ErrInvalidState) {
			return nil, fmt.Errorf("mark session processing: %w", err)
		}
	case task.StatusProcessing:
	case task.StatusFinalizing:
		return nil, fmt.Errorf("%w: task %s", ErrFinalizing, taskID)
	default:
		return nil, fmt.Errorf("%w: task %s is %s", ErrConflict, taskID, rec.Status)
	}

	meta := rec.Upload
	if index < 0 || index >= meta.TotalChunks {
		return nil, fmt.Errorf("%w: index %d not in [0, %d)", ErrOutOfRange, index, meta.TotalChunks)
	}
	if expected := meta.ExpectedChunkSize(index); int64(len(data)) != expected {
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, expected %d",
			ErrSizeMismatch, index, len(data), expected)
	}
	if index == 0 && !bytes.HasPrefix(data, fcs.Magic) {
		return nil, fmt.Errorf("%w: missing FCS magic", ErrInvalidFormat)
	}

	start := time.Now()
	if _, err := c.files.WriteChunk(taskID, index, data, meta.ChunkSize); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: session storage gone", ErrConflict)
		}
		return nil, fmt.Errorf("write chunk: %w", err)
	}
	elapsed := time.Since(start)

	updated, completed, err := c.store.RecordChunk(ctx, taskID, index, int64(len(data)), elapsed)
	if err != nil {
		if errors.Is(err, task.ErrInvalidState) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, fmt.Errorf("record chunk: %w", err)
	}

	c.metrics.ChunksReceived.Inc()
	c.metrics.ChunkBytes.Add(float64(len(data)))
	c.metrics.ChunkWriteSeconds.Observe(elapsed.Seconds())

	if completed {
		c.queue.Enqueue(task.KindUpload, taskID)
		c.logger.Info().
			Str("task", taskID).
			Int("chunks", updated.TotalChunks).
			Msg("Upload complete, finalization scheduled")
	}

	return &ChunkResult{
		ReceivedChunks: updated.ReceivedChunks,
		TotalChunks:    updated.TotalChunks,
		Progress:       updated.ProgressPercent(),
		Completed:      completed,
	}, nil
}

// Abort cancels an in-flight session and releases its temp storage.
// Sessions already finalizing or finished cannot be aborted.
func (c *Coordinator) Abort(ctx context.Context, caller *auth.Context, taskID string) error {
	rec, err := c.getUpload(ctx, caller, taskID)
	if err != nil {
		return err
	}

	switch rec.Status {
	case task.StatusPending, task.StatusProcessing:
	case task.StatusFinalizing:
		return fmt.Errorf("%w: task %s", ErrFinalizing, taskID)
	default:
		return fmt.Errorf("%w: task %s is %s", ErrConflict, taskID, rec.Status)
	}

	if err := c.store.Fail(ctx, taskID, &task.Result{ErrorMessage: "upload aborted by client"}); err != nil {
		// The status was checked by read; losing the write means the
		// finalizer got there first and the session is already terminal.
		if errors.Is(err, task.ErrInvalidState) {
			return fmt.Errorf("%w: task %s", ErrConflict, taskID)
		}
		return fmt.Errorf("abort session: %w", err)
	}
	c.files.Abort(taskID)

	c.metrics.SessionsAborted.Inc()
	c.metrics.ActiveSessions.Dec()
	c.logger.Info().Str("task", taskID).Msg("Upload session aborted")
	return nil
}

// Poll returns the task record for status polling. It serves both upload
// sessions and statistics jobs through the same handle.
func (c *Coordinator) Poll(ctx context.Context, caller *auth.Context, taskID string) (*task.Record, error) {
	rec, err := c.store.Get(ctx, taskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	public := rec.Upload != nil && rec.Upload.Public
	if !caller.CanAccess(rec.Owner, public) {
		// Hide existence from non-owners.
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return rec, nil
}

// getUpload loads an upload session and checks ownership. Non-owners get
// ErrNotFound so session ids cannot be probed; owners addressing a task
// of the wrong kind get ErrForbidden.
func (c *Coordinator) getUpload(ctx context.Context, caller *auth.Context, taskID string) (*task.Record, error) {
	rec, err := c.store.Get(ctx, taskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if rec.Owner != caller.UserID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if rec.Kind != task.KindUpload {
		return nil, fmt.Errorf("%w: task %s is not an upload session", ErrForbidden, taskID)
	}
	return rec, nil
}
