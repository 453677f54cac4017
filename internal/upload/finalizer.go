package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fcsvault/fcsd/internal/fcs"
	"github.com/fcsvault/fcsd/internal/ids"
	"github.com/fcsvault/fcsd/internal/metrics"
	"github.com/fcsvault/fcsd/internal/storage"
	"github.com/fcsvault/fcsd/internal/task"
	"github.com/fcsvault/fcsd/pkg/bytesize"
)

// Finalizer promotes completed upload sessions into permanent files:
// it verifies the session, moves the temp file into the permanent tree,
// parses it and records the terminal result. Run is idempotent; the
// processing → finalizing transition guarantees only one attempt does
// the work even if the task is delivered more than once.
type Finalizer struct {
	store   *task.Store
	files   *storage.ChunkStore
	parser  fcs.Parser
	metrics *metrics.ServerMetrics
	logger  zerolog.Logger
}

// NewFinalizer creates a finalizer.
func NewFinalizer(store *task.Store, files *storage.ChunkStore, parser fcs.Parser,
	m *metrics.ServerMetrics, logger zerolog.Logger) *Finalizer {
	return &Finalizer{
		store:   store,
		files:   files,
		parser:  parser,
		metrics: m,
		logger:  logger.With().Str("component", "finalizer").Logger(),
	}
}

// Run finalizes one upload session. It is registered as the worker
// handler for upload tasks. Validation and parse failures terminate the
// session and return nil: retrying cannot fix them.
func (f *Finalizer) Run(ctx context.Context, taskID string) error {
	rec, err := f.store.Get(ctx, taskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		f.logger.Warn().Str("task", taskID).Msg("Finalize requested for unknown task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec.Kind != task.KindUpload || rec.Upload == nil {
		f.logger.Error().Str("task", taskID).Msg("Finalize requested for non-upload task")
		return nil
	}
	if rec.Status.Terminal() {
		// Redelivery after the work was already done.
		return nil
	}

	meta := rec.Upload
	if meta.ReceivedChunks != meta.TotalChunks {
		f.fail(ctx, taskID, "upload incomplete")
		f.logger.Error().
			Str("task", taskID).
			Int("received", meta.ReceivedChunks).
			Int("total", meta.TotalChunks).
			Msg("Finalize requested for incomplete session")
		return nil
	}

	won, err := f.store.TryBeginFinalize(ctx, taskID)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	if !won {
		// Another attempt holds (or held) the transition.
		return nil
	}

	start := time.Now()
	fileID := ids.New()

	permPath, err := f.files.Finalize(taskID, fileID)
	if err != nil {
		f.fail(ctx, taskID, "storage failure during finalization")
		f.logger.Error().Err(err).Str("task", taskID).Msg("Temp file promotion failed")
		return nil
	}

	parsed, err := f.parser.Parse(permPath)
	if err != nil {
		f.compensate(ctx, taskID, fileID, "invalid FCS file")
		f.logger.Error().Err(err).Str("task", taskID).Str("file", fileID).Msg("Parse failed, file removed")
		return nil
	}

	uploadMillis := time.Since(rec.CreatedAt).Milliseconds()
	file := &task.FileRecord{
		FileID:          fileID,
		Filename:        meta.Filename,
		Path:            permPath,
		Size:            meta.TotalSize,
		TotalEvents:     parsed.TotalEvents,
		TotalParameters: parsed.TotalParameters,
		Public:          meta.Public,
		UploadMillis:    uploadMillis,
		Owner:           rec.Owner,
		UploadedAt:      time.Now().UTC(),
	}
	if err := f.store.CreateFile(ctx, file); err != nil {
		f.compensate(ctx, taskID, fileID, "internal error")
		f.logger.Error().Err(err).Str("task", taskID).Str("file", fileID).Msg("File record creation failed")
		return nil
	}

	result := &task.Result{
		FileID:          fileID,
		Filename:        meta.Filename,
		TotalEvents:     parsed.TotalEvents,
		TotalParameters: parsed.TotalParameters,
		UploadMillis:    uploadMillis,
	}
	if err := f.store.Complete(ctx, taskID, fileID, result); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	f.metrics.FinalizeTotal.WithLabelValues("completed").Inc()
	f.metrics.FinalizeSeconds.Observe(time.Since(start).Seconds())
	f.metrics.ActiveSessions.Dec()
	f.logger.Info().
		Str("task", taskID).
		Str("file", fileID).
		Str("size", bytesize.Format(meta.TotalSize)).
		Int("events", parsed.TotalEvents).
		Int("parameters", parsed.TotalParameters).
		Msg("Upload finalized")
	return nil
}

// fail terminates the session with a client-safe message and drops its
// temp file.
func (f *Finalizer) fail(ctx context.Context, taskID, message string) {
	if err := f.store.Fail(ctx, taskID, &task.Result{ErrorMessage: message}); err != nil && !errors.Is(err, task.ErrInvalidState) {
		f.logger.Error().Err(err).Str("task", taskID).Msg("Failed to mark session failed")
	}
	f.files.Abort(taskID)
	f.metrics.FinalizeTotal.WithLabelValues("failed").Inc()
	f.metrics.ActiveSessions.Dec()
}

// compensate removes an already-promoted permanent file before failing
// the session, so no unparseable file stays in the permanent tree.
func (f *Finalizer) compensate(ctx context.Context, taskID, fileID, message string) {
	if err := f.files.Delete(fileID); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
		f.logger.Error().Err(err).Str("file", fileID).Msg("Failed to remove file during compensation")
	}
	if err := f.store.Fail(ctx, taskID, &task.Result{ErrorMessage: message}); err != nil && !errors.Is(err, task.ErrInvalidState) {
		f.logger.Error().Err(err).Str("task", taskID).Msg("Failed to mark session failed")
	}
	f.metrics.FinalizeTotal.WithLabelValues("failed").Inc()
	f.metrics.ActiveSessions.Dec()
}
