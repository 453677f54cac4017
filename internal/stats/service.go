package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fcsvault/fcsd/internal/auth"
	"github.com/fcsvault/fcsd/internal/fcs"
	"github.com/fcsvault/fcsd/internal/ids"
	"github.com/fcsvault/fcsd/internal/metrics"
	"github.com/fcsvault/fcsd/internal/task"
	"github.com/fcsvault/fcsd/internal/upload"
	"github.com/fcsvault/fcsd/internal/worker"
)

// SampleFileID selects the built-in sample file instead of an uploaded one.
const SampleFileID = "sample"

// Service submits and runs statistics jobs. Results are cached per file;
// a submission for an already-computed file is answered immediately, and
// one for a file with a job already in flight returns that job instead
// of starting a second.
type Service struct {
	store      *task.Store
	cache      *Cache
	queue      worker.Enqueuer
	metrics    *metrics.ServerMetrics
	logger     zerolog.Logger
	samplePath string
}

// NewService creates a statistics service. samplePath may be empty if no
// built-in sample file is configured.
func NewService(store *task.Store, cache *Cache, queue worker.Enqueuer,
	m *metrics.ServerMetrics, logger zerolog.Logger, samplePath string) *Service {
	return &Service{
		store:      store,
		cache:      cache,
		queue:      queue,
		metrics:    m,
		logger:     logger.With().Str("component", "stats").Logger(),
		samplePath: samplePath,
	}
}

// SubmitResult is the outcome of a statistics submission: either a cached
// result served synchronously or the id of the job computing it.
type SubmitResult struct {
	TaskID string
	Cached *fcs.StatisticsResult
}

// Submit requests statistics for a file. The caller needs the analyze
// scope and access to the file; the sample file is open to any caller
// with the scope.
func (s *Service) Submit(ctx context.Context, caller *auth.Context, fileID string) (*SubmitResult, error) {
	if !caller.HasScope(auth.ScopeAnalyze) {
		return nil, fmt.Errorf("%w: scope %s required", upload.ErrForbidden, auth.ScopeAnalyze)
	}

	path, err := s.resolvePath(ctx, caller, fileID)
	if err != nil {
		return nil, err
	}

	if cached, err := s.cache.Get(ctx, fileID); err == nil {
		s.metrics.StatisticsCacheHit.Inc()
		return &SubmitResult{Cached: cached}, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}

	// Deduplicate against a job already computing this file.
	if existing, err := s.store.FindActiveStatistics(ctx, fileID); err == nil {
		return &SubmitResult{TaskID: existing.ID}, nil
	} else if !errors.Is(err, task.ErrTaskNotFound) {
		return nil, err
	}

	rec := &task.Record{
		ID:        ids.New(),
		Kind:      task.KindStatistics,
		Status:    task.StatusPending,
		Owner:     caller.UserID,
		Stats:     &task.StatsMeta{FileID: fileID, Path: path},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create statistics task: %w", err)
	}

	s.queue.Enqueue(task.KindStatistics, rec.ID)
	s.metrics.StatisticsJobs.Inc()
	s.logger.Info().Str("task", rec.ID).Str("file", fileID).Msg("Statistics job submitted")

	return &SubmitResult{TaskID: rec.ID}, nil
}

// Get returns the cached statistics for a file, or upload.ErrNotFound if
// none were computed yet.
func (s *Service) Get(ctx context.Context, caller *auth.Context, fileID string) (*fcs.StatisticsResult, error) {
	if !caller.HasScope(auth.ScopeAnalyze) {
		return nil, fmt.Errorf("%w: scope %s required", upload.ErrForbidden, auth.ScopeAnalyze)
	}
	if _, err := s.resolvePath(ctx, caller, fileID); err != nil {
		return nil, err
	}

	result, err := s.cache.Get(ctx, fileID)
	if errors.Is(err, ErrCacheMiss) {
		return nil, fmt.Errorf("%w: no statistics for file %s", upload.ErrNotFound, fileID)
	}
	return result, err
}

// Run computes statistics for one job. It is registered as the worker
// handler for statistics tasks. A failed computation terminates the task
// and leaves no cache entry.
func (s *Service) Run(ctx context.Context, taskID string) error {
	rec, err := s.store.Get(ctx, taskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		s.logger.Warn().Str("task", taskID).Msg("Statistics run requested for unknown task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load statistics task: %w", err)
	}
	if rec.Kind != task.KindStatistics || rec.Stats == nil {
		s.logger.Error().Str("task", taskID).Msg("Statistics run requested for non-statistics task")
		return nil
	}
	if rec.Status.Terminal() {
		return nil
	}

	if rec.Status == task.StatusPending {
		if err := s.store.MarkProcessing(ctx, taskID); err != nil && !errors.Is(err, task.ErrInvalidState) {
			return fmt.Errorf("mark statistics processing: %w", err)
		}
	}

	result, err := fcs.CalculateStatistics(rec.Stats.Path)
	if err != nil {
		s.logger.Error().Err(err).Str("task", taskID).Str("file", rec.Stats.FileID).Msg("Statistics computation failed")
		if ferr := s.store.Fail(ctx, taskID, &task.Result{ErrorMessage: "statistics computation failed"}); ferr != nil {
			return fmt.Errorf("fail statistics task: %w", ferr)
		}
		return nil
	}

	if err := s.cache.Put(ctx, rec.Stats.FileID, result); err != nil {
		// The cache is an optimization; the task result is authoritative.
		s.logger.Error().Err(err).Str("file", rec.Stats.FileID).Msg("Failed to cache statistics")
	}

	taskResult := &task.Result{
		FileID:      rec.Stats.FileID,
		TotalEvents: result.TotalEvents,
		Statistics:  result.Statistics,
	}
	if err := s.store.Complete(ctx, taskID, "", taskResult); err != nil {
		return fmt.Errorf("complete statistics task: %w", err)
	}

	s.logger.Info().
		Str("task", taskID).
		Str("file", rec.Stats.FileID).
		Int("events", result.TotalEvents).
		Int("parameters", len(result.Statistics)).
		Msg("Statistics computed")
	return nil
}

// resolvePath maps a file id to a readable path for the caller. Unknown
// files and files the caller cannot access both come back as not found.
func (s *Service) resolvePath(ctx context.Context, caller *auth.Context, fileID string) (string, error) {
	if fileID == SampleFileID {
		if s.samplePath == "" {
			return "", fmt.Errorf("%w: no sample file configured", upload.ErrNotFound)
		}
		return s.samplePath, nil
	}

	file, err := s.store.GetFile(ctx, fileID)
	if errors.Is(err, task.ErrFileNotFound) {
		return "", fmt.Errorf("%w: file %s", upload.ErrNotFound, fileID)
	}
	if err != nil {
		return "", fmt.Errorf("load file record: %w", err)
	}
	if !caller.CanAccess(file.Owner, file.Public) {
		return "", fmt.Errorf("%w: file %s", upload.ErrNotFound, fileID)
	}
	return file.Path, nil
}
