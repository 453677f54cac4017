// Package sweep reclaims abandoned upload state: sessions past their
// deadline decay to expired and lose their temp files, and temp files
// with no live session backing them are removed.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fcsvault/fcsd/internal/metrics"
	"github.com/fcsvault/fcsd/internal/storage"
	"github.com/fcsvault/fcsd/internal/task"
)

// Sweeper runs periodic expiry and orphan sweeps. One item failing never
// stops a sweep; errors are logged and the rest of the batch proceeds.
type Sweeper struct {
	store    *task.Store
	files    *storage.ChunkStore
	metrics  *metrics.ServerMetrics
	logger   zerolog.Logger
	interval time.Duration
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store *task.Store, files *storage.ChunkStore,
	m *metrics.ServerMetrics, logger zerolog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		files:    files,
		metrics:  m,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		interval: interval,
	}
}

// Run executes sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass followed by one orphan pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired := s.SweepExpired(ctx)
	orphans := s.SweepOrphans(ctx)
	if expired > 0 || orphans > 0 {
		s.logger.Info().
			Int("expired", expired).
			Int("orphans", orphans).
			Msg("Sweep completed")
	}
}

// SweepExpired decays sessions past their deadline to expired, removing
// their temp files. It returns the number of sessions reclaimed.
func (s *Sweeper) SweepExpired(ctx context.Context) int {
	records, err := s.store.ListExpiredUploads(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list expired uploads")
		return 0
	}

	var reclaimed int
	for _, rec := range records {
		if err := s.store.MarkExpired(ctx, rec.ID); err != nil {
			// A session that finalized after listing is not decayable
			// anymore; leave it and its file alone.
			if errors.Is(err, task.ErrInvalidState) {
				continue
			}
			s.logger.Error().Err(err).Str("task", rec.ID).Msg("Failed to expire session")
			continue
		}
		s.files.Abort(rec.ID)

		if !rec.Status.Terminal() {
			s.metrics.ActiveSessions.Dec()
		}
		s.metrics.SessionsExpired.Inc()
		reclaimed++
		s.logger.Debug().
			Str("task", rec.ID).
			Str("was", string(rec.Status)).
			Msg("Session expired")
	}
	return reclaimed
}

// SweepOrphans removes temp files whose session is no longer live, for
// example after a crash between storage and record writes. It returns
// the number of files removed.
func (s *Sweeper) SweepOrphans(ctx context.Context) int {
	onDisk, err := s.files.ListOrphans()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list temp files")
		return 0
	}
	if len(onDisk) == 0 {
		return 0
	}

	active, err := s.store.ActiveUploadIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list active sessions")
		return 0
	}

	var removed int
	for _, sessionID := range onDisk {
		if _, ok := active[sessionID]; ok {
			continue
		}
		s.files.Abort(sessionID)
		s.metrics.OrphansRemoved.Inc()
		removed++
		s.logger.Debug().Str("session", sessionID).Msg("Orphaned temp file removed")
	}
	return removed
}
