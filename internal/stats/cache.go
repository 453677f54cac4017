// Package stats runs asynchronous statistics jobs over finalized FCS
// files and caches their results per file.
package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fcsvault/fcsd/internal/fcs"
)

// ErrCacheMiss is returned when no cached result exists for a file.
var ErrCacheMiss = errors.New("no cached statistics for file")

// Cache stores computed statistics keyed by file id. It shares the task
// store's SQLite database; a cache row exists only for successful runs.
type Cache struct {
	db *sql.DB
}

// NewCache creates a cache over the shared database handle.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Get returns the cached result for a file, or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, fileID string) (*fcs.StatisticsResult, error) {
	var (
		totalEvents int
		raw         string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT total_events, statistics FROM statistics_cache WHERE file_id = ?`, fileID).
		Scan(&totalEvents, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("query statistics cache: %w", err)
	}

	var statistics []fcs.ParameterStats
	if err := json.Unmarshal([]byte(raw), &statistics); err != nil {
		return nil, fmt.Errorf("decode cached statistics: %w", err)
	}
	return &fcs.StatisticsResult{TotalEvents: totalEvents, Statistics: statistics}, nil
}

// Put stores a computed result, replacing any previous entry for the file.
func (c *Cache) Put(ctx context.Context, fileID string, result *fcs.StatisticsResult) error {
	raw, err := json.Marshal(result.Statistics)
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO statistics_cache (file_id, total_events, statistics, calculated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			total_events = excluded.total_events,
			statistics = excluded.statistics,
			calculated_at = excluded.calculated_at`,
		fileID, result.TotalEvents, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store statistics cache: %w", err)
	}
	return nil
}

// Delete removes a cached entry, used when its file is deleted.
func (c *Cache) Delete(ctx context.Context, fileID string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM statistics_cache WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete statistics cache: %w", err)
	}
	return nil
}
