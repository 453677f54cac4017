package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store error types.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrFileNotFound = errors.New("file record not found")
	ErrInvalidState = errors.New("invalid task state for operation")
)

// Store is the durable task-record store backed by SQLite. All mutations
// run in transactions; a store-level write mutex serializes writers so
// read-modify-write progress updates are race-free across concurrent
// chunk uploads (SQLite rejects concurrent write transactions anyway).
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if needed) the task database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=10000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create task tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		owner TEXT NOT NULL,
		metadata TEXT NOT NULL,
		result TEXT,
		file_id TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_kind_status ON tasks(kind, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_expires_at ON tasks(expires_at);

	CREATE TABLE IF NOT EXISTS files (
		file_id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		total_events INTEGER NOT NULL,
		total_parameters INTEGER NOT NULL,
		public INTEGER NOT NULL,
		upload_ms INTEGER NOT NULL,
		owner TEXT NOT NULL,
		uploaded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS statistics_cache (
		file_id TEXT PRIMARY KEY,
		total_events INTEGER NOT NULL,
		statistics TEXT NOT NULL,
		calculated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for stores sharing this database
// (statistics cache).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Create inserts a new task record.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	meta, err := marshalMeta(rec)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, status, owner, metadata, result, file_id, created_at, completed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, NULL, '', ?, NULL, ?)`,
		rec.ID, rec.Kind, rec.Status, rec.Owner, meta, rec.CreatedAt, nullTime(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get loads a task record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, owner, metadata, result, file_id, created_at, completed_at, expires_at
		FROM tasks WHERE id = ?`, id)
	return scanRecord(row)
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		meta        string
		result      sql.NullString
		completedAt sql.NullTime
		expiresAt   sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Status, &rec.Owner, &meta,
		&result, &rec.FileID, &rec.CreatedAt, &completedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if err := unmarshalMeta(&rec, meta); err != nil {
		return nil, err
	}
	if result.Valid && result.String != "" {
		rec.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), rec.Result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

// marshalMeta encodes the kind-tagged metadata variant. Unknown kinds are
// rejected so new kinds cannot be stored without explicit handling.
func marshalMeta(rec *Record) (string, error) {
	var (
		raw []byte
		err error
	)
	switch rec.Kind {
	case KindUpload:
		if rec.Upload == nil {
			return "", fmt.Errorf("upload task %s has no upload metadata", rec.ID)
		}
		raw, err = json.Marshal(rec.Upload)
	case KindStatistics:
		if rec.Stats == nil {
			return "", fmt.Errorf("statistics task %s has no statistics metadata", rec.ID)
		}
		raw, err = json.Marshal(rec.Stats)
	default:
		return "", fmt.Errorf("unknown task kind %q", rec.Kind)
	}
	if err != nil {
		return "", fmt.Errorf("encode task metadata: %w", err)
	}
	return string(raw), nil
}

func unmarshalMeta(rec *Record, meta string) error {
	switch rec.Kind {
	case KindUpload:
		rec.Upload = &UploadMeta{}
		if err := json.Unmarshal([]byte(meta), rec.Upload); err != nil {
			return fmt.Errorf("decode upload metadata: %w", err)
		}
	case KindStatistics:
		rec.Stats = &StatsMeta{}
		if err := json.Unmarshal([]byte(meta), rec.Stats); err != nil {
			return fmt.Errorf("decode statistics metadata: %w", err)
		}
	default:
		return fmt.Errorf("unknown task kind %q", rec.Kind)
	}
	return nil
}

// SetTempPath records the allocated temp-file location in the session
// metadata.
func (s *Store) SetTempPath(ctx context.Context, id, path string) error {
	_, err := s.updateUploadMeta(ctx, id, func(m *UploadMeta) {
		m.TempPath = path
	})
	return err
}

// MarkProcessing transitions a pending task to processing.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, []Status{StatusPending}, StatusProcessing)
}

// TryBeginFinalize atomically transitions processing → finalizing and
// reports whether this caller won the transition. A false return with a
// nil error means another finalize attempt is (or was) in flight.
func (s *Store) TryBeginFinalize(ctx context.Context, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		StatusFinalizing, id, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("begin finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// transition moves a task from one of the allowed statuses to the target.
func (s *Store) transition(ctx context.Context, id string, from []Status, to Status) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	placeholders := ""
	args := []any{to, id}
	for i, st := range from {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from wrong-state for the caller.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s", ErrInvalidState, id)
	}
	return nil
}

// Complete records a successful terminal result. The expiry deadline is
// cleared: completed results stay pollable indefinitely.
func (s *Store) Complete(ctx context.Context, id, fileID string, result *Result) error {
	return s.finish(ctx, id, StatusCompleted, fileID, result, true)
}

// Fail records a failed terminal result with a client-safe message. The
// deadline is kept so the sweep later decays the failed record to expired.
func (s *Store) Fail(ctx context.Context, id string, result *Result) error {
	return s.finish(ctx, id, StatusFailed, "", result, false)
}

// finish commits a terminal result. The status guard makes terminal
// records immutable: once completed, failed or expired, no later Fail or
// Complete can rewrite them, and a caller losing that race gets
// ErrInvalidState.
func (s *Store) finish(ctx context.Context, id string, status Status, fileID string, result *Result, clearExpiry bool) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, file_id = CASE WHEN ? != '' THEN ? ELSE file_id END,
		    completed_at = ?, expires_at = CASE WHEN ? THEN NULL ELSE expires_at END
		WHERE id = ? AND status IN (?, ?, ?)`,
		status, string(raw), fileID, fileID, time.Now().UTC(), clearExpiry, id,
		StatusPending, StatusProcessing, StatusFinalizing)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s already terminal", ErrInvalidState, id)
	}
	return nil
}

// MarkExpired transitions an abandoned task to expired and clears its
// deadline. Only the decayable statuses qualify; a task that reached
// completed in the meantime is left untouched and ErrInvalidState is
// returned so the sweep can skip it.
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, expires_at = NULL WHERE id = ? AND status IN (?, ?, ?, ?)`,
		StatusExpired, id, StatusPending, StatusProcessing, StatusFinalizing, StatusFailed)
	if err != nil {
		return fmt.Errorf("expire task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s not decayable", ErrInvalidState, id)
	}
	return nil
}

// RecordChunk applies one accepted chunk to the session's progress
// counters inside a single transaction. Re-delivery of an index already
// present updates nothing but the cumulative write latency, so duplicate
// chunks never double-count. The returned flag is true for exactly the
// call that pushed the session to completion.
func (s *Store) RecordChunk(ctx context.Context, id string, index int, size int64, elapsed time.Duration) (*UploadMeta, bool, error) {
	var completed bool
	meta, err := s.updateUploadMeta(ctx, id, func(m *UploadMeta) {
		m.ChunkWriteMillis += elapsed.Milliseconds()
		if m.HasChunk(index) {
			return
		}
		m.ReceivedIndices = append(m.ReceivedIndices, index)
		m.ReceivedChunks++
		m.ReceivedBytes += size
		completed = m.ReceivedChunks == m.TotalChunks
	})
	if err != nil {
		return nil, false, err
	}
	return meta, completed, nil
}

// updateUploadMeta runs a transactional read-modify-write on the session
// metadata, serialized by the store write mutex. The status is checked
// inside the transaction before mutating, so a session that went
// finalizing or terminal concurrently is rejected with ErrInvalidState
// and nothing is committed.
func (s *Store) updateUploadMeta(ctx context.Context, id string, mutate func(*UploadMeta)) (*UploadMeta, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		kind   Kind
		status Status
		raw    string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT kind, status, metadata FROM tasks WHERE id = ?`, id).Scan(&kind, &status, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task metadata: %w", err)
	}
	if kind != KindUpload {
		return nil, fmt.Errorf("%w: task %s is not an upload session", ErrInvalidState, id)
	}
	if status != StatusPending && status != StatusProcessing {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, status)
	}

	meta := &UploadMeta{}
	if err := json.Unmarshal([]byte(raw), meta); err != nil {
		return nil, fmt.Errorf("decode upload metadata: %w", err)
	}

	mutate(meta)

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode upload metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET metadata = ? WHERE id = ?`, string(encoded), id); err != nil {
		return nil, fmt.Errorf("update upload metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit metadata update: %w", err)
	}
	return meta, nil
}

// ListExpiredUploads returns upload sessions whose deadline has passed
// and whose status still allows the expired decay.
func (s *Store) ListExpiredUploads(ctx context.Context, now time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, owner, metadata, result, file_id, created_at, completed_at, expires_at
		FROM tasks
		WHERE kind = ? AND status IN (?, ?, ?, ?) AND expires_at IS NOT NULL AND expires_at < ?`,
		KindUpload, StatusPending, StatusProcessing, StatusFinalizing, StatusFailed, now)
	if err != nil {
		return nil, fmt.Errorf("query expired uploads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ActiveUploadIDs returns the ids of all upload sessions that may still
// legitimately own a temp file.
func (s *Store) ActiveUploadIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE kind = ? AND status IN (?, ?, ?)`,
		KindUpload, StatusPending, StatusProcessing, StatusFinalizing)
	if err != nil {
		return nil, fmt.Errorf("query active uploads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	active := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		active[id] = struct{}{}
	}
	return active, rows.Err()
}

// FindActiveStatistics returns a pending or processing statistics task
// for the given file id, or ErrTaskNotFound.
func (s *Store) FindActiveStatistics(ctx context.Context, fileID string) (*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, owner, metadata, result, file_id, created_at, completed_at, expires_at
		FROM tasks WHERE kind = ? AND status IN (?, ?)`,
		KindStatistics, StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("query statistics tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if rec.Stats != nil && rec.Stats.FileID == fileID {
			return rec, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrTaskNotFound
}

// CreateFile inserts a finalized file record.
func (s *Store) CreateFile(ctx context.Context, f *FileRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (file_id, filename, path, size, total_events, total_parameters, public, upload_ms, owner, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FileID, f.Filename, f.Path, f.Size, f.TotalEvents, f.TotalParameters,
		boolInt(f.Public), f.UploadMillis, f.Owner, f.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}
	return nil
}

// GetFile loads a finalized file record by file id.
func (s *Store) GetFile(ctx context.Context, fileID string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, filename, path, size, total_events, total_parameters, public, upload_ms, owner, uploaded_at
		FROM files WHERE file_id = ?`, fileID)

	var (
		f      FileRecord
		public int
	)
	err := row.Scan(&f.FileID, &f.Filename, &f.Path, &f.Size, &f.TotalEvents,
		&f.TotalParameters, &public, &f.UploadMillis, &f.Owner, &f.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan file record: %w", err)
	}
	f.Public = public != 0
	return &f, nil
}

// DeleteFile removes a file record, used when compensating a failed
// finalize.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
