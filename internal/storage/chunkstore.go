// Package storage provides sharded on-disk storage for chunked uploads
// and finalized FCS files.
//
// Directory structure:
//
//	{baseDir}/
//	  tmp/uploads/
//	    {sid[:2]}/{sid}.tmp   # pre-allocated temp files, one per session
//	  fcs/
//	    {fid[:2]}/{fid}.fcs   # finalized permanent files
//
// Temp files are pre-sized at allocation so concurrent chunk writes target
// disjoint byte ranges and never extend the file; no write lock is needed.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fcsvault/fcsd/internal/ids"
)

const (
	tempDirName = "tmp/uploads"
	permDirName = "fcs"
	tempSuffix  = ".tmp"
	permSuffix  = ".fcs"
)

// ChunkStore is byte-range file storage for upload sessions plus the
// permanent file tree sessions are promoted into.
type ChunkStore struct {
	baseDir string
}

// NewChunkStore creates a chunk store rooted at baseDir.
func NewChunkStore(baseDir string) (*ChunkStore, error) {
	for _, dir := range []string{tempDirName, permDirName} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &ChunkStore{baseDir: baseDir}, nil
}

// tempPath returns the temp file path for a session, sharded by id prefix.
func (s *ChunkStore) tempPath(sessionID string) string {
	return filepath.Join(s.baseDir, tempDirName, ids.Shard(sessionID), sessionID+tempSuffix)
}

// permPath returns the permanent file path for a file id, sharded by prefix.
func (s *ChunkStore) permPath(fileID string) string {
	return filepath.Join(s.baseDir, permDirName, ids.Shard(fileID), fileID+permSuffix)
}

// Allocate creates a pre-sized temp file for an upload session and
// returns its path. The file is truncated to the declared size up front
// so later chunk writes never race to extend it.
func (s *ChunkStore) Allocate(sessionID string, declaredSize int64) (string, error) {
	path := s.tempPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create temp shard dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if err := f.Truncate(declaredSize); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("pre-allocate temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

// WriteChunk writes data at offset index*chunkSize in the session's temp
// file and returns the byte count written. The caller validates exact
// chunk sizes; this layer only rejects payloads larger than the session
// chunk size, which would overlap the next chunk's range.
func (s *ChunkStore) WriteChunk(sessionID string, index int, data []byte, chunkSize int64) (int, error) {
	if int64(len(data)) > chunkSize {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrChunkTooLarge, len(data), chunkSize)
	}

	path := s.tempPath(sessionID)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("open temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	offset := int64(index) * chunkSize
	n, err := f.WriteAt(data, offset)
	if err != nil {
		return n, fmt.Errorf("write chunk %d at offset %d: %w", index, offset, err)
	}
	return n, nil
}

// Finalize atomically promotes a session's temp file to its permanent
// sharded location and returns the permanent path. The now-empty temp
// shard directory is removed best-effort.
func (s *ChunkStore) Finalize(sessionID, fileID string) (string, error) {
	tempPath := s.tempPath(sessionID)
	if _, err := os.Stat(tempPath); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	permPath := s.permPath(fileID)
	if err := os.MkdirAll(filepath.Dir(permPath), 0o755); err != nil {
		return "", fmt.Errorf("create file shard dir: %w", err)
	}
	if err := os.Rename(tempPath, permPath); err != nil {
		return "", fmt.Errorf("promote temp file: %w", err)
	}

	// Ignore failure: the shard dir may still hold other sessions.
	_ = os.Remove(filepath.Dir(tempPath))

	return permPath, nil
}

// Abort removes a session's temp file and, if empty, its shard directory.
// It never fails the caller: abort is best-effort cleanup and the file may
// already be gone.
func (s *ChunkStore) Abort(sessionID string) {
	path := s.tempPath(sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("session", sessionID).Msg("failed to remove temp file")
		return
	}
	_ = os.Remove(filepath.Dir(path))
}

// ListOrphans enumerates the session ids of all temp files on disk, for
// reconciliation against the task store by the expiry sweeper.
func (s *ChunkStore) ListOrphans() ([]string, error) {
	root := filepath.Join(s.baseDir, tempDirName)

	var sessions []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		name := info.Name()
		if !strings.HasSuffix(name, tempSuffix) {
			return nil
		}
		sessions = append(sessions, strings.TrimSuffix(name, tempSuffix))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk temp dir: %w", err)
	}
	return sessions, nil
}

// Path returns the permanent path for a finalized file.
func (s *ChunkStore) Path(fileID string) (string, error) {
	path := s.permPath(fileID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	return path, nil
}

// Exists reports whether a finalized file is present.
func (s *ChunkStore) Exists(fileID string) bool {
	_, err := os.Stat(s.permPath(fileID))
	return err == nil
}

// Delete removes a finalized file. Used as a compensating action when
// parsing or record creation fails after promotion.
func (s *ChunkStore) Delete(fileID string) error {
	path := s.permPath(fileID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
		}
		return fmt.Errorf("delete file: %w", err)
	}
	_ = os.Remove(filepath.Dir(path))
	return nil
}
