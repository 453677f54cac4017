package storage

import "errors"

// Storage error types.
var (
	ErrSessionNotFound = errors.New("upload session not found in storage")
	ErrFileNotFound    = errors.New("file not found in storage")
	ErrChunkTooLarge   = errors.New("chunk exceeds session chunk size")
)
