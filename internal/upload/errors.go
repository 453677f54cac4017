package upload

import "errors"

// Upload service error types. Handlers map these onto HTTP statuses; the
// wrapped detail stays in logs and never reaches clients verbatim.
var (
	ErrNotFound      = errors.New("task not found")
	ErrForbidden     = errors.New("access denied")
	ErrConflict      = errors.New("task state conflict")
	ErrOutOfRange    = errors.New("chunk index out of range")
	ErrSizeMismatch  = errors.New("chunk size mismatch")
	ErrInvalidFormat = errors.New("invalid file format")
	ErrIncomplete    = errors.New("upload incomplete")
	ErrFinalizing    = errors.New("upload already finalizing")
)
