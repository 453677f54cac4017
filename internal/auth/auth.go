// Package auth authenticates API callers with bearer tokens and decides
// what they may touch. Authorization is scope plus ownership: a token
// scope gates the operation kind, and per-record owner checks gate access
// to individual tasks and files.
package auth

import (
	"errors"

	"github.com/fcsvault/fcsd/internal/task"
)

// Token scopes.
const (
	ScopeWrite   = "fcs:write"   // create upload sessions, send chunks
	ScopeAnalyze = "fcs:analyze" // submit statistics jobs
)

// Auth error types.
var (
	ErrUnauthorized = errors.New("invalid or missing credentials")
	ErrForbidden    = errors.New("insufficient scope")
)

// Context is the authenticated caller identity extracted from a token.
type Context struct {
	UserID string
	Scopes []string
}

// HasScope reports whether the caller holds the given scope. The empty
// scope never matches, so lookups for unknown operations fail closed.
func (c *Context) HasScope(scope string) bool {
	if scope == "" {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopeForKind maps a task kind to the scope required to create it.
// Unknown kinds map to the empty scope, which HasScope always rejects.
func ScopeForKind(kind task.Kind) string {
	switch kind {
	case task.KindUpload:
		return ScopeWrite
	case task.KindStatistics:
		return ScopeAnalyze
	default:
		return ""
	}
}

// CanAccess reports whether the caller may read a record owned by owner.
// Public records are readable by anyone authenticated.
func (c *Context) CanAccess(owner string, public bool) bool {
	if public {
		return true
	}
	return owner != "" && c.UserID == owner
}
