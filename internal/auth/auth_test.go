package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcsvault/fcsd/internal/task"
)

func TestTokenRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.IssueToken("alice", []string{ScopeWrite, ScopeAnalyze})
	require.NoError(t, err)

	ctx, err := v.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", ctx.UserID)
	assert.True(t, ctx.HasScope(ScopeWrite))
	assert.True(t, ctx.HasScope(ScopeAnalyze))
	assert.False(t, ctx.HasScope("fcs:admin"))
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	token, err := NewVerifier("secret-a").IssueToken("alice", []string{ScopeWrite})
	require.NoError(t, err)

	_, err = NewVerifier("secret-b").VerifyToken(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyTokenGarbage(t *testing.T) {
	_, err := NewVerifier("secret").VerifyToken("not.a.token")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRequest(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.IssueToken("bob", []string{ScopeAnalyze})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/fcs/tasks/abc", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	ctx, err := v.VerifyRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", ctx.UserID)
}

func TestVerifyRequestMissingHeader(t *testing.T) {
	v := NewVerifier("test-secret")
	r := httptest.NewRequest("GET", "/", nil)

	_, err := v.VerifyRequest(r)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRequestMalformedHeader(t *testing.T) {
	v := NewVerifier("test-secret")
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	_, err := v.VerifyRequest(r)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestScopeForKind(t *testing.T) {
	assert.Equal(t, ScopeWrite, ScopeForKind(task.KindUpload))
	assert.Equal(t, ScopeAnalyze, ScopeForKind(task.KindStatistics))
	assert.Equal(t, "", ScopeForKind(task.Kind("mystery")))
}

func TestUnknownKindFailsClosed(t *testing.T) {
	ctx := &Context{UserID: "alice", Scopes: []string{ScopeWrite, ScopeAnalyze, ""}}
	// Even a token carrying an empty scope string never matches the
	// empty scope an unknown kind maps to.
	assert.False(t, ctx.HasScope(ScopeForKind(task.Kind("mystery"))))
}

func TestCanAccess(t *testing.T) {
	ctx := &Context{UserID: "alice"}
	assert.True(t, ctx.CanAccess("alice", false))
	assert.False(t, ctx.CanAccess("bob", false))
	assert.True(t, ctx.CanAccess("bob", true))
	assert.False(t, ctx.CanAccess("", false))
}
