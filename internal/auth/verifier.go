package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyRequest authenticates an HTTP request from its Authorization
// header and returns the caller context.
func (v *Verifier) VerifyRequest(r *http.Request) (*Context, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("%w: no authorization header", ErrUnauthorized)
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
	}

	return v.VerifyToken(parts[1])
}

// VerifyToken validates a raw JWT and extracts the caller context.
func (v *Verifier) VerifyToken(tokenString string) (*Context, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}

	return &Context{UserID: sub, Scopes: claimScopes(claims)}, nil
}

// claimScopes reads the "scopes" claim, accepting either a JSON array or
// a space-separated string.
func claimScopes(claims jwt.MapClaims) []string {
	switch v := claims["scopes"].(type) {
	case []any:
		scopes := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

// IssueToken signs a token for the given user and scopes. Used by tests
// and the token generation command.
func (v *Verifier) IssueToken(userID string, scopes []string) (string, error) {
	claims := jwt.MapClaims{
		"sub":    userID,
		"scopes": scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
