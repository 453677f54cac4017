// Package ids generates short, URL-safe identifiers for tasks and files.
package ids

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

// base62Chars is the character set for encoded identifiers: [0-9a-zA-Z].
const base62Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// DefaultLength is the length of generated identifiers. Twelve base62
// characters carry ~71 bits of entropy, enough to make collisions
// negligible for a single deployment.
const DefaultLength = 12

// New returns a new short identifier of DefaultLength characters.
func New() string {
	return NewWithLength(DefaultLength)
}

// NewWithLength returns a new short identifier of the given length.
// UUIDv4 bytes provide the entropy; the result is base62-encoded and
// padded or truncated to the requested length.
func NewWithLength(length int) string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	encoded := encodeBase62(n)

	for len(encoded) < length {
		encoded += randomChar()
	}
	return encoded[:length]
}

// encodeBase62 encodes a non-negative big integer in base62.
func encodeBase62(n *big.Int) string {
	if n.Sign() == 0 {
		return string(base62Chars[0])
	}

	base := big.NewInt(int64(len(base62Chars)))
	rem := new(big.Int)
	var buf []byte

	for n.Sign() > 0 {
		n.DivMod(n, base, rem)
		buf = append(buf, base62Chars[rem.Int64()])
	}

	// Reverse
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

// randomChar returns a single random base62 character.
func randomChar() string {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
	if err != nil {
		// crypto/rand failing means the platform RNG is broken; fall back
		// to a fixed character rather than panicking in an ID helper.
		return string(base62Chars[0])
	}
	return string(base62Chars[idx.Int64()])
}

// Shard returns the directory shard prefix for an identifier: its first
// two characters. Short identifiers shard to themselves.
func Shard(id string) string {
	if len(id) < 2 {
		return id
	}
	return id[:2]
}
