package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLengthAndCharset(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := New()
		require.Len(t, id, DefaultLength)
		for _, c := range id {
			assert.True(t, strings.ContainsRune(base62Chars, c), "unexpected character %q in %s", c, id)
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewWithLength(t *testing.T) {
	assert.Len(t, NewWithLength(4), 4)
	assert.Len(t, NewWithLength(32), 32)
}

func TestShard(t *testing.T) {
	assert.Equal(t, "ab", Shard("abcdef"))
	assert.Equal(t, "a", Shard("a"))
	assert.Equal(t, "", Shard(""))
}
