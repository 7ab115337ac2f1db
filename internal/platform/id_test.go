package platform

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.NotEqual(t, id, NewID())
}

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool, 50)
	for i := 0; i < 50; i++ {
		tok := NewToken(32)
		assert.Len(t, tok, 43)
		assert.Regexp(t, `^[A-Za-z0-9_-]+$`, tok)
		assert.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
	assert.Len(t, NewToken(16), 22)
}
