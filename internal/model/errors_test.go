package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("add peer: %w", Conflict("add_peers", "address pool exhausted"))

	assert.True(t, errors.Is(err, ErrConflictingState))
	assert.False(t, errors.Is(err, ErrInvalidInput))
	assert.Equal(t, KindConflictingState, KindOf(err))
}

func TestError_Message(t *testing.T) {
	err := Invalid("update_peer", "mtu %d out of range", 2000)
	assert.Equal(t, "update_peer: mtu 2000 out of range", err.Error())
}

func TestKindOf_UntypedIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestToolFailure_TruncatesStderr(t *testing.T) {
	long := strings.Repeat("x", 2000) + "tail"
	err := ToolFailure("wg set", long, errors.New("exit status 1"))

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Len(t, e.Msg, stderrTailLimit)
	assert.True(t, strings.HasSuffix(e.Msg, "tail"))
	assert.True(t, errors.Is(err, ErrExternalToolFailure))
}

func TestStoreUnavailable_Unwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := StoreUnavailable("list peers", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
