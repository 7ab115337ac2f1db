package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures at component boundaries.
type ErrorKind string

const (
	KindInvalidInput        ErrorKind = "invalid_input"
	KindConflictingState    ErrorKind = "conflicting_state"
	KindExternalToolFailure ErrorKind = "external_tool_failure"
	KindStoreUnavailable    ErrorKind = "store_unavailable"
	KindIntegrityFailure    ErrorKind = "integrity_failure"
	KindInternal            ErrorKind = "internal"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrConflictingState    = &Error{Kind: KindConflictingState}
	ErrExternalToolFailure = &Error{Kind: KindExternalToolFailure}
	ErrStoreUnavailable    = &Error{Kind: KindStoreUnavailable}
	ErrIntegrityFailure    = &Error{Kind: KindIntegrityFailure}
	ErrInternal            = &Error{Kind: KindInternal}
)

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("not found")

// stderrTailLimit bounds how much tool output an error carries.
const stderrTailLimit = 512

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against a sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// KindOf returns the kind of err. Untyped errors are Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Invalid(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflictingState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ToolFailure wraps a failed external command, keeping the tail of stderr.
func ToolFailure(op, stderr string, err error) error {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > stderrTailLimit {
		stderr = stderr[len(stderr)-stderrTailLimit:]
	}
	return &Error{Kind: KindExternalToolFailure, Op: op, Msg: stderr, Err: err}
}

func StoreUnavailable(op string, err error) error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Msg: "peer store unavailable", Err: err}
}

func Integrity(op, format string, args ...any) error {
	return &Error{Kind: KindIntegrityFailure, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Msg: "internal error", Err: err}
}
