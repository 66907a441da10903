// Package dberr defines the error taxonomy shared by every core package.
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way spec.md §7 does: callers branch on
// kind, not on message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidParameter
	KindInvalidFileHeader
	KindInvalidFileVersion
	KindIOError
	KindFileNotFound
	KindWouldBlock
	KindLimitsReached
	KindNetworkError
	KindOutOfMemory
	KindKeyNotFound
	KindDuplicateKey
	KindCursorStillOpen
	KindIntegrityViolated
	KindBlobNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameter:
		return "invalid_parameter"
	case KindInvalidFileHeader:
		return "invalid_file_header"
	case KindInvalidFileVersion:
		return "invalid_file_version"
	case KindIOError:
		return "io_error"
	case KindFileNotFound:
		return "file_not_found"
	case KindWouldBlock:
		return "would_block"
	case KindLimitsReached:
		return "limits_reached"
	case KindNetworkError:
		return "network_error"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindKeyNotFound:
		return "key_not_found"
	case KindDuplicateKey:
		return "duplicate_key"
	case KindCursorStillOpen:
		return "cursor_still_open"
	case KindIntegrityViolated:
		return "integrity_violated"
	case KindBlobNotFound:
		return "blob_not_found"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the operation that
// failed, following the teacher's fmt.Errorf("op: %w", err) convention
// but keeping the Kind machine-readable for callers that need to
// branch (e.g. the page manager retrying on io_error, recovery
// tolerating key_not_found on erase-replay).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, dberr.KeyNotFound) work without allocating a
// sentinel per Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a *Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel values usable with errors.Is(err, dberr.ErrKeyNotFound); the
// Kind comparison in (*Error).Is ignores Op and Err so any *Error of a
// matching Kind satisfies these.
var (
	ErrKeyNotFound        = &Error{Kind: KindKeyNotFound, Op: "*"}
	ErrDuplicateKey       = &Error{Kind: KindDuplicateKey, Op: "*"}
	ErrCursorStillOpen    = &Error{Kind: KindCursorStillOpen, Op: "*"}
	ErrIntegrityViolated  = &Error{Kind: KindIntegrityViolated, Op: "*"}
	ErrBlobNotFound       = &Error{Kind: KindBlobNotFound, Op: "*"}
	ErrWouldBlock         = &Error{Kind: KindWouldBlock, Op: "*"}
	ErrLimitsReached      = &Error{Kind: KindLimitsReached, Op: "*"}
	ErrInvalidParameter   = &Error{Kind: KindInvalidParameter, Op: "*"}
	ErrInvalidFileHeader  = &Error{Kind: KindInvalidFileHeader, Op: "*"}
	ErrInvalidFileVersion = &Error{Kind: KindInvalidFileVersion, Op: "*"}
	ErrFileNotFound       = &Error{Kind: KindFileNotFound, Op: "*"}
	ErrNetworkError       = &Error{Kind: KindNetworkError, Op: "*"}
)

// Of reports whether err carries the given Kind anywhere in its chain.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
