package uploader

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies terminal failures of a sliced upload.
type Kind string

const (
	KindInvalidInput        Kind = "invalid-input"
	KindFileNotReadable     Kind = "file-not-readable"
	KindRetriesExhausted    Kind = "retries-exhausted"
	KindManifestWriteFailed Kind = "manifest-write-failed"
)

// Sentinels matching each Kind with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrFileNotReadable     = errors.New("file not readable")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrManifestWriteFailed = errors.New("manifest write failed")
)

var kindSentinels = map[Kind]error{
	KindInvalidInput:        ErrInvalidInput,
	KindFileNotReadable:     ErrFileNotReadable,
	KindRetriesExhausted:    ErrRetriesExhausted,
	KindManifestWriteFailed: ErrManifestWriteFailed,
}

// Error is a terminal sliced upload failure.
type Error struct {
	Kind Kind
	Op   string

	// Unresolved lists the slice paths still rejected when the retry
	// budget ran out.
	Unresolved []string

	// RetryRounds is the number of retry rounds the failing batch ran.
	RetryRounds int

	Err error

	// states holds the resume states of the unresolved transfers.
	states []any
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Op, e.Kind)
	if e.Kind == KindRetriesExhausted {
		fmt.Fprintf(&b, " after %d retry rounds, %d unresolved slices", e.RetryRounds, len(e.Unresolved))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of a terminal failure, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
