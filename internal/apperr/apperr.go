// Package apperr classifies errors crossing component boundaries in the
// audio-processing pipeline.
//
// Every external failure is mapped onto one of five kinds which determine how
// the orchestrator reacts: [KindNotFound] and [KindInvalidInput] surface to
// the caller unretried, [KindTransient] is retried with exponential backoff,
// [KindAuth] and [KindFatal] terminate the job. Unclassified errors are
// treated as fatal.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure category of an [Error].
type Kind int

const (
	// KindUnknown is the zero value for errors that were never classified.
	KindUnknown Kind = iota

	// KindNotFound marks an absent blob or document. Not retried.
	KindNotFound

	// KindTransient marks network failures, provider 5xx responses and quota
	// rejections. Retryable with backoff.
	KindTransient

	// KindInvalidInput marks rejected configuration or low-quality audio.
	// Surfaced to the caller, not retried.
	KindInvalidInput

	// KindAuth marks missing or invalid API keys and cloud credentials.
	KindAuth

	// KindFatal marks unrecoverable failures such as diarization model init
	// on a required path.
	KindFatal
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindInvalidInput:
		return "invalid_input"
	case KindAuth:
		return "auth"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Construct via [New] or [Wrap].
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New creates a classified error with the given message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. The message describes the failing
// operation; err is retained for errors.Is/As chains.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the failure category.
func (e *Error) Kind() Kind { return e.kind }

// KindOf walks the error chain and returns the kind of the first classified
// error found, or [KindUnknown] if none is present.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err should be retried. Only transient failures
// qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
