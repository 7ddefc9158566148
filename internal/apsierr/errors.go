// Package apsierr defines the error taxonomy shared by every APSI component.
//
// Each kind is a sentinel created once with errors.New; call sites wrap it
// with errors.Wrapf so the original stack trace survives across package
// boundaries (and, for the Sender dispatcher, across goroutines) while
// errors.Is(err, apsierr.ErrInvalidInput) keeps working for callers.
package apsierr

import "github.com/cockroachdb/errors"

// Sentinels, one per error kind. None of these carry a specific concrete
// type: all detail lives in the wrap message.
var (
	// ErrInvalidParams: PSIParams violate an invariant, or params
	// serialization failed to parse.
	ErrInvalidParams = errors.New("apsi: invalid params")

	// ErrInvalidInput: caller-supplied data violates a precondition (empty
	// key, wrong size, duplicate key on a non-overwrite insert).
	ErrInvalidInput = errors.New("apsi: invalid input")

	// ErrInvalidCiphertext: a received ciphertext is not valid for the
	// active BFV context (wrong parms ID, wrong size, transparent).
	ErrInvalidCiphertext = errors.New("apsi: invalid ciphertext")

	// ErrInvalidProtocol: OPRF point decode failure, serialization version
	// mismatch, or an unexpected message type.
	ErrInvalidProtocol = errors.New("apsi: invalid protocol message")

	// ErrCuckooFull: the receiver's cuckoo table could not place every item
	// within its insertion-attempt budget.
	ErrCuckooFull = errors.New("apsi: cuckoo table full")

	// ErrIOFailure: a channel send/receive failed, or save/load hit a
	// stream I/O error.
	ErrIOFailure = errors.New("apsi: i/o failure")

	// ErrStateViolation: an operation was attempted against a SenderDB (or
	// cache) in a state that forbids it — e.g. mutating a stripped DB.
	ErrStateViolation = errors.New("apsi: state violation")
)

// Wrap attaches msg and a stack trace to one of the sentinels above,
// preserving errors.Is/As against the sentinel.
func Wrap(kind error, msg string) error {
	return errors.WithMessage(errors.WithStack(kind), msg)
}

// Wrapf is Wrap with fmt-style formatting.
func Wrapf(kind error, format string, args ...interface{}) error {
	return errors.WithMessagef(errors.WithStack(kind), format, args...)
}

// Is reports whether err ultimately wraps kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
