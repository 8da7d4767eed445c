// Package errs implements the closed error taxonomy from spec.md §7,
// generalizing the teacher's single internal/client.OrchestratorStateError
// into a tagged kind carried by one error type.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the seven error kinds spec.md §7 names. Kept as a
// string enum rather than per-kind error types, matching the teacher's
// preference for plain comparable values over class hierarchies.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindIO              Kind = "io"
	KindExternalTool    Kind = "external_tool"
	KindModelLoadFailed Kind = "model_load_failed"
	KindCircuitBreak    Kind = "circuit_break"
	KindCancelled       Kind = "cancelled"
	KindInternal        Kind = "internal"
)

// Error wraps an underlying cause with a Kind the HTTP surface and
// pipeline runner can branch on.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error,
// defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
