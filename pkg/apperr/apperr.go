// Package apperr defines the error kinds shared by every component so that
// callers can map failures to user-facing responses without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// Internal is anything unexpected: storage failures, bugs.
	Internal Kind = iota
	// Validation means malformed input, rejected before any state change.
	Validation
	// NotFound means an unknown loan, installment, payment or session.
	NotFound
	// Conflict means a business rule was violated. No partial mutation occurs.
	Conflict
	// External means a collaborator (identity, gateway) failed.
	External
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case External:
		return "external_service"
	default:
		return "internal"
	}
}

// Error is an error with a Kind.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

func newf(kind Kind, err error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func Validationf(format string, args ...any) error {
	return newf(Validation, nil, format, args...)
}

func NotFoundf(format string, args ...any) error {
	return newf(NotFound, nil, format, args...)
}

func Conflictf(format string, args ...any) error {
	return newf(Conflict, nil, format, args...)
}

// Externalf wraps a collaborator failure.
func Externalf(err error, format string, args ...any) error {
	return newf(External, err, format, args...)
}

type kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the first error in err's chain that carries one,
// or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
