package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable category of a failed operation.
type ErrorKind string

const (
	KindAuthentication    ErrorKind = "authentication"
	KindAuthorization     ErrorKind = "authorization"
	KindNotFound          ErrorKind = "not_found"
	KindValidation        ErrorKind = "validation"
	KindIllegalTransition ErrorKind = "illegal_transition"
	KindConflict          ErrorKind = "conflict"
	KindInternal          ErrorKind = "internal"
)

// Error carries a kind, a human-readable message and, for illegal transitions,
// the events that are legal in the current state.
type Error struct {
	Kind        ErrorKind
	Message     string
	LegalEvents []Event
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) *Error {
	return newErr(KindAuthentication, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newErr(KindAuthorization, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, format, args...)
}

func Invalid(format string, args ...any) *Error {
	return newErr(KindValidation, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newErr(KindConflict, format, args...)
}

// IllegalTransition reports that event is not legal in state.
func IllegalTransition(state State, event Event, legal []Event) *Error {
	return &Error{
		Kind:        KindIllegalTransition,
		Message:     fmt.Sprintf("event %s is not allowed in state %s", event, state),
		LegalEvents: legal,
	}
}

// Internal wraps a persistence or collaborator failure.
func Internal(err error, format string, args ...any) *Error {
	e := newErr(KindInternal, format, args...)
	e.Err = err
	if err != nil {
		e.Message = fmt.Sprintf("%s: %v", e.Message, err)
	}
	return e
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
