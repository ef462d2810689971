package models

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindAlreadyAccepted   Kind = "already_accepted"
	KindIneligible        Kind = "ineligible"
	KindInvalidTransition Kind = "invalid_transition"
	KindForbidden         Kind = "forbidden"
	KindUnauthorized      Kind = "unauthorized"
)

// Error is the typed failure returned across the service. Callers branch on
// Kind, either directly or through errors.Is against the sentinels below.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrAlreadyAccepted   = &Error{Kind: KindAlreadyAccepted}
	ErrIneligible        = &Error{Kind: KindIneligible}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
)

func newError(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error { return newError(KindValidation, format, args...) }
func NotFound(format string, args ...any) error   { return newError(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error   { return newError(KindConflict, format, args...) }
func AlreadyAccepted(format string, args ...any) error {
	return newError(KindAlreadyAccepted, format, args...)
}
func Ineligible(format string, args ...any) error { return newError(KindIneligible, format, args...) }
func InvalidTransition(format string, args ...any) error {
	return newError(KindInvalidTransition, format, args...)
}
func Forbidden(format string, args ...any) error    { return newError(KindForbidden, format, args...) }
func Unauthorized(format string, args ...any) error { return newError(KindUnauthorized, format, args...) }

// KindOf returns the kind of the first *Error in err's chain, or "" for
// untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
