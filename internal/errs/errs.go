// Package errs defines the error taxonomy shared by every component of the core.
// Each error carries a stable machine-readable Kind and a human-readable message.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable error class.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindExpired           Kind = "expired"
	KindAlreadyConsumed   Kind = "already_consumed"
	KindRateLimited       Kind = "rate_limited"
	KindTooManyAttempts   Kind = "too_many_attempts"
	KindMismatch          Kind = "mismatch"
	KindUnverified        Kind = "unverified"
	KindScopeMismatch     Kind = "scope_mismatch"
	KindIllegalTransition Kind = "illegal_transition"
	KindAlreadyInState    Kind = "already_in_state"
	KindUnauthorized      Kind = "unauthorized"
	KindRevoked           Kind = "revoked"
	KindMalformed         Kind = "malformed"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can compare against the
// package sentinels regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation        = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ErrExpired           = &Error{Kind: KindExpired, Message: "expired"}
	ErrAlreadyConsumed   = &Error{Kind: KindAlreadyConsumed, Message: "already consumed"}
	ErrRateLimited       = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrTooManyAttempts   = &Error{Kind: KindTooManyAttempts, Message: "too many attempts"}
	ErrMismatch          = &Error{Kind: KindMismatch, Message: "code mismatch"}
	ErrUnverified        = &Error{Kind: KindUnverified, Message: "identity not verified"}
	ErrScopeMismatch     = &Error{Kind: KindScopeMismatch, Message: "token scope does not match service"}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition, Message: "illegal state transition"}
	ErrAlreadyInState    = &Error{Kind: KindAlreadyInState, Message: "already in requested state"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrRevoked           = &Error{Kind: KindRevoked, Message: "token revoked"}
	ErrMalformed         = &Error{Kind: KindMalformed, Message: "malformed token"}
	ErrConflict          = &Error{Kind: KindConflict, Message: "concurrent modification"}
	ErrInternal          = &Error{Kind: KindInternal, Message: "internal error"}
)

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Invalid is shorthand for a validation error.
func Invalid(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the human-readable message of a classified error. Unclassified
// errors are reported with a generic message so internals never reach clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}

// Retryable reports whether a caller can recover by retrying, re-issuing or
// re-authenticating. TooManyAttempts needs a fresh OTP cycle instead.
func Retryable(err error) bool {
	return KindOf(err) != KindTooManyAttempts
}
