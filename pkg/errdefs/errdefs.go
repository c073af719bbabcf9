package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and HTTP mapping.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindAuthentication        Kind = "authentication"
	KindAuthorization         Kind = "authorization"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindRateLimited           Kind = "rate_limited"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindDependencyTimeout     Kind = "dependency_timeout"
	KindResourceExhausted     Kind = "resource_exhausted"
	KindIntegrityViolation    Kind = "integrity_violation"
	KindPolicyViolation       Kind = "policy_violation"
	KindInternal              Kind = "internal"
	KindShutdown              Kind = "shutdown"
)

// Retryable reports whether errors of this kind may be retried by default.
// Per-job-class allow and deny lists refine this in the queue engine.
func (k Kind) Retryable() bool {
	switch k {
	case KindDependencyUnavailable, KindDependencyTimeout, KindResourceExhausted, KindInternal:
		return true
	default:
		return false
	}
}

// Error is the structured error carried across component boundaries. Code is
// a stable machine-readable identifier; Message is operator-facing.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a structured error with no cause.
func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and code to an underlying cause.
func Wrap(err error, kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from err, or "internal_error" if
// unclassified. Queue retry lists match against this code.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// Retryable reports whether err may be retried by default.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// Convenience constructors for the common kinds.

func Validation(code, format string, args ...interface{}) *Error {
	return New(KindValidation, code, format, args...)
}

func Authentication(code, format string, args ...interface{}) *Error {
	return New(KindAuthentication, code, format, args...)
}

func Authorization(code, format string, args ...interface{}) *Error {
	return New(KindAuthorization, code, format, args...)
}

func NotFound(code, format string, args ...interface{}) *Error {
	return New(KindNotFound, code, format, args...)
}

func Conflict(code, format string, args ...interface{}) *Error {
	return New(KindConflict, code, format, args...)
}

func RateLimited(code, format string, args ...interface{}) *Error {
	return New(KindRateLimited, code, format, args...)
}

func Unavailable(err error, code, format string, args ...interface{}) *Error {
	return Wrap(err, KindDependencyUnavailable, code, format, args...)
}

func Timeout(err error, code, format string, args ...interface{}) *Error {
	return Wrap(err, KindDependencyTimeout, code, format, args...)
}

func Exhausted(code, format string, args ...interface{}) *Error {
	return New(KindResourceExhausted, code, format, args...)
}

func Integrity(code, format string, args ...interface{}) *Error {
	return New(KindIntegrityViolation, code, format, args...)
}

func Policy(code, format string, args ...interface{}) *Error {
	return New(KindPolicyViolation, code, format, args...)
}

func Internal(err error, code, format string, args ...interface{}) *Error {
	return Wrap(err, KindInternal, code, format, args...)
}
