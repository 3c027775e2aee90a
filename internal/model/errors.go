package model

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a service-level failure. Callers branch on the kind, never
// on the message text.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindWrongOrganization      Kind = "wrong_organization"
	KindInsufficientPermission Kind = "insufficient_permission"
	KindInvalidKey             Kind = "invalid_key"
	KindExpiredKey             Kind = "expired_key"
	KindInactiveKey            Kind = "inactive_key"
	KindRateLimited            Kind = "rate_limited"
	KindServiceUnavailable     Kind = "service_unavailable"
	KindStorage                Kind = "storage_error"
	KindNotFound               Kind = "not_found"
)

// Error is the structured error returned by the key service, the guard, the
// rate limiter and the breaker registry.
type Error struct {
	Kind    Kind
	Field   string // set for validation errors
	Message string

	// RetryAfter is set for rate-limited and service-unavailable errors.
	RetryAfter time.Duration

	// Transient marks storage errors that may succeed on a later attempt.
	Transient bool

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, ErrInvalidKey)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrWrongOrganization      = &Error{Kind: KindWrongOrganization}
	ErrInsufficientPermission = &Error{Kind: KindInsufficientPermission}
	ErrInvalidKey             = &Error{Kind: KindInvalidKey}
	ErrExpiredKey             = &Error{Kind: KindExpiredKey}
	ErrInactiveKey            = &Error{Kind: KindInactiveKey}
	ErrRateLimited            = &Error{Kind: KindRateLimited}
	ErrServiceUnavailable     = &Error{Kind: KindServiceUnavailable}
	ErrStorage                = &Error{Kind: KindStorage}
	ErrNotFound               = &Error{Kind: KindNotFound}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NewValidationError reports a violated field constraint.
func NewValidationError(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewStorageError wraps a persistence failure.
func NewStorageError(op string, transient bool, err error) *Error {
	return &Error{Kind: KindStorage, Message: op, Transient: transient, Err: err}
}

// NewRateLimitedError reports a denied quota check.
func NewRateLimitedError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// NewUnavailableError reports a call short-circuited by an open breaker.
func NewUnavailableError(service string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindServiceUnavailable,
		Message:    fmt.Sprintf("service %q is unavailable", service),
		RetryAfter: retryAfter,
	}
}
