// Package rterr defines the stable error taxonomy shared by every
// connector and core component, per the runtime's error-handling policy:
// callers classify failures by Kind rather than by matching strings.
package rterr

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification. Values are never renamed; new
// kinds are only ever added.
type Kind string

const (
	KindConfigInvalid      Kind = "config_invalid"
	KindNetwork            Kind = "network"
	KindTLS                Kind = "tls"
	KindProtocol           Kind = "protocol"
	KindAuthExpired        Kind = "auth_expired"
	KindAuthDenied         Kind = "auth_denied"
	KindScopeMissing       Kind = "scope_missing"
	KindRateLimited        Kind = "rate_limited"
	KindDuplicate          Kind = "duplicate"
	KindNotFound           Kind = "not_found"
	KindLimitExceeded      Kind = "limit_exceeded"
	KindTimeout            Kind = "timeout"
	KindValidationFailed   Kind = "validation_failed"
	KindCircuitOpen        Kind = "circuit_open"
	KindServiceUnavailable Kind = "service_unavailable"
	KindKeepaliveTimeout   Kind = "keepalive_timeout"
	KindInternal           Kind = "internal"
)

// Error is a taxonomy-classified error that optionally carries a
// Retry-After hint (seconds) used by the rate-limit policy, and wraps an
// underlying cause.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter float64 // seconds; 0 means "no hint"
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, rterr.New(rterr.KindTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithRetryAfter attaches a provider Retry-After hint (seconds) to e and
// returns it for chaining.
func (e *Error) WithRetryAfter(seconds float64) *Error {
	e.RetryAfter = seconds
	return e
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Recoverable reports whether the retry/circuit-breaker layer should
// attempt this error again.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimited, KindProtocol:
		return true
	default:
		return false
	}
}
