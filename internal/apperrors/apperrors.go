package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of a failure.
type Kind string

// Failure kinds surfaced to API callers.
const (
	// KindInvalidCredential covers any credential verification failure
	// without distinguishing the cause.
	KindInvalidCredential Kind = "INVALID_CREDENTIAL"
	// KindRevokedOrStolen marks a refresh credential whose record is gone.
	KindRevokedOrStolen Kind = "REVOKED_OR_STOLEN"
	// KindExpired marks a refresh credential past its stored expiry.
	KindExpired Kind = "EXPIRED"
	// KindForbidden marks an ownership mismatch.
	KindForbidden Kind = "FORBIDDEN"
	// KindNotFound marks a missing target record.
	KindNotFound Kind = "NOT_FOUND"
	// KindRateLimited marks a denied stream admission.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindQuotaExceeded marks an exhausted monthly quota.
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"
	// KindBYOKRequired marks a missing mandatory user API key.
	KindBYOKRequired Kind = "BYOK_REQUIRED"
	// KindModelUnavailable marks a model that cannot be served.
	KindModelUnavailable Kind = "MODEL_UNAVAILABLE"
	// KindUpstreamFailure marks a provider or network error.
	KindUpstreamFailure Kind = "UPSTREAM_FAILURE"
	// KindPersistenceFailure marks a best-effort write that failed.
	KindPersistenceFailure Kind = "PERSISTENCE_FAILURE"
)

// Error carries a failure kind, a caller-safe message, and optional
// machine-readable detail such as a usage snapshot.
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the failure kind from an error chain, or "" when absent.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Kind
	}
	return ""
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailOf extracts the machine-readable detail from an error chain.
func DetailOf(err error) any {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Detail
	}
	return nil
}
