package fault

import (
	"errors"
	"fmt"
)

// Code identifies a stable error condition surfaced to callers. Codes are
// part of the public contract: callers branch on them instead of parsing
// message text.
type Code string

const (
	CodeToolNotFound        Code = "tool_not_found"
	CodeVersionNotFound     Code = "version_not_found"
	CodeCheckpointNotFound  Code = "checkpoint_not_found"
	CodeInvocationNotFound  Code = "invocation_not_found"
	CodeInvalidCredential   Code = "invalid_credential"
	CodePermissionDenied    Code = "permission_denied"
	CodeToolNotGranted      Code = "tool_not_granted"
	CodeRateLimited         Code = "rate_limited"
	CodeCircuitOpen         Code = "circuit_open"
	CodeValidationFailed    Code = "validation_failed"
	CodeExecutionFailed     Code = "execution_failed"
	CodeSandboxFailed       Code = "sandbox_failed"
	CodeInvocationTimeout   Code = "invocation_timeout"
	CodeApprovalTimeout     Code = "approval_timeout"
	CodeBridgeUnavailable   Code = "bridge_unavailable"
	CodeInvocationCancelled Code = "invocation_cancelled"
	CodeResourceViolation   Code = "resource_violation"
	CodeInternal            Code = "internal_error"
)

// retryableCodes maps each code to whether a caller retry can succeed
// without changing the request. Rate limiting means "retry shortly";
// circuit open means "back off longer"; both are retryable so callers can
// differentiate by code.
var retryableCodes = map[Code]bool{
	CodeRateLimited:       true,
	CodeCircuitOpen:       true,
	CodeBridgeUnavailable: true,
}

// Error carries a stable code, a human-readable message, and a retryable
// hint. It wraps an optional cause for internal diagnostics; the cause is
// never serialized to callers.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	cause     error
}

// New creates an Error with the retryable flag derived from the code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryableCodes[code],
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error that records cause for diagnostics. The cause is
// reachable via errors.Unwrap but excluded from the caller-facing payload.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is a fault.Error with the same code, so
// errors.Is(err, fault.New(fault.CodeRateLimited, "")) matches by code.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Code == e.Code
	}
	return false
}

// CodeOf extracts the fault code from an error chain. Errors outside the
// taxonomy map to CodeInternal so callers never see a raw internal fault.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error chain carries a retryable fault.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// Sanitize returns an Error safe to hand to callers: known faults pass
// through unchanged, anything else collapses to a generic internal error
// with no detail from the underlying failure.
func Sanitize(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Code: fe.Code, Message: fe.Message, Retryable: fe.Retryable}
	}
	return New(CodeInternal, "internal error")
}
