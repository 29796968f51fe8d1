// Package apperrors defines the orchestrator's error taxonomy. Error codes are
// string-based for debuggability and natural JSON serialization.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error condition.
type Code string

const (
	// CodeValidation indicates malformed input, rejected before any state mutation.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeInvalidState indicates an operation illegal for the entity's current status.
	CodeInvalidState Code = "INVALID_STATE"

	// CodePrecursorNotReady indicates a dependency is not yet in the required state.
	CodePrecursorNotReady Code = "PRECURSOR_NOT_READY"

	// CodeNotReleased indicates a deployment was requested for a version that is not released.
	CodeNotReleased Code = "NOT_RELEASED"

	// CodeAlreadyDeploying indicates an active deployment already exists for the
	// same (version, target) pair.
	CodeAlreadyDeploying Code = "ALREADY_DEPLOYING"

	// CodeRetryLimitExceeded indicates the deployment retry budget is exhausted.
	CodeRetryLimitExceeded Code = "RETRY_LIMIT_EXCEEDED"

	// CodeNotFound indicates a requested entity does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeTransientInfra indicates a network or timeout failure that is retried
	// internally and surfaced only once the retry budget is exhausted.
	CodeTransientInfra Code = "TRANSIENT_INFRA"
)

// Error is the orchestrator's error type. It carries a Code so callers can
// branch on the condition without string matching.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from err, or empty string if err is not an Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the HTTP status code the API surface returns.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodePrecursorNotReady, CodeNotReleased,
		CodeAlreadyDeploying, CodeRetryLimitExceeded:
		return http.StatusConflict
	case CodeTransientInfra:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
