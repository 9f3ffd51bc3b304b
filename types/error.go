package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the library.
type ErrorCode string

const (
	// ErrConfiguration marks invalid constructor or loader parameters.
	// Fatal at construction; never recovered at runtime.
	ErrConfiguration ErrorCode = "CONFIGURATION"

	// ErrRateLimitExceeded marks a wait that would exceed the configured
	// wait budget. The caller decides whether to abort or escalate;
	// the library never retries past it.
	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// ErrBackendNotRegistered marks a registry lookup for an unknown backend.
	ErrBackendNotRegistered ErrorCode = "BACKEND_NOT_REGISTERED"

	// ErrBackendAlreadyRegistered marks an attempt to bind an already-used
	// backend name to a different factory.
	ErrBackendAlreadyRegistered ErrorCode = "BACKEND_ALREADY_REGISTERED"

	// ErrBackendUnavailable marks a backend that exists but cannot serve
	// (dial failure, closed connection, dead worker).
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"

	// ErrFunctionNotFound marks a worker call to an unregistered function.
	ErrFunctionNotFound ErrorCode = "FUNCTION_NOT_FOUND"

	// ErrAllStepsFailed marks a fallback plan exhausted without a success.
	ErrAllStepsFailed ErrorCode = "ALL_STEPS_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Backend    string        `json:"backend,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithBackend sets the backend name.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// WithRetryAfter records the server-advertised retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfiguration reports whether err is a construction-time configuration error.
func IsConfiguration(err error) bool {
	return GetErrorCode(err) == ErrConfiguration
}

// IsRateLimitExceeded reports whether err signals a blown wait budget.
func IsRateLimitExceeded(err error) bool {
	return GetErrorCode(err) == ErrRateLimitExceeded
}
