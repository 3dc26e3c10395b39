// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Backstop.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Backstop errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidConfig indicates a configuration value was rejected.
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// CodeHostUnavailable indicates the host endpoint could not be reached.
	CodeHostUnavailable ErrorCode = "HOST_UNAVAILABLE"

	// CodeHostRequest indicates the host rejected or failed a request.
	CodeHostRequest ErrorCode = "HOST_REQUEST_FAILED"

	// CodeRateLimit indicates a provider rate limit was hit.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeExhausted indicates every fallback candidate was spent.
	CodeExhausted ErrorCode = "FALLBACK_EXHAUSTED"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authorization failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
)

// BackstopError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type BackstopError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // HTTP status the host reported, when known
}

// Error implements the error interface.
func (e *BackstopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *BackstopError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *BackstopError) MarshalJSON() ([]byte, error) {
	type Alias BackstopError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new BackstopError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *BackstopError {
	return &BackstopError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *BackstopError) WithContext(key string, value interface{}) *BackstopError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *BackstopError) WithAttribute(key, value string) *BackstopError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *BackstopError) WithRecoverable(recoverable bool) *BackstopError {
	e.Recoverable = recoverable
	return e
}

// WithStatusCode overrides the HTTP status attached to the error.
func (e *BackstopError) WithStatusCode(status int) *BackstopError {
	e.StatusCode = status
	return e
}

// AsBackstopError attempts to convert an error to a BackstopError.
// Returns the error as BackstopError if it is one, or wraps it otherwise.
func AsBackstopError(err error) *BackstopError {
	if err == nil {
		return nil
	}
	if be, ok := err.(*BackstopError); ok {
		return be
	}
	// Wrap unknown error as internal
	return New(CodeInternal, "wrapped error", err)
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *BackstopError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// FromStatusCode maps an HTTP status from the host to an error code.
func FromStatusCode(status int) ErrorCode {
	switch {
	case status == 429:
		return CodeRateLimit
	case status == 404:
		return CodeNotFound
	case status == 401 || status == 403:
		return CodeUnauthorized
	case status == 408 || status == 504:
		return CodeTimeout
	case status >= 500:
		return CodeHostUnavailable
	default:
		return CodeHostRequest
	}
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeUnauthorized:
		return 401
	case CodeInvalidConfig:
		return 400
	case CodeTimeout:
		return 408
	case CodeRateLimit:
		return 429
	case CodeHostUnavailable:
		return 503
	default:
		return 500
	}
}
