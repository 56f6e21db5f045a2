// Package errors defines the typed failures surfaced by the sync core.
//
// Every failure is a *ServiceError carrying a stable Code. Codes fall into four
// categories: authentication failures (never retried, surfaced to the caller),
// transient network failures (retried with backoff), protocol errors (logged and
// dropped) and exhausted retries (terminal, surfaced as lifecycle events).
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure kind.
type ErrorCode string

const (
	// Authentication failures
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeRefreshFailed      ErrorCode = "REFRESH_FAILED"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeNotAuthenticated   ErrorCode = "NOT_AUTHENTICATED"

	// Transient network failures
	CodeNetwork     ErrorCode = "NETWORK_ERROR"
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// Protocol and retry exhaustion
	CodeProtocol         ErrorCode = "PROTOCOL_ERROR"
	CodeExhaustedRetries ErrorCode = "EXHAUSTED_RETRIES"
	CodeQueueFull        ErrorCode = "QUEUE_FULL"

	// Programmer and internal errors
	CodeInvalidPath ErrorCode = "INVALID_PATH"
	CodeNotFound    ErrorCode = "NOT_FOUND"
	CodeInternal    ErrorCode = "INTERNAL"
)

// ServiceError is a typed failure with an HTTP mapping and optional details.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements error.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches any *ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New creates a ServiceError.
func New(code ErrorCode, message string, status int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrInvalidCredentials = &ServiceError{Code: CodeInvalidCredentials}
	ErrValidation         = &ServiceError{Code: CodeValidation}
	ErrRefreshFailed      = &ServiceError{Code: CodeRefreshFailed}
	ErrUnauthorized       = &ServiceError{Code: CodeUnauthorized}
	ErrInvalidToken       = &ServiceError{Code: CodeInvalidToken}
	ErrNotAuthenticated   = &ServiceError{Code: CodeNotAuthenticated}
	ErrNetwork            = &ServiceError{Code: CodeNetwork}
	ErrCircuitOpen        = &ServiceError{Code: CodeCircuitOpen}
	ErrRateLimited        = &ServiceError{Code: CodeRateLimited}
	ErrProtocol           = &ServiceError{Code: CodeProtocol}
	ErrExhaustedRetries   = &ServiceError{Code: CodeExhaustedRetries}
	ErrQueueFull          = &ServiceError{Code: CodeQueueFull}
	ErrInvalidPath        = &ServiceError{Code: CodeInvalidPath}
	ErrNotFound           = &ServiceError{Code: CodeNotFound}
)

// =============================================================================
// Constructors
// =============================================================================

func InvalidCredentials(message string) *ServiceError {
	if message == "" {
		message = "Invalid credentials"
	}
	return New(CodeInvalidCredentials, message, http.StatusUnauthorized, nil)
}

func Validation(message string) *ServiceError {
	return New(CodeValidation, message, http.StatusBadRequest, nil)
}

func RefreshFailed(err error) *ServiceError {
	return New(CodeRefreshFailed, "Token refresh failed", http.StatusUnauthorized, err)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func InvalidToken(err error) *ServiceError {
	return New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized, err)
}

func NotAuthenticated() *ServiceError {
	return New(CodeNotAuthenticated, "No active session", http.StatusUnauthorized, nil)
}

func Network(err error) *ServiceError {
	return New(CodeNetwork, "Network request failed", http.StatusServiceUnavailable, err)
}

func CircuitOpen() *ServiceError {
	return New(CodeCircuitOpen, "Circuit breaker is open", http.StatusServiceUnavailable, nil)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "Rate limit exceeded", http.StatusTooManyRequests, nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Protocol(message string, err error) *ServiceError {
	return New(CodeProtocol, message, http.StatusBadRequest, err)
}

func ExhaustedRetries(attempts int) *ServiceError {
	return New(CodeExhaustedRetries, "Reconnection attempts exhausted", http.StatusServiceUnavailable, nil).
		WithDetails("attempts", attempts)
}

func QueueFull(capacity int) *ServiceError {
	return New(CodeQueueFull, "Outbound queue is full", http.StatusServiceUnavailable, nil).
		WithDetails("capacity", capacity)
}

func InvalidPath(path string) *ServiceError {
	return New(CodeInvalidPath, "Invalid state path", http.StatusBadRequest, nil).
		WithDetails("path", path)
}

func NotFound(what string) *ServiceError {
	return New(CodeNotFound, what+" not found", http.StatusNotFound, nil)
}

func Internal(message string, err error) *ServiceError {
	return New(CodeInternal, message, http.StatusInternalServerError, err)
}

// =============================================================================
// Classification
// =============================================================================

// GetServiceError returns the *ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsAuthFailure reports whether err is an authentication failure that must
// not be retried.
func IsAuthFailure(err error) bool {
	se := GetServiceError(err)
	if se == nil {
		return false
	}
	switch se.Code {
	case CodeInvalidCredentials, CodeValidation, CodeRefreshFailed,
		CodeUnauthorized, CodeInvalidToken, CodeNotAuthenticated:
		return true
	}
	return false
}

// IsTransient reports whether err is a network-class failure worth retrying.
func IsTransient(err error) bool {
	se := GetServiceError(err)
	if se == nil {
		return false
	}
	switch se.Code {
	case CodeNetwork, CodeCircuitOpen, CodeRateLimited:
		return true
	}
	return false
}

// HTTPStatusToError maps an authority response status to a typed error.
func HTTPStatusToError(status int, message string) *ServiceError {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		if message == "" {
			message = "Validation failed"
		}
		return New(CodeValidation, message, status, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if message == "" {
			message = "Unauthorized"
		}
		return New(CodeUnauthorized, message, status, nil)
	case status == http.StatusNotFound:
		return New(CodeNotFound, message, status, nil)
	case status == http.StatusTooManyRequests:
		return New(CodeRateLimited, message, status, nil)
	case status >= 500:
		return New(CodeNetwork, message, status, nil)
	default:
		return New(CodeInternal, message, status, nil)
	}
}
