// Package errors provides the tagged error types used across issuepilot.
// Every failure that crosses a component boundary carries a Code so the
// retry engine and the HTTP layer can branch without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes as constants
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeAuth                = "AUTH_ERROR"
	ErrCodeNoMatch             = "NO_MATCH"
	ErrCodeNoHealthyProviders  = "NO_HEALTHY_PROVIDERS"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeSessionFailed       = "SESSION_FAILED"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeWorktree            = "WORKTREE_ERROR"
	ErrCodePersistence         = "PERSISTENCE_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// Retryable tells the retry engine whether backing off and trying
	// again can help. Unknown errors default to non-retryable.
	Retryable bool `json:"-"`
	// RetryAfter carries a server-supplied wait hint, when one exists.
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation creates a webhook payload rejection error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Auth creates a signature or credential error. Never retryable.
func Auth(message string) *AppError {
	return &AppError{Code: ErrCodeAuth, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// NoMatch indicates routing produced no repository for an issue.
func NoMatch(issueID string) *AppError {
	return &AppError{
		Code:       ErrCodeNoMatch,
		Message:    fmt.Sprintf("no repository route for issue '%s'", issueID),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NoHealthyProviders indicates every provider is unhealthy or breaker-blocked.
func NoHealthyProviders() *AppError {
	return &AppError{
		Code:       ErrCodeNoHealthyProviders,
		Message:    "no healthy provider available",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// ProviderUnavailable creates a retryable provider-side error (5xx, 429, network).
func ProviderUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProviderUnavailable,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Err:        err,
	}
}

// Timeout indicates an attempt exceeded its deadline. Retryable.
func Timeout(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
		Retryable:  true,
		Err:        err,
	}
}

// SessionFailed wraps an executor-level failure not covered by other codes.
func SessionFailed(message string, err error) *AppError {
	return &AppError{Code: ErrCodeSessionFailed, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// VerificationFailed indicates the result lacked a qualifying commit or the
// worktree was left dirty. Non-retryable at the orchestrator.
func VerificationFailed(message string) *AppError {
	return &AppError{Code: ErrCodeVerificationFailed, Message: message, HTTPStatus: http.StatusUnprocessableEntity}
}

// Worktree wraps a version-control operation failure.
func Worktree(message string, err error) *AppError {
	return &AppError{Code: ErrCodeWorktree, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Persistence wraps a disk or filesystem failure, including low space.
func Persistence(message string, err error) *AppError {
	return &AppError{Code: ErrCodePersistence, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// RateLimited indicates an upstream rate limit. The caller must wait until
// the server-supplied reset before trying again.
func RateLimited(message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// Conflict creates a duplicate-resource error (live session, live worktree).
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Wrap wraps an existing error with additional context, preserving the code,
// status and retryability of an existing AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Retryable:  appErr.Retryable,
			RetryAfter: appErr.RetryAfter,
			Err:        err,
		}
	}
	return &AppError{Code: ErrCodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Code extracts the error code, or INTERNAL_ERROR for untyped errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether backing off and retrying can help.
// Untyped errors are conservatively treated as non-retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// RetryAfterHint returns the server-supplied wait hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.RetryAfter > 0 {
		return appErr.RetryAfter, true
	}
	return 0, false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
