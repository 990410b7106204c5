// Package errors provides the application error taxonomy shared by the
// agent manager core and its HTTP transport.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeValidationError  = "VALIDATION_ERROR"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeBackendFailure   = "BACKEND_FAILURE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// CapacityExceeded signals that the agent pool is at its concurrency ceiling.
func CapacityExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCapacityExceeded,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// PolicyDenied signals that a security policy check rejected the operation.
func PolicyDenied(message string) *AppError {
	return &AppError{
		Code:       ErrCodePolicyDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// BackendFailure signals that a provider backend (CLI subprocess or remote
// API) failed while serving the request.
func BackendFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeBackendFailure,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Timeout signals that an operation exceeded its deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Cancelled signals that an operation was cancelled by the caller.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: 499, // client closed request
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// hasCode reports whether err is an AppError with the given code.
func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsBadRequest checks if the error is a bad request or validation error.
func IsBadRequest(err error) bool {
	return hasCode(err, ErrCodeBadRequest) || hasCode(err, ErrCodeValidationError)
}

// IsCapacityExceeded checks if the error is a capacity error.
func IsCapacityExceeded(err error) bool {
	return hasCode(err, ErrCodeCapacityExceeded)
}

// IsPolicyDenied checks if the error is a policy denial.
func IsPolicyDenied(err error) bool {
	return hasCode(err, ErrCodePolicyDenied)
}

// IsTimeout checks if the error is a timeout.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsCancelled checks if the error is a cancellation.
func IsCancelled(err error) bool {
	return hasCode(err, ErrCodeCancelled)
}

// IsConflict checks if the error is a state conflict.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
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
