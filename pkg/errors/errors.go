package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// State errors
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeSessionDesync ErrorCode = "SESSION_DESYNC"
	ErrCodeConflict      ErrorCode = "CONFLICT"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by code so sentinel comparisons work with errors.Is
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

func ExpiredTokenError() *AppError {
	return NewWithStatus(ErrCodeExpiredToken, "Token has expired", http.StatusUnauthorized)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// NotParticipantError is reported with the call-not-found code so callers
// cannot probe which calls exist
func NotParticipantError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Not a participant of this call", http.StatusNotFound)
}

// State errors
func InvalidStateError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidState, message, http.StatusConflict)
}

func SessionDesyncError() *AppError {
	return NewWithStatus(ErrCodeSessionDesync, "Call session is no longer live, re-initiate the call", http.StatusConflict)
}

func ConflictError(message string) *AppError {
	return NewWithStatus(ErrCodeConflict, message, http.StatusConflict)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is, or wraps, an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// HasCode reports whether err carries an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return WrapWithStatus(ErrCodeInternal, "Internal server error", http.StatusInternalServerError, err)
}
