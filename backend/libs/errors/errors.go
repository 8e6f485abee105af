package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Business rules
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeConflict            ErrorCode = "CONFLICT"
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"

	// Hardware
	ErrCodeActuationFailure ErrorCode = "ACTUATION_FAILURE"

	// Internal
	ErrCodeCompensationFailed ErrorCode = "COMPENSATION_FAILED"
	ErrCodeDatabase           ErrorCode = "DATABASE_ERROR"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError is a structured error that can be returned to callers
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func InsufficientBalance(balance, required int) *AppError {
	return New(ErrCodeInsufficientBalance, fmt.Sprintf("balance %d is below required %d points", balance, required))
}

func InvalidState(message string) *AppError {
	return New(ErrCodeInvalidState, message)
}

func ActuationFailure(socket int, cause error) *AppError {
	return Wrap(ErrCodeActuationFailure, fmt.Sprintf("socket %d actuation failed", socket), cause)
}

func CompensationFailed(action string, cause error) *AppError {
	return Wrap(ErrCodeCompensationFailed, fmt.Sprintf("compensation failed: %s", action), cause)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// Passthrough returns err untouched when it already is an AppError and wraps it as a
// database error otherwise.
func Passthrough(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsAppError(err); ok {
		return err
	}
	return Database(err)
}
