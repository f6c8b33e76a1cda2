// Package errors provides error codes for the offline sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrSerialization     ErrorCode = "SERIALIZATION_ERROR"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Storage errors
	ErrDatabase             ErrorCode = "DATABASE_ERROR"
	ErrMigration            ErrorCode = "MIGRATION_FAILED"
	ErrStorageQuotaExceeded ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	ErrStoreLocked          ErrorCode = "STORE_LOCKED"

	// Network errors
	ErrNetworkTransient ErrorCode = "NETWORK_TRANSIENT"
	ErrNetworkPermanent ErrorCode = "NETWORK_PERMANENT"

	// Sync errors
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the error is worth another attempt later.
func Retryable(err error) bool {
	return Is(err, ErrNetworkTransient)
}
