// Package errors provides structured error types for the Causalite system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryLog         ErrorCategory = "LOG"
	ErrCategorySchema      ErrorCategory = "SCHEMA"
	ErrCategoryResolver    ErrorCategory = "RESOLVER"
	ErrCategoryTransaction ErrorCategory = "TRANSACTION"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidOperation = "INVALID_OPERATION"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeUnknownType      = "UNKNOWN_TYPE"

	// Log codes
	CodeAppendFailed = "APPEND_FAILED"
	CodeReadFailed   = "READ_FAILED"
	CodeLogClosed    = "LOG_CLOSED"

	// Schema codes
	CodeParseError       = "PARSE_ERROR"
	CodeUnsupportedDDL   = "UNSUPPORTED_DDL"
	CodeHistoryCorrupted = "HISTORY_CORRUPTED"

	// Transaction codes
	CodeConstraintViolated = "CONSTRAINT_VIOLATED"
	CodeEmptyTransaction   = "EMPTY_TRANSACTION"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeChecksumFailed = "CHECKSUM_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// CausaliteError is the structured error type used throughout the system.
type CausaliteError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CausaliteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CausaliteError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CausaliteError) Is(target error) bool {
	var t *CausaliteError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CausaliteError.
func New(category ErrorCategory, code, message string) *CausaliteError {
	return &CausaliteError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CausaliteError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CausaliteError {
	return &CausaliteError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CausaliteError) WithDetails(details map[string]interface{}) *CausaliteError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CausaliteError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CausaliteError.
func GetCategory(err error) ErrorCategory {
	var ce *CausaliteError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CausaliteError.
func GetCode(err error) string {
	var ce *CausaliteError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Log failures are
// deliberately not retryable: once an append fails the offset sequence can
// no longer be trusted.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *CausaliteError {
	return New(ErrCategoryValidation, code, message)
}

func NewLogError(code, message string, cause error) *CausaliteError {
	return Wrap(ErrCategoryLog, code, message, cause)
}

func NewSchemaError(code, message string) *CausaliteError {
	return New(ErrCategorySchema, code, message)
}

func NewTransactionError(code, message string) *CausaliteError {
	return New(ErrCategoryTransaction, code, message)
}

func NewStorageError(code, message string, cause error) *CausaliteError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *CausaliteError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
