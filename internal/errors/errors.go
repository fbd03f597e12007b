package errors

import (
	"fmt"
)

// FactError is the structured error type for Factline.
// It carries the classification callers need to decide between fixing
// their input and retrying the whole batch.
type FactError struct {
	// Code is the unique error code (e.g., "ERR_402_DUPLICATE_KEY").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Validation, Storage, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Keys lists the offending unique keys for duplicate-key errors,
	// formatted as "subject/tool_id" (with the item discriminant appended
	// for mergeable kinds), so callers can report precisely which inputs
	// collided.
	Keys []string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried as-is.
	Retryable bool
}

// Error implements the error interface.
func (e *FactError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *FactError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with FactError.
func (e *FactError) Is(target error) bool {
	if t, ok := target.(*FactError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *FactError) WithDetail(key, value string) *FactError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new FactError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *FactError {
	return &FactError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a FactError from an existing error.
// The error's message becomes the FactError message.
func Wrap(code string, err error) *FactError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Argument creates a validation error. Safe to retry only after fixing
// the input.
func Argument(message string) *FactError {
	return New(ErrCodeInvalidInput, message, nil)
}

// Argumentf creates a validation error with a formatted message.
func Argumentf(format string, args ...any) *FactError {
	return Argument(fmt.Sprintf(format, args...))
}

// DuplicateKeys creates a duplicate-key error carrying every offending
// key. A specialization of the validation category: the whole batch is
// rejected before any row is written.
func DuplicateKeys(keys []string) *FactError {
	e := New(ErrCodeDuplicateKey, fmt.Sprintf("batch contains %d duplicated unique keys", len(keys)), nil)
	e.Keys = keys
	return e
}

// Transient creates a retryable backend error.
func Transient(message string, cause error) *FactError {
	return New(ErrCodeStorageUnavailable, message, cause)
}

// Compute creates a compute-stage error for the given subject.
func Compute(subject string, cause error) *FactError {
	e := New(ErrCodeComputeFailed, fmt.Sprintf("compute failed for subject %s", subject), cause)
	return e.WithDetail("subject", subject)
}

// Internal creates an internal error.
func Internal(message string, cause error) *FactError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a FactError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*FactError); ok {
		return fe.Retryable
	}
	return false
}

// IsArgument checks if an error is a validation error, including
// duplicate-key errors.
func IsArgument(err error) bool {
	return GetCategory(err) == CategoryValidation
}

// IsDuplicateKey checks if an error is a duplicate-key error.
func IsDuplicateKey(err error) bool {
	return GetCode(err) == ErrCodeDuplicateKey
}

// IsCompute checks if an error came from the compute stage.
func IsCompute(err error) bool {
	return GetCategory(err) == CategoryCompute
}

// GetCode extracts the error code from a FactError.
// Returns empty string if not a FactError.
func GetCode(err error) string {
	if fe, ok := err.(*FactError); ok {
		return fe.Code
	}
	return ""
}

// GetCategory extracts the category from a FactError.
// Returns empty string if not a FactError.
func GetCategory(err error) Category {
	if fe, ok := err.(*FactError); ok {
		return fe.Category
	}
	return ""
}

// GetKeys extracts the offending keys from a duplicate-key error.
func GetKeys(err error) []string {
	if fe, ok := err.(*FactError); ok {
		return fe.Keys
	}
	return nil
}
