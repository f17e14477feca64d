package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist in the
	// store. This is a generic version of the record-specific not found
	// errors (e.g., ErrEntryNotFound, ErrBatchNotFound).
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert would violate a uniqueness
	// constraint, e.g. two entries sharing a unique key.
	ErrDuplicate = errors.New("record already exists")

	// ErrInvalidRecord is returned when a record fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrUpdateFailed is returned when an update operation fails, for example
	// because the record does not exist or the update violates constraints.
	ErrUpdateFailed = errors.New("update failed")

	// Record-specific "not found" errors

	// ErrEntryNotFound indicates that the requested queue entry does not exist.
	ErrEntryNotFound = fmt.Errorf("%w: queue entry", ErrNotFound)

	// ErrBatchNotFound indicates that the requested batch does not exist.
	ErrBatchNotFound = fmt.Errorf("%w: batch", ErrNotFound)

	// ErrBlobNotFound indicates that the requested blob does not exist.
	ErrBlobNotFound = fmt.Errorf("%w: blob", ErrNotFound)

	// Record-specific "duplicate" errors

	// ErrUniqueKeyExists indicates that an entry with the given unique key
	// already exists. Callers submitting idempotently may treat this as a
	// successful no-op.
	ErrUniqueKeyExists = fmt.Errorf("%w: unique key", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Record    string // The record type (e.g., "entry", "batch")
	Operation string // The operation that failed (e.g., "claim", "increment")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s operation on %s failed: %s: %v", e.Operation, e.Record, e.Message, e.Err)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Record, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given record, operation,
// message, and wrapped error.
func NewStoreError(record, operation, message string, err error) *StoreError {
	return &StoreError{
		Record:    record,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
