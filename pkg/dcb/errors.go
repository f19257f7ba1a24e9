package dcb

import (
	"errors"
	"fmt"
)

type (

	// EventStoreError is the base error type for store operations. Any
	// database-originated failure surfaces wrapped in one, preserving the
	// cause for errors.Is/As.
	EventStoreError struct {
		Op  string // Operation that failed
		Err error  // The underlying error
	}

	// ValidationError represents an invalid event, query or projection
	// definition.
	ValidationError struct {
		EventStoreError
		Field string // The field that failed validation
		Value string // The invalid value
	}

	// ConcurrencyError is returned by a conditional append when the boundary
	// lock is held by another writer or the boundary's version moved past the
	// expected one. Always retryable by re-reading state and rebuilding the
	// command. ActualVersion is -1 when the lock could not be acquired, so the
	// committed version was never observed.
	ConcurrencyError struct {
		EventStoreError
		ExpectedVersion int64
		ActualVersion   int64
	}
)

// Error implements the error interface
func (e EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error
func (e EventStoreError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if the error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsConcurrencyError checks if the error is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}

// AsValidationError extracts a ValidationError from the error chain
func AsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// AsConcurrencyError extracts a ConcurrencyError from the error chain
func AsConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}
	return nil, false
}
