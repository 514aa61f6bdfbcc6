package repositories

import (
	"errors"
	"fmt"
)

// StoreErrorCode enumerates repository error causes.
type StoreErrorCode string

const (
	// StoreErrorUnknown represents an unspecified failure.
	StoreErrorUnknown StoreErrorCode = "store_unknown"
	// StoreErrorNotFound indicates the referenced record does not exist.
	StoreErrorNotFound StoreErrorCode = "store_not_found"
	// StoreErrorConflict indicates a uniqueness or state conflict, such as a duplicate idempotency key.
	StoreErrorConflict StoreErrorCode = "store_conflict"
	// StoreErrorLockTimeout indicates exclusive access could not be obtained within the configured bound.
	StoreErrorLockTimeout StoreErrorCode = "store_lock_timeout"
	// StoreErrorUnavailable indicates the backend is temporarily unreachable.
	StoreErrorUnavailable StoreErrorCode = "store_unavailable"
	// StoreErrorInvariant indicates a write the store refuses regardless of
	// timing, such as negative stock or a record outside the lock set.
	StoreErrorInvariant StoreErrorCode = "store_invariant"
)

// StoreError wraps storage failures with machine readable codes.
type StoreError struct {
	Op      string
	Code    StoreErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStoreError constructs a typed store error.
func NewStoreError(code StoreErrorCode, message string, err error) *StoreError {
	if message == "" {
		message = string(code)
	}
	return &StoreError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithOp sets the operation name when it has not been set yet.
func (e *StoreError) WithOp(op string) *StoreError {
	if e != nil && e.Op == "" {
		e.Op = op
	}
	return e
}

// ErrorCode returns the store error code carried by err, or empty when err is not a StoreError.
func ErrorCode(err error) StoreErrorCode {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Code
	}
	return ""
}

// IsNotFound reports whether err carries StoreErrorNotFound.
func IsNotFound(err error) bool {
	return ErrorCode(err) == StoreErrorNotFound
}
