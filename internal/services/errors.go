package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tillpoint/pos/internal/repositories"
)

var (
	// ErrValidation reports malformed or missing input.
	ErrValidation = errors.New("pos: validation failed")
	// ErrInsufficientPayment reports a cash tender below the sale total.
	ErrInsufficientPayment = errors.New("pos: insufficient payment")
	// ErrPaymentDeclined reports a card payment the processor did not confirm.
	ErrPaymentDeclined = errors.New("pos: payment declined")
	// ErrInsufficientStock reports a line quantity above the product's stock.
	ErrInsufficientStock = errors.New("pos: insufficient stock")
	// ErrConcurrencyTimeout reports that exclusive access could not be obtained in time.
	ErrConcurrencyTimeout = errors.New("pos: concurrency timeout")
	// ErrNotFound reports a referenced record that does not exist.
	ErrNotFound = errors.New("pos: not found")
	// ErrInvalidTransition reports a status or phase change that is not allowed.
	ErrInvalidTransition = errors.New("pos: invalid transition")
	// ErrUnavailable reports a backend failure.
	ErrUnavailable = errors.New("pos: backend unavailable")
)

var serviceSentinels = []error{
	ErrValidation,
	ErrInsufficientPayment,
	ErrPaymentDeclined,
	ErrInsufficientStock,
	ErrConcurrencyTimeout,
	ErrNotFound,
	ErrInvalidTransition,
	ErrUnavailable,
}

// StockShortageError identifies the line that could not be satisfied.
type StockShortageError struct {
	ProductID string
	Requested int
	Available int
}

// Error implements the error interface.
func (e *StockShortageError) Error() string {
	return fmt.Sprintf("%s: product %s requested %d, available %d", ErrInsufficientStock, e.ProductID, e.Requested, e.Available)
}

// Unwrap lets errors.Is match ErrInsufficientStock.
func (e *StockShortageError) Unwrap() error { return ErrInsufficientStock }

// mapStoreError translates repository failures into service sentinels. Errors
// already carrying a sentinel, and context errors, pass through.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range serviceSentinels {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var storeErr *repositories.StoreError
	if errors.As(err, &storeErr) {
		switch storeErr.Code {
		case repositories.StoreErrorNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, storeErr.Message)
		case repositories.StoreErrorLockTimeout:
			return fmt.Errorf("%w: %s", ErrConcurrencyTimeout, storeErr.Message)
		case repositories.StoreErrorConflict:
			return fmt.Errorf("%w: conflicting concurrent update: %s", ErrConcurrencyTimeout, storeErr.Message)
		case repositories.StoreErrorUnavailable:
			return fmt.Errorf("%w: %s", ErrUnavailable, storeErr.Message)
		case repositories.StoreErrorInvariant:
			return fmt.Errorf("store rejected write: %w", storeErr)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
