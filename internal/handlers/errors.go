package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/tillpoint/pos/internal/platform/httpx"
	"github.com/tillpoint/pos/internal/services"
)

// writeServiceError maps service sentinels onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var fieldErr *requestFieldError
	if errors.As(err, &fieldErr) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fieldErr.message, http.StatusBadRequest).
			WithDetails(map[string]any{"field": fieldErr.field}))
		return
	}

	var shortage *services.StockShortageError
	if errors.As(err, &shortage) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock for cart line", http.StatusConflict).
			WithDetails(map[string]any{
				"productId": shortage.ProductID,
				"requested": shortage.Requested,
				"available": shortage.Available,
			}))
		return
	}

	switch {
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInsufficientPayment):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_payment", err.Error(), http.StatusPaymentRequired))
	case errors.Is(err, services.ErrPaymentDeclined):
		httpx.WriteError(ctx, w, httpx.NewError("payment_declined", "card payment was not confirmed", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrConcurrencyTimeout):
		w.Header().Set("Retry-After", "1")
		httpx.WriteError(ctx, w, httpx.NewError("concurrency_timeout", "records are busy; retry the request", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "backend unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}
