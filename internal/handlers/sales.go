package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/platform/httpx"
	"github.com/tillpoint/pos/internal/platform/requestctx"
	"github.com/tillpoint/pos/internal/services"
)

// SaleHandlers exposes persisted sales and their status transitions.
type SaleHandlers struct {
	checkout services.CheckoutService
}

// NewSaleHandlers constructs sale handlers backed by the checkout service.
func NewSaleHandlers(checkout services.CheckoutService) *SaleHandlers {
	return &SaleHandlers{checkout: checkout}
}

// Routes registers sale endpoints against the provided router.
func (h *SaleHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listSales)
	r.Get("/{saleID}", h.getSale)
	r.Post("/{saleID}/refund", h.refundSale)
	r.Post("/{saleID}/cancel", h.cancelSale)
}

type statusChangeRequest struct {
	Reason string `json:"reason"`
}

type saleResponse struct {
	Sale salePayload `json:"sale"`
}

type saleListResponse struct {
	Sales []salePayload `json:"sales"`
}

func (h *SaleHandlers) listSales(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sales_unavailable", "sales service unavailable", http.StatusServiceUnavailable))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	query := r.URL.Query()
	sales, err := h.checkout.ListSales(ctx, services.SaleFilter{
		Status:      domain.SaleStatus(strings.ToLower(strings.TrimSpace(query.Get("status")))),
		PaymentType: domain.PaymentType(strings.ToLower(strings.TrimSpace(query.Get("paymentType")))),
		CustomerID:  strings.TrimSpace(query.Get("customerId")),
		Limit:       limit,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := saleListResponse{Sales: make([]salePayload, 0, len(sales))}
	for _, sale := range sales {
		resp.Sales = append(resp.Sales, newSalePayload(sale))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *SaleHandlers) getSale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sales_unavailable", "sales service unavailable", http.StatusServiceUnavailable))
		return
	}
	sale, err := h.checkout.GetSale(ctx, chi.URLParam(r, "saleID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, saleResponse{Sale: newSalePayload(sale)})
}

func (h *SaleHandlers) refundSale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sales_unavailable", "sales service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req statusChangeRequest
	if !decodeJSONBody(w, r, &req, true) {
		return
	}
	sale, err := h.checkout.Refund(ctx, services.RefundCommand{
		SaleID:  chi.URLParam(r, "saleID"),
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: requestctx.Cashier(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, saleResponse{Sale: newSalePayload(sale)})
}

func (h *SaleHandlers) cancelSale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sales_unavailable", "sales service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req statusChangeRequest
	if !decodeJSONBody(w, r, &req, true) {
		return
	}
	sale, err := h.checkout.CancelSale(ctx, services.CancelSaleCommand{
		SaleID:  chi.URLParam(r, "saleID"),
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: requestctx.Cashier(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, saleResponse{Sale: newSalePayload(sale)})
}
