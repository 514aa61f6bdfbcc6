package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/money"
	"github.com/tillpoint/pos/internal/platform/httpx"
	"github.com/tillpoint/pos/internal/platform/requestctx"
	"github.com/tillpoint/pos/internal/repositories"
	"github.com/tillpoint/pos/internal/services"
)

// CatalogHandlers exposes products, their stock adjustments, and customers.
// Upserts never touch stock or customer ledger fields of an existing record;
// those change only through adjustments and checkout.
type CatalogHandlers struct {
	store  repositories.Store
	ledger services.StockLedger
	clock  func() time.Time
}

// NewCatalogHandlers constructs catalog handlers backed by the store and stock ledger.
func NewCatalogHandlers(store repositories.Store, ledger services.StockLedger) *CatalogHandlers {
	return &CatalogHandlers{
		store:  store,
		ledger: ledger,
		clock:  time.Now,
	}
}

// ProductRoutes registers product and adjustment endpoints.
func (h *CatalogHandlers) ProductRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{productID}", h.getProduct)
	r.Put("/{productID}", h.putProduct)
	r.Post("/{productID}/adjustments", h.adjustStock)
	r.Get("/{productID}/adjustments", h.listAdjustments)
}

// CustomerRoutes registers customer endpoints.
func (h *CatalogHandlers) CustomerRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{customerID}", h.getCustomer)
	r.Put("/{customerID}", h.putCustomer)
}

type productRequest struct {
	Name      string  `json:"name"`
	SKU       string  `json:"sku"`
	Category  string  `json:"category"`
	UnitPrice string  `json:"unitPrice"`
	UnitCost  *string `json:"unitCost"`
	Stock     int     `json:"stock"`
	MinStock  int     `json:"minStock"`
	Active    *bool   `json:"active"`
}

type adjustmentRequest struct {
	Direction string `json:"direction"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
	Notes     string `json:"notes"`
	Reference string `json:"reference"`
}

type customerUpsertRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type adjustmentResponse struct {
	Product    productPayload    `json:"product"`
	Adjustment adjustmentPayload `json:"adjustment"`
}

type adjustmentListResponse struct {
	Adjustments []adjustmentPayload `json:"adjustments"`
}

type customerResponse struct {
	Customer customerPayload `json:"customer"`
}

func (h *CatalogHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.store == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *CatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	product, err := h.store.Products().Get(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, catalogError(productID, err))
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: newProductPayload(product)})
}

func (h *CatalogHandlers) putProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req productRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	incoming, err := req.toProduct(productID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	created := false
	var saved domain.Product
	err = h.store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{productID}}, func(ctx context.Context, tx repositories.Tx) error {
		existing, err := tx.GetProduct(ctx, productID)
		switch {
		case err == nil:
			incoming.Stock = existing.Stock
		case repositories.IsNotFound(err):
			created = true
		default:
			return err
		}
		incoming.UpdatedAt = h.clock().UTC()
		if err := tx.PutProduct(ctx, incoming); err != nil {
			return err
		}
		saved = incoming
		return nil
	})
	if err != nil {
		writeServiceError(ctx, w, storeError(err))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, productResponse{Product: newProductPayload(saved)})
}

func (h *CatalogHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("ledger_unavailable", "stock ledger unavailable", http.StatusServiceUnavailable))
		return
	}
	var req adjustmentRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	direction := domain.AdjustmentDirection(strings.ToLower(strings.TrimSpace(req.Direction)))
	reason := domain.AdjustmentReason(strings.ToLower(strings.TrimSpace(req.Reason)))
	result, err := h.ledger.ApplyAdjustment(ctx, services.AdjustStockCommand{
		ProductID: chi.URLParam(r, "productID"),
		Direction: direction,
		Quantity:  req.Quantity,
		Reason:    reason,
		Notes:     req.Notes,
		Reference: req.Reference,
		ActorID:   requestctx.Cashier(ctx),
	})
	if err != nil {
		if errors.Is(err, services.ErrValidation) && direction.Valid() && !direction.Allows(reason) {
			writeReasonError(ctx, w, direction, reason)
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, adjustmentResponse{
		Product:    newProductPayload(result.Product),
		Adjustment: newAdjustmentPayload(result.Adjustment),
	})
}

func (h *CatalogHandlers) listAdjustments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("ledger_unavailable", "stock ledger unavailable", http.StatusServiceUnavailable))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	adjustments, err := h.ledger.ListAdjustments(ctx, chi.URLParam(r, "productID"), limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := adjustmentListResponse{Adjustments: make([]adjustmentPayload, 0, len(adjustments))}
	for _, adj := range adjustments {
		resp.Adjustments = append(resp.Adjustments, newAdjustmentPayload(adj))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CatalogHandlers) getCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	customerID := strings.TrimSpace(chi.URLParam(r, "customerID"))
	customer, err := h.store.Customers().Get(ctx, customerID)
	if err != nil {
		if repositories.IsNotFound(err) {
			writeServiceError(ctx, w, fmt.Errorf("%w: customer %s", services.ErrNotFound, customerID))
			return
		}
		writeServiceError(ctx, w, storeError(err))
		return
	}
	writeJSONResponse(w, http.StatusOK, customerResponse{Customer: newCustomerPayload(customer)})
}

func (h *CatalogHandlers) putCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req customerUpsertRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	customerID := strings.TrimSpace(chi.URLParam(r, "customerID"))
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeServiceError(ctx, w, fieldError("name", "name is required"))
		return
	}

	created := false
	var saved domain.Customer
	err := h.store.RunInTransaction(ctx, repositories.LockSet{CustomerIDs: []string{customerID}}, func(ctx context.Context, tx repositories.Tx) error {
		customer, err := tx.GetCustomer(ctx, customerID)
		switch {
		case err == nil:
		case repositories.IsNotFound(err):
			created = true
			customer = domain.Customer{ID: customerID, TotalSpent: decimal.Zero}
		default:
			return err
		}
		customer.Name = name
		customer.Email = strings.TrimSpace(req.Email)
		if err := tx.PutCustomer(ctx, customer); err != nil {
			return err
		}
		saved = customer
		return nil
	})
	if err != nil {
		writeServiceError(ctx, w, storeError(err))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, customerResponse{Customer: newCustomerPayload(saved)})
}

func (p productRequest) toProduct(id string) (domain.Product, error) {
	if id == "" {
		return domain.Product{}, fieldError("productId", "product id is required")
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return domain.Product{}, fieldError("name", "name is required")
	}
	price, err := money.Parse(p.UnitPrice)
	if err != nil || price.IsNegative() {
		return domain.Product{}, fieldError("unitPrice", "unitPrice must be a non-negative decimal amount")
	}
	cost := decimal.Zero
	if parsed, err := parseOptionalAmount(p.UnitCost, "unitCost"); err != nil {
		return domain.Product{}, err
	} else if parsed != nil {
		cost = *parsed
	}
	if p.Stock < 0 {
		return domain.Product{}, fieldError("stock", "stock must not be negative")
	}
	if p.MinStock < 0 {
		return domain.Product{}, fieldError("minStock", "minStock must not be negative")
	}
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return domain.Product{
		ID:        id,
		Name:      name,
		SKU:       strings.TrimSpace(p.SKU),
		Category:  strings.TrimSpace(p.Category),
		UnitPrice: price,
		UnitCost:  cost,
		Stock:     p.Stock,
		MinStock:  p.MinStock,
		Active:    active,
	}, nil
}

// writeReasonError lists the reason codes the direction accepts.
func writeReasonError(ctx context.Context, w http.ResponseWriter, direction domain.AdjustmentDirection, reason domain.AdjustmentReason) {
	allowed := direction.Reasons()
	names := make([]string, 0, len(allowed))
	for _, candidate := range allowed {
		names = append(names, string(candidate))
	}
	message := fmt.Sprintf("reason %q is not valid for direction %s", reason, direction)
	if reason == "" {
		message = "reason is required"
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest).
		WithDetails(map[string]any{"field": "reason", "allowedReasons": names}))
}

// storeError converts repository failures from handler-owned transactions.
func storeError(err error) error {
	switch repositories.ErrorCode(err) {
	case repositories.StoreErrorNotFound:
		return fmt.Errorf("%w: %v", services.ErrNotFound, err)
	case repositories.StoreErrorLockTimeout, repositories.StoreErrorConflict:
		return fmt.Errorf("%w: %v", services.ErrConcurrencyTimeout, err)
	case repositories.StoreErrorInvariant:
		return fmt.Errorf("store rejected write: %w", err)
	}
	return fmt.Errorf("%w: %v", services.ErrUnavailable, err)
}
