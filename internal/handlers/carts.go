package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/platform/httpx"
	"github.com/tillpoint/pos/internal/platform/requestctx"
	"github.com/tillpoint/pos/internal/repositories"
	"github.com/tillpoint/pos/internal/services"
)

const defaultIdempotencyHeader = "Idempotency-Key"

// CartHandlers exposes register carts, checkout validation and commit.
type CartHandlers struct {
	carts             *services.CartRegistry
	catalog           repositories.ProductRepository
	checkout          services.CheckoutService
	currency          string
	idempotencyHeader string
}

// CartOption customises CartHandlers.
type CartOption func(*CartHandlers)

// WithIdempotencyHeader overrides the header carrying the checkout idempotency key.
func WithIdempotencyHeader(name string) CartOption {
	return func(h *CartHandlers) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			h.idempotencyHeader = trimmed
		}
	}
}

// WithDisplayCurrency renders a formatted total next to cart totals.
func WithDisplayCurrency(code string) CartOption {
	return func(h *CartHandlers) {
		h.currency = strings.ToUpper(strings.TrimSpace(code))
	}
}

// NewCartHandlers constructs cart handlers backed by the registry, catalog and checkout service.
func NewCartHandlers(carts *services.CartRegistry, catalog repositories.ProductRepository, checkout services.CheckoutService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		carts:             carts,
		catalog:           catalog,
		checkout:          checkout,
		idempotencyHeader: defaultIdempotencyHeader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers cart endpoints against the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.openCart)
	r.Route("/{cartID}", func(cr chi.Router) {
		cr.Get("/", h.getCart)
		cr.Delete("/", h.closeCart)
		cr.Post("/items", h.addItem)
		cr.Put("/items/{productID}", h.setQuantity)
		cr.Delete("/items/{productID}", h.removeItem)
		cr.Put("/discount", h.setDiscount)
		cr.Put("/customer", h.bindCustomer)
		cr.Post("/clear", h.clearCart)
		cr.Post("/cancel", h.cancelCart)
		cr.Post("/validate", h.validateCart)
		cr.Post("/checkout", h.commitCart)
	})
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

type discountRequest struct {
	Percent string `json:"percent"`
}

type customerRequest struct {
	CustomerID string `json:"customerId"`
}

type paymentRequest struct {
	Type      string  `json:"type"`
	Tendered  *string `json:"tendered"`
	Reference string  `json:"reference"`
}

type checkoutRequest struct {
	Payment paymentRequest `json:"payment"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type quoteResponse struct {
	Items   []linePayload  `json:"items"`
	Totals  totalsPayload  `json:"totals"`
	Payment paymentPayload `json:"payment"`
	Change  string         `json:"change"`
}

type commitResponse struct {
	Sale     salePayload `json:"sale"`
	Change   string      `json:"change"`
	Replayed bool        `json:"replayed"`
	Cart     cartPayload `json:"cart"`
}

func (h *CartHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.carts == nil || h.checkout == nil || h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("register_unavailable", "register service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *CartHandlers) openCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	id, err := h.carts.Open()
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/carts/"+id)
	h.respondWithCart(w, r, id, http.StatusCreated, nil)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	if !h.available(r.Context(), w) {
		return
	}
	h.respondWithCart(w, r, chi.URLParam(r, "cartID"), http.StatusOK, nil)
}

func (h *CartHandlers) closeCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	cartID := chi.URLParam(r, "cartID")
	err := h.carts.With(cartID, func(cart *services.Cart) error {
		if cart.Phase() == services.CartPhaseCommitting {
			return fmt.Errorf("%w: cart %s is committing", services.ErrInvalidTransition, cartID)
		}
		return nil
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.carts.Close(cartID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req addItemRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		writeServiceError(ctx, w, fieldError("productId", "productId is required"))
		return
	}
	if req.Quantity < 0 {
		writeServiceError(ctx, w, fieldError("quantity", "quantity must be positive"))
		return
	}

	product, err := h.catalog.Get(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, catalogError(productID, err))
		return
	}
	h.respondWithCart(w, r, chi.URLParam(r, "cartID"), http.StatusOK, func(cart *services.Cart) error {
		return cart.AddItem(product, req.Quantity)
	})
}

func (h *CartHandlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req setQuantityRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	if req.Quantity == nil {
		writeServiceError(ctx, w, fieldError("quantity", "quantity is required"))
		return
	}
	productID := chi.URLParam(r, "productID")
	h.respondWithCart(w, r, chi.URLParam(r, "cartID"), http.StatusOK, func(cart *services.Cart) error {
		return cart.SetQuantity(productID, *req.Quantity)
	})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	if !h.available(r.Context(), w) {
		return
	}
	productID := chi.URLParam(r, "productID")
	h.respondWithCart(w, r, chi.URLParam(r, "cartID"), http.StatusOK, func(cart *services.Cart) error {
		return cart.RemoveItem(productID)
	})
}

func (h *CartHandlers) setDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req discountRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	pct, err := decimal.NewFromString(strings.TrimSpace(req.Percent))
	if err != nil {
		writeServiceError(ctx, w, fieldError("percent", "percent must be a decimal between 0 and 100"))
		return
	}
	h.respondWithCart(w, r, chi.URLParam(r, "cartID"), http.StatusOK, func(cart *services.Cart) error {
		return cart.SetDiscountPercent(pct)
	})
}

func (h *CartHandlers) bindCustomer(w http.ResponseWriter, r *http.Request) {
	if !h.available(r.Context(), w) {
		return
	}
	var req customerRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	h.respondWithCart(w, r, chi.URLParam(r, "cartID"), http.StatusOK, func(cart *services.Cart) error {
		return cart.BindCustomer(req.CustomerID)
	})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	if !h.available(r.Context(), w) {
		return
	}
	h.respondWithCart(w, r, chi.URLParam(r, "cartID"), http.StatusOK, func(cart *services.Cart) error {
		return cart.Clear()
	})
}

func (h *CartHandlers) cancelCart(w http.ResponseWriter, r *http.Request) {
	if !h.available(r.Context(), w) {
		return
	}
	h.respondWithCart(w, r, chi.URLParam(r, "cartID"), http.StatusOK, func(cart *services.Cart) error {
		return h.checkout.Cancel(cart)
	})
}

func (h *CartHandlers) validateCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req checkoutRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	payment, err := req.Payment.toInput()
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var quote services.CheckoutQuote
	err = h.carts.With(chi.URLParam(r, "cartID"), func(cart *services.Cart) error {
		var verr error
		quote, verr = h.checkout.Validate(ctx, cart, payment)
		return verr
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, quoteResponse{
		Items:   newLinePayloads(quote.Lines),
		Totals:  newTotalsPayload(quote.Totals, h.currency),
		Payment: newPaymentPayload(quote.Payment),
		Change:  amount(quote.Change),
	})
}

func (h *CartHandlers) commitCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req checkoutRequest
	if !decodeJSONBody(w, r, &req, false) {
		return
	}
	payment, err := req.Payment.toInput()
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var (
		result  services.CommitResult
		payload cartPayload
	)
	err = h.carts.With(chi.URLParam(r, "cartID"), func(cart *services.Cart) error {
		var cerr error
		result, cerr = h.checkout.Commit(ctx, services.CommitCommand{
			Cart:           cart,
			Payment:        payment,
			IdempotencyKey: strings.TrimSpace(r.Header.Get(h.idempotencyHeader)),
			ActorID:        requestctx.Cashier(ctx),
		})
		payload = newCartPayload(cart, h.currency)
		return cerr
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/sales/"+result.Sale.ID)
	writeJSONResponse(w, status, commitResponse{
		Sale:     newSalePayload(result.Sale),
		Change:   amount(result.Change),
		Replayed: result.Replayed,
		Cart:     payload,
	})
}

// respondWithCart runs mutate under the cart's exclusive access and writes the
// resulting cart. A nil mutate only reads.
func (h *CartHandlers) respondWithCart(w http.ResponseWriter, r *http.Request, cartID string, status int, mutate func(cart *services.Cart) error) {
	ctx := r.Context()
	var payload cartPayload
	err := h.carts.With(cartID, func(cart *services.Cart) error {
		if mutate != nil {
			if err := mutate(cart); err != nil {
				return err
			}
		}
		payload = newCartPayload(cart, h.currency)
		return nil
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, status, cartResponse{Cart: payload})
}

func (p paymentRequest) toInput() (services.PaymentInput, error) {
	paymentType := domain.PaymentType(strings.ToLower(strings.TrimSpace(p.Type)))
	if !paymentType.Valid() {
		return services.PaymentInput{}, fieldError("payment.type", "payment.type must be one of cash, card, digital, credit")
	}
	tendered, err := parseOptionalAmount(p.Tendered, "payment.tendered")
	if err != nil {
		return services.PaymentInput{}, err
	}
	return services.PaymentInput{
		Type:      paymentType,
		Tendered:  tendered,
		Reference: strings.TrimSpace(p.Reference),
	}, nil
}

func catalogError(productID string, err error) error {
	if repositories.IsNotFound(err) {
		return fmt.Errorf("%w: product %s", services.ErrNotFound, productID)
	}
	return fmt.Errorf("%w: %v", services.ErrUnavailable, err)
}
