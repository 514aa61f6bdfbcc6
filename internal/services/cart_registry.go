package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// CartRegistry owns the open carts of a register process and serialises
// access to each cart. Carts on different ids never block each other.
type CartRegistry struct {
	mu      sync.Mutex
	carts   map[string]*cartEntry
	taxRate decimal.Decimal
	newID   func() string
}

type cartEntry struct {
	mu   sync.Mutex
	cart *Cart
}

// NewCartRegistry returns a registry whose carts are priced at taxRate.
func NewCartRegistry(taxRate decimal.Decimal, idGenerator func() string) (*CartRegistry, error) {
	if taxRate.IsNegative() {
		return nil, errors.New("cart registry: tax rate must not be negative")
	}
	if idGenerator == nil {
		idGenerator = func() string { return "CART-" + ulid.Make().String() }
	}
	return &CartRegistry{
		carts:   make(map[string]*cartEntry),
		taxRate: taxRate,
		newID:   idGenerator,
	}, nil
}

// Open creates an empty cart and returns its id.
func (r *CartRegistry) Open() (string, error) {
	id := strings.TrimSpace(r.newID())
	if id == "" {
		return "", errors.New("cart registry: id generator returned empty id")
	}
	cart, err := NewCart(id, r.taxRate)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.carts[id]; exists {
		return "", fmt.Errorf("cart registry: cart %s already open", id)
	}
	r.carts[id] = &cartEntry{cart: cart}
	return id, nil
}

// With runs fn while holding the cart's exclusive access.
func (r *CartRegistry) With(cartID string, fn func(cart *Cart) error) error {
	r.mu.Lock()
	entry, ok := r.carts[strings.TrimSpace(cartID)]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: cart %s", ErrNotFound, cartID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.cart)
}

// Close discards the cart. Closing an unknown cart is a no-op.
func (r *CartRegistry) Close(cartID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carts, strings.TrimSpace(cartID))
}

// Len returns the number of open carts.
func (r *CartRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.carts)
}
