package services

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/money"
)

// CartPhase is the checkout state of a cart.
type CartPhase string

const (
	CartPhaseBuilding   CartPhase = "building"
	CartPhaseValidating CartPhase = "validating"
	CartPhaseCommitting CartPhase = "committing"
	CartPhaseCompleted  CartPhase = "completed"
	CartPhaseCancelled  CartPhase = "cancelled"
)

// Cart holds the lines of one in-progress sale. A Cart has a single writer and
// is not safe for concurrent use; CartRegistry serialises shared access.
//
// Totals are recomputed from the lines on every call. Any mutation returns a
// validated, completed or cancelled cart to the building phase.
type Cart struct {
	id              string
	taxRate         decimal.Decimal
	lines           []domain.CartLine
	customerID      string
	discountPercent decimal.Decimal
	phase           CartPhase
	lastSaleID      string
}

// NewCart returns an empty cart priced at taxRate.
func NewCart(id string, taxRate decimal.Decimal) (*Cart, error) {
	if taxRate.IsNegative() {
		return nil, fmt.Errorf("%w: tax rate must not be negative", ErrValidation)
	}
	return &Cart{
		id:      strings.TrimSpace(id),
		taxRate: taxRate,
		phase:   CartPhaseBuilding,
	}, nil
}

// ID returns the cart identifier.
func (c *Cart) ID() string { return c.id }

// Phase returns the current checkout phase.
func (c *Cart) Phase() CartPhase { return c.phase }

// TaxRate returns the rate the cart is priced at.
func (c *Cart) TaxRate() decimal.Decimal { return c.taxRate }

// LastSaleID returns the sale produced by the most recent commit, if any.
func (c *Cart) LastSaleID() string { return c.lastSaleID }

// AddItem adds qty units of product. A zero qty adds one. An existing line
// keeps its price snapshot and grows by qty.
func (c *Cart) AddItem(product domain.Product, qty int) error {
	if qty == 0 {
		qty = 1
	}
	if qty < 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, qty)
	}
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return fmt.Errorf("%w: product id is required", ErrValidation)
	}
	if !product.Active {
		return fmt.Errorf("%w: product %s is inactive", ErrValidation, id)
	}
	if err := c.ensureMutable(); err != nil {
		return err
	}

	if idx := c.indexOf(id); idx >= 0 {
		line := c.lines[idx]
		total, err := money.LineTotal(line.Quantity+qty, line.UnitPrice)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		line.Quantity += qty
		line.LineTotal = total
		c.lines[idx] = line
		c.touch()
		return nil
	}

	total, err := money.LineTotal(qty, product.UnitPrice)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	c.lines = append(c.lines, domain.CartLine{
		ProductID: id,
		Name:      product.Name,
		SKU:       product.SKU,
		Quantity:  qty,
		UnitPrice: product.UnitPrice,
		LineTotal: total,
	})
	c.touch()
	return nil
}

// SetQuantity replaces a line's quantity. qty <= 0 removes the line.
func (c *Cart) SetQuantity(productID string, qty int) error {
	id := strings.TrimSpace(productID)
	idx := c.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: product %s is not in the cart", ErrNotFound, id)
	}
	if err := c.ensureMutable(); err != nil {
		return err
	}
	if qty <= 0 {
		c.removeAt(idx)
		c.touch()
		return nil
	}
	line := c.lines[idx]
	total, err := money.LineTotal(qty, line.UnitPrice)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	line.Quantity = qty
	line.LineTotal = total
	c.lines[idx] = line
	c.touch()
	return nil
}

// RemoveItem drops the product's line. Removing an absent product is a no-op.
func (c *Cart) RemoveItem(productID string) error {
	idx := c.indexOf(strings.TrimSpace(productID))
	if idx < 0 {
		return nil
	}
	if err := c.ensureMutable(); err != nil {
		return err
	}
	c.removeAt(idx)
	c.touch()
	return nil
}

// Clear empties the cart and resets the discount and bound customer.
func (c *Cart) Clear() error {
	if err := c.ensureMutable(); err != nil {
		return err
	}
	c.reset()
	c.touch()
	return nil
}

// SetDiscountPercent applies a whole-cart discount in [0, 100].
func (c *Cart) SetDiscountPercent(pct decimal.Decimal) error {
	if err := money.ValidatePercent(pct); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := c.ensureMutable(); err != nil {
		return err
	}
	c.discountPercent = pct
	c.touch()
	return nil
}

// DiscountPercent returns the whole-cart discount.
func (c *Cart) DiscountPercent() decimal.Decimal { return c.discountPercent }

// BindCustomer attaches a customer to the sale. An empty id unbinds.
func (c *Cart) BindCustomer(customerID string) error {
	if err := c.ensureMutable(); err != nil {
		return err
	}
	c.customerID = strings.TrimSpace(customerID)
	c.touch()
	return nil
}

// Customer returns the bound customer id, or "".
func (c *Cart) Customer() string { return c.customerID }

// Lines returns a copy of the lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool { return len(c.lines) == 0 }

// Totals derives the rounded breakdown from the current lines.
func (c *Cart) Totals() money.Breakdown {
	lineTotals := make([]decimal.Decimal, 0, len(c.lines))
	for _, line := range c.lines {
		lineTotals = append(lineTotals, line.LineTotal)
	}
	// Discount and rate are validated on the way in, so Compute cannot fail here.
	breakdown, _ := money.Compute(lineTotals, c.discountPercent, c.taxRate)
	return breakdown
}

func (c *Cart) ensureMutable() error {
	if c.phase == CartPhaseCommitting {
		return fmt.Errorf("%w: cart %s is committing", ErrInvalidTransition, c.id)
	}
	return nil
}

func (c *Cart) touch() {
	if c.phase != CartPhaseBuilding {
		c.phase = CartPhaseBuilding
	}
}

func (c *Cart) reset() {
	c.lines = nil
	c.customerID = ""
	c.discountPercent = decimal.Zero
}

func (c *Cart) indexOf(productID string) int {
	for i, line := range c.lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *Cart) removeAt(idx int) {
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
}

func (c *Cart) setPhase(phase CartPhase) { c.phase = phase }
