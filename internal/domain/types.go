package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType enumerates the tender types accepted at the register.
type PaymentType string

const (
	PaymentCash    PaymentType = "cash"
	PaymentCard    PaymentType = "card"
	PaymentDigital PaymentType = "digital"
	PaymentCredit  PaymentType = "credit"
)

// Valid reports whether the payment type is one of the supported tenders.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentCash, PaymentCard, PaymentDigital, PaymentCredit:
		return true
	}
	return false
}

// SaleStatus tracks the lifecycle of a persisted sale.
type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "pending"
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusRefunded  SaleStatus = "refunded"
	SaleStatusCancelled SaleStatus = "cancelled"
)

// CanTransitionTo reports whether a sale in status s may move to next.
func (s SaleStatus) CanTransitionTo(next SaleStatus) bool {
	switch s {
	case SaleStatusPending:
		return next == SaleStatusCompleted || next == SaleStatusCancelled
	case SaleStatusCompleted:
		return next == SaleStatusRefunded
	}
	return false
}

// AdjustmentDirection is the sign of a manual stock adjustment.
type AdjustmentDirection string

const (
	AdjustmentIn  AdjustmentDirection = "in"
	AdjustmentOut AdjustmentDirection = "out"
)

// AdjustmentReason is the reason code recorded on every stock adjustment.
type AdjustmentReason string

const (
	ReasonPurchase   AdjustmentReason = "purchase"
	ReasonReturn     AdjustmentReason = "return"
	ReasonFound      AdjustmentReason = "found"
	ReasonCorrection AdjustmentReason = "correction"
	ReasonSale       AdjustmentReason = "sale"
	ReasonDamaged    AdjustmentReason = "damaged"
	ReasonExpired    AdjustmentReason = "expired"
	ReasonTheft      AdjustmentReason = "theft"
)

var adjustmentReasons = map[AdjustmentDirection][]AdjustmentReason{
	AdjustmentIn:  {ReasonPurchase, ReasonReturn, ReasonFound, ReasonCorrection},
	AdjustmentOut: {ReasonSale, ReasonDamaged, ReasonExpired, ReasonTheft, ReasonReturn, ReasonCorrection},
}

// Valid reports whether the direction is in or out.
func (d AdjustmentDirection) Valid() bool {
	_, ok := adjustmentReasons[d]
	return ok
}

// Reasons lists the reason codes accepted for the direction.
func (d AdjustmentDirection) Reasons() []AdjustmentReason {
	reasons := adjustmentReasons[d]
	out := make([]AdjustmentReason, len(reasons))
	copy(out, reasons)
	return out
}

// Allows reports whether reason is part of the closed set for the direction.
func (d AdjustmentDirection) Allows(reason AdjustmentReason) bool {
	for _, candidate := range adjustmentReasons[d] {
		if candidate == reason {
			return true
		}
	}
	return false
}

// StockStatus classifies a product's stock level against its reorder threshold.
type StockStatus string

const (
	StockStatusInStock StockStatus = "in_stock"
	StockStatusLow     StockStatus = "low"
	StockStatusOut     StockStatus = "out"
)

// Product is the catalog record shared across carts. Only checkout and the
// stock ledger mutate Stock.
type Product struct {
	ID        string
	Name      string
	SKU       string
	Category  string
	UnitPrice decimal.Decimal
	UnitCost  decimal.Decimal
	Stock     int
	MinStock  int
	Active    bool
	UpdatedAt time.Time
}

// StockStatus derives the stock classification for the product.
func (p Product) StockStatus() StockStatus {
	switch {
	case p.Stock <= 0:
		return StockStatusOut
	case p.Stock <= p.MinStock:
		return StockStatusLow
	default:
		return StockStatusInStock
	}
}

// StockValue reports the retail value of the stock on hand.
func (p Product) StockValue() decimal.Decimal {
	return p.UnitPrice.Mul(decimal.NewFromInt(int64(p.Stock)))
}

// CartLine is a priced line item. UnitPrice is the catalog price captured when
// the line was created.
type CartLine struct {
	ProductID string
	Name      string
	SKU       string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// PaymentMethod captures the tender used to settle a sale.
type PaymentMethod struct {
	Type      PaymentType
	Amount    decimal.Decimal
	Tendered  *decimal.Decimal
	Reference string
}

// Sale is the immutable record produced by a committed checkout.
type Sale struct {
	ID              string
	IdempotencyKey  string
	CustomerID      string
	CashierID       string
	Items           []CartLine
	Subtotal        decimal.Decimal
	Discount        decimal.Decimal
	DiscountPercent decimal.Decimal
	Tax             decimal.Decimal
	TaxRate         decimal.Decimal
	Total           decimal.Decimal
	Payment         PaymentMethod
	Status          SaleStatus
	StatusReason    string
	CreatedAt       time.Time
	CompletedAt     *time.Time
	RefundedAt      *time.Time
	CancelledAt     *time.Time
}

// Customer is the ledger view of a customer maintained by checkout.
type Customer struct {
	ID            string
	Name          string
	Email         string
	LoyaltyPoints int
	TotalSpent    decimal.Decimal
	LastVisit     *time.Time
}

// StockAdjustment is the append-only audit record of a manual stock change.
// Quantity is the requested amount; NewStock reflects any clamping.
type StockAdjustment struct {
	ID            string
	ProductID     string
	Direction     AdjustmentDirection
	Quantity      int
	Reason        AdjustmentReason
	PreviousStock int
	NewStock      int
	Notes         string
	Reference     string
	ActorID       string
	CreatedAt     time.Time
}

// StoreSettings carries the store-wide pricing configuration.
type StoreSettings struct {
	Name     string
	Currency string
	TaxRate  decimal.Decimal
}

// Clone returns a deep copy of the sale.
func (s Sale) Clone() Sale {
	out := s
	if s.Items != nil {
		out.Items = make([]CartLine, len(s.Items))
		copy(out.Items, s.Items)
	}
	out.Payment.Tendered = cloneDecimal(s.Payment.Tendered)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.RefundedAt = cloneTime(s.RefundedAt)
	out.CancelledAt = cloneTime(s.CancelledAt)
	return out
}

// Clone returns a deep copy of the customer.
func (c Customer) Clone() Customer {
	out := c
	out.LastVisit = cloneTime(c.LastVisit)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copy := *t
	return &copy
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	copy := *d
	return &copy
}
