package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/money"
)

// StockLedger applies manual, reason-coded stock changes outside the sales flow.
type StockLedger interface {
	ApplyAdjustment(ctx context.Context, cmd AdjustStockCommand) (StockAdjustmentResult, error)
	ListAdjustments(ctx context.Context, productID string, limit int) ([]domain.StockAdjustment, error)
}

// CheckoutService turns carts into committed sales and manages sale status.
type CheckoutService interface {
	Validate(ctx context.Context, cart *Cart, payment PaymentInput) (CheckoutQuote, error)
	Commit(ctx context.Context, cmd CommitCommand) (CommitResult, error)
	Cancel(cart *Cart) error
	Refund(ctx context.Context, cmd RefundCommand) (domain.Sale, error)
	CancelSale(ctx context.Context, cmd CancelSaleCommand) (domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (domain.Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error)
}

// EventPublisher accepts register events for downstream consumers. Publishing
// happens after the store transaction lands; failures are logged, never returned.
type EventPublisher interface {
	PublishSaleEvent(ctx context.Context, event SaleEvent) error
	PublishStockEvent(ctx context.Context, event StockEvent) error
}

// CardVerifier confirms a card payment with the processor before commit.
// Returning an error wrapping ErrPaymentDeclined rejects the sale.
type CardVerifier interface {
	VerifyCardPayment(ctx context.Context, req CardVerification) error
}

// CardRefunder returns funds for a card sale at the processor. Implementations
// must be safe to call more than once for the same sale.
type CardRefunder interface {
	RefundCardPayment(ctx context.Context, req CardRefund) error
}

// PointsPolicy returns the loyalty points earned for a sale.
type PointsPolicy func(sale domain.Sale) int

// AdjustStockCommand requests a manual stock change.
type AdjustStockCommand struct {
	ProductID string
	Direction domain.AdjustmentDirection
	Quantity  int
	Reason    domain.AdjustmentReason
	Notes     string
	Reference string
	ActorID   string
}

// StockAdjustmentResult is the product after the change plus its audit record.
type StockAdjustmentResult struct {
	Product    domain.Product
	Adjustment domain.StockAdjustment
}

// PaymentInput is the tender offered at checkout.
type PaymentInput struct {
	Type      domain.PaymentType
	Tendered  *decimal.Decimal
	Reference string
}

// CheckoutQuote is the validated projection of a cart ready to commit.
type CheckoutQuote struct {
	Lines   []domain.CartLine
	Totals  money.Breakdown
	Payment domain.PaymentMethod
	Change  decimal.Decimal
}

// CommitCommand commits a cart. IdempotencyKey makes retries safe.
type CommitCommand struct {
	Cart           *Cart
	Payment        PaymentInput
	IdempotencyKey string
	ActorID        string
}

// CommitResult carries the persisted sale. Replayed is true when the key had
// already committed and no mutation took place.
type CommitResult struct {
	Sale     domain.Sale
	Change   decimal.Decimal
	Replayed bool
}

// RefundCommand moves a completed sale to refunded.
type RefundCommand struct {
	SaleID  string
	Reason  string
	ActorID string
}

// CancelSaleCommand moves a pending sale to cancelled.
type CancelSaleCommand struct {
	SaleID  string
	Reason  string
	ActorID string
}

// SaleFilter narrows ListSales. Zero values match everything.
type SaleFilter struct {
	Status      domain.SaleStatus
	PaymentType domain.PaymentType
	CustomerID  string
	Limit       int
}

// CardVerification is the card payment to confirm.
type CardVerification struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

// SaleEvent describes a sale status change.
type SaleEvent struct {
	Type        string
	SaleID      string
	CustomerID  string
	CashierID   string
	Status      domain.SaleStatus
	PaymentType domain.PaymentType
	Total       decimal.Decimal
	ItemCount   int
	Reason      string
	OccurredAt  time.Time
}

// StockEvent describes a stock level change for one product.
type StockEvent struct {
	Type          string
	ProductID     string
	SKU           string
	AdjustmentID  string
	SaleID        string
	Direction     domain.AdjustmentDirection
	Quantity      int
	PreviousStock int
	NewStock      int
	MinStock      int
	Status        domain.StockStatus
	Reason        domain.AdjustmentReason
	OccurredAt    time.Time
}

// CardRefund identifies the card payment to return.
type CardRefund struct {
	SaleID    string
	Reference string
	Amount    decimal.Decimal
	Reason    string
}
