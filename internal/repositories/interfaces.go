package repositories

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "github.com/tillpoint/pos/internal/domain"
)

// LockSet names the records a transaction mutates. Backends that lock
// pessimistically acquire every key before the transaction body runs.
type LockSet struct {
	ProductIDs      []string
	CustomerIDs     []string
	SaleIDs         []string
	IdempotencyKeys []string
}

// Keys returns the de-duplicated, sorted lock keys for the set.
func (l LockSet) Keys() []string {
	seen := make(map[string]struct{})
	add := func(prefix string, values []string) {
		for _, value := range values {
			trimmed := strings.TrimSpace(value)
			if trimmed == "" {
				continue
			}
			seen[prefix+trimmed] = struct{}{}
		}
	}
	add(ProductLockKey(""), l.ProductIDs)
	add(CustomerLockKey(""), l.CustomerIDs)
	add(SaleLockKey(""), l.SaleIDs)
	add(IdempotencyLockKey(""), l.IdempotencyKeys)

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ProductLockKey returns the lock key for a product.
func ProductLockKey(id string) string { return "product/" + id }

// CustomerLockKey returns the lock key for a customer.
func CustomerLockKey(id string) string { return "customer/" + id }

// SaleLockKey returns the lock key for a sale.
func SaleLockKey(id string) string { return "sale/" + id }

// IdempotencyLockKey returns the lock key for a checkout idempotency key.
func IdempotencyLockKey(key string) string { return "idempotency/" + key }

// SaleStatusUpdate carries the only mutation allowed on a persisted sale.
type SaleStatusUpdate struct {
	SaleID string
	Status domain.SaleStatus
	Reason string
	At     time.Time
}

// Tx is the unit of work handed to a transaction body. Writes are buffered and
// applied only when the body returns nil. Reads observe earlier writes made
// through the same Tx.
type Tx interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	PutProduct(ctx context.Context, product domain.Product) error
	GetCustomer(ctx context.Context, customerID string) (domain.Customer, error)
	PutCustomer(ctx context.Context, customer domain.Customer) error
	GetSale(ctx context.Context, saleID string) (domain.Sale, error)
	SaleByIdempotencyKey(ctx context.Context, key string) (domain.Sale, bool, error)
	AppendSale(ctx context.Context, sale domain.Sale) error
	UpdateSaleStatus(ctx context.Context, update SaleStatusUpdate) error
	AppendAdjustment(ctx context.Context, adjustment domain.StockAdjustment) error
}

// TxFunc is executed within a store transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the transactional persistence boundary of the register core.
type Store interface {
	RunInTransaction(ctx context.Context, locks LockSet, fn TxFunc) error
	Products() ProductRepository
	Customers() CustomerRepository
	Sales() SaleRepository
	Adjustments() AdjustmentRepository
}

// ProductRepository exposes catalog reads and the seeding path used by catalog owners.
type ProductRepository interface {
	Get(ctx context.Context, productID string) (domain.Product, error)
	Save(ctx context.Context, product domain.Product) error
}

// CustomerRepository exposes customer reads and the seeding path used by customer owners.
type CustomerRepository interface {
	Get(ctx context.Context, customerID string) (domain.Customer, error)
	Save(ctx context.Context, customer domain.Customer) error
}

// SaleQuery filters sale listings. Zero values match everything.
type SaleQuery struct {
	Status      domain.SaleStatus
	PaymentType domain.PaymentType
	CustomerID  string
	Limit       int
}

// SaleRepository exposes read access to persisted sales.
type SaleRepository interface {
	Get(ctx context.Context, saleID string) (domain.Sale, error)
	GetByIdempotencyKey(ctx context.Context, key string) (domain.Sale, error)
	List(ctx context.Context, query SaleQuery) ([]domain.Sale, error)
}

// AdjustmentRepository exposes read access to the stock adjustment audit log.
type AdjustmentRepository interface {
	ListByProduct(ctx context.Context, productID string, limit int) ([]domain.StockAdjustment, error)
}

// Matches reports whether the sale satisfies the query filters.
func (q SaleQuery) Matches(sale domain.Sale) bool {
	if q.Status != "" && sale.Status != q.Status {
		return false
	}
	if q.PaymentType != "" && sale.Payment.Type != q.PaymentType {
		return false
	}
	if id := strings.TrimSpace(q.CustomerID); id != "" && sale.CustomerID != id {
		return false
	}
	return true
}

// ApplyStatusUpdate returns sale with the status transition recorded.
func ApplyStatusUpdate(sale domain.Sale, update SaleStatusUpdate) domain.Sale {
	at := update.At.UTC()
	sale.Status = update.Status
	if reason := strings.TrimSpace(update.Reason); reason != "" {
		sale.StatusReason = reason
	}
	switch update.Status {
	case domain.SaleStatusCompleted:
		sale.CompletedAt = &at
	case domain.SaleStatusRefunded:
		sale.RefundedAt = &at
	case domain.SaleStatusCancelled:
		sale.CancelledAt = &at
	}
	return sale
}
