// Package firestore implements the register Store on Cloud Firestore. Firestore
// transactions are optimistic: the lock set bounds which records a body may
// mutate, and contention surfaces as a lock timeout once retries run out.
package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/tillpoint/pos/internal/domain"
	pfirestore "github.com/tillpoint/pos/internal/platform/firestore"
	"github.com/tillpoint/pos/internal/repositories"
)

const defaultTransactionTimeout = 5 * time.Second

// Store persists register records in Firestore collections.
type Store struct {
	provider    *pfirestore.Provider
	products    *pfirestore.Collection[productDocument]
	customers   *pfirestore.Collection[customerDocument]
	sales       *pfirestore.Collection[saleDocument]
	saleKeys    *pfirestore.Collection[saleKeyDocument]
	adjustments *pfirestore.Collection[adjustmentDocument]
	txTimeout   time.Duration
	txAttempts  int
}

// Option customises the Store.
type Option func(*Store)

// WithTransactionTimeout bounds each transaction including retries.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.txTimeout = timeout
		}
	}
}

// WithTransactionAttempts overrides how often a contended transaction is retried.
func WithTransactionAttempts(attempts int) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.txAttempts = attempts
		}
	}
}

// NewStore binds a Store to the provider's client.
func NewStore(provider *pfirestore.Provider, opts ...Option) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store requires firestore provider")
	}
	s := &Store{
		provider:    provider,
		products:    pfirestore.NewCollection[productDocument](provider, productsCollection),
		customers:   pfirestore.NewCollection[customerDocument](provider, customersCollection),
		sales:       pfirestore.NewCollection[saleDocument](provider, salesCollection),
		saleKeys:    pfirestore.NewCollection[saleKeyDocument](provider, saleKeysCollection),
		adjustments: pfirestore.NewCollection[adjustmentDocument](provider, adjustmentsCollection),
		txTimeout:   defaultTransactionTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// RunInTransaction runs fn in a Firestore transaction. Writes made through the
// Tx are flushed after fn returns nil. A body error is returned as is.
func (s *Store) RunInTransaction(ctx context.Context, locks repositories.LockSet, fn repositories.TxFunc) error {
	if s == nil || s.provider == nil {
		return errors.New("firestore store not initialised")
	}
	if fn == nil {
		return errors.New("firestore store: transaction function is nil")
	}

	keys := locks.Keys()
	var bodyErr error
	txOpts := []pfirestore.TxOption{pfirestore.WithTxTimeout(s.txTimeout)}
	if s.txAttempts > 0 {
		txOpts = append(txOpts, pfirestore.WithTxAttempts(s.txAttempts))
	}

	err := s.provider.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		tx := newTx(s, ftx, keys)
		if err := fn(ctx, tx); err != nil {
			bodyErr = err
			return err
		}
		bodyErr = nil
		return tx.flush(ctx)
	}, txOpts...)
	if err == nil {
		return nil
	}
	if bodyErr != nil {
		return bodyErr
	}
	return toStoreError("firestore.transaction", err)
}

// Products returns the product repository view.
func (s *Store) Products() repositories.ProductRepository { return productRepo{s} }

// Customers returns the customer repository view.
func (s *Store) Customers() repositories.CustomerRepository { return customerRepo{s} }

// Sales returns the sale repository view.
func (s *Store) Sales() repositories.SaleRepository { return saleRepo{s} }

// Adjustments returns the adjustment audit log view.
func (s *Store) Adjustments() repositories.AdjustmentRepository { return adjustmentRepo{s} }

type productRepo struct{ s *Store }

func (r productRepo) Get(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	doc, err := r.s.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, toStoreError("products.get", err)
	}
	return doc.toDomain(id)
}

func (r productRepo) Save(ctx context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return repositories.NewStoreError(repositories.StoreErrorUnknown, "product id is required", nil).WithOp("products.save")
	}
	if product.Stock < 0 {
		return repositories.NewStoreError(repositories.StoreErrorInvariant, "product stock must not be negative", nil).WithOp("products.save")
	}
	if err := r.s.products.Set(ctx, id, newProductDocument(product)); err != nil {
		return toStoreError("products.save", err)
	}
	return nil
}

type customerRepo struct{ s *Store }

func (r customerRepo) Get(ctx context.Context, customerID string) (domain.Customer, error) {
	id := strings.TrimSpace(customerID)
	doc, err := r.s.customers.Get(ctx, id)
	if err != nil {
		return domain.Customer{}, toStoreError("customers.get", err)
	}
	return doc.toDomain(id)
}

func (r customerRepo) Save(ctx context.Context, customer domain.Customer) error {
	id := strings.TrimSpace(customer.ID)
	if id == "" {
		return repositories.NewStoreError(repositories.StoreErrorUnknown, "customer id is required", nil).WithOp("customers.save")
	}
	if err := r.s.customers.Set(ctx, id, newCustomerDocument(customer)); err != nil {
		return toStoreError("customers.save", err)
	}
	return nil
}

type saleRepo struct{ s *Store }

func (r saleRepo) Get(ctx context.Context, saleID string) (domain.Sale, error) {
	id := strings.TrimSpace(saleID)
	doc, err := r.s.sales.Get(ctx, id)
	if err != nil {
		return domain.Sale{}, toStoreError("sales.get", err)
	}
	return doc.toDomain(id)
}

func (r saleRepo) GetByIdempotencyKey(ctx context.Context, key string) (domain.Sale, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return domain.Sale{}, repositories.NewStoreError(repositories.StoreErrorNotFound, "no sale for idempotency key", nil).WithOp("sales.byKey")
	}
	index, err := r.s.saleKeys.Get(ctx, saleKeyID(trimmed))
	if err != nil {
		return domain.Sale{}, toStoreError("sales.byKey", err)
	}
	return r.Get(ctx, index.SaleID)
}

// List returns matching sales newest first. Filtered listings need composite
// indexes on the filter field and createdAt.
func (r saleRepo) List(ctx context.Context, query repositories.SaleQuery) ([]domain.Sale, error) {
	docs, err := r.s.sales.Query(ctx, func(q firestore.Query) firestore.Query {
		if query.Status != "" {
			q = q.Where("status", "==", string(query.Status))
		}
		if query.PaymentType != "" {
			q = q.Where("paymentType", "==", string(query.PaymentType))
		}
		if id := strings.TrimSpace(query.CustomerID); id != "" {
			q = q.Where("customerId", "==", id)
		}
		q = q.OrderBy("createdAt", firestore.Desc)
		if query.Limit > 0 {
			q = q.Limit(query.Limit)
		}
		return q
	})
	if err != nil {
		return nil, toStoreError("sales.list", err)
	}

	out := make([]domain.Sale, 0, len(docs))
	for _, doc := range docs {
		sale, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, nil
}

type adjustmentRepo struct{ s *Store }

// ListByProduct returns the product's adjustments newest first.
func (r adjustmentRepo) ListByProduct(ctx context.Context, productID string, limit int) ([]domain.StockAdjustment, error) {
	id := strings.TrimSpace(productID)
	docs, err := r.s.adjustments.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("productId", "==", id).OrderBy("createdAt", firestore.Desc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, toStoreError("adjustments.list", err)
	}
	out := make([]domain.StockAdjustment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}
