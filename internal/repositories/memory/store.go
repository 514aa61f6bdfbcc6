// Package memory provides an in-process Store with per-record locking. It
// backs local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/repositories"
)

const defaultLockTimeout = 2 * time.Second

// Option customises the Store.
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for its locks.
func WithLockTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

// Store keeps every record in maps guarded by a single mutex. Transactions
// additionally hold per-record locks for their whole body.
type Store struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	customers   map[string]domain.Customer
	sales       map[string]domain.Sale
	saleKeys    map[string]string
	saleOrder   []string
	adjustments map[string][]domain.StockAdjustment

	locks       *lockManager
	lockTimeout time.Duration
}

var _ repositories.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		products:    make(map[string]domain.Product),
		customers:   make(map[string]domain.Customer),
		sales:       make(map[string]domain.Sale),
		saleKeys:    make(map[string]string),
		adjustments: make(map[string][]domain.StockAdjustment),
		locks:       newLockManager(),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RunInTransaction acquires every lock in the set, runs fn, and applies the
// buffered writes only when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, locks repositories.LockSet, fn repositories.TxFunc) error {
	if fn == nil {
		return errors.New("memory store: transaction function is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	keys := locks.Keys()
	release, err := s.locks.acquire(ctx, keys, s.lockTimeout)
	if err != nil {
		var storeErr *repositories.StoreError
		if errors.As(err, &storeErr) {
			return storeErr.WithOp("memory.transaction")
		}
		return err
	}
	defer release()

	tx := newTx(s, keys)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.apply(tx)
}

func (s *Store) apply(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sale := range tx.newSales {
		if _, exists := s.sales[sale.ID]; exists {
			return repositories.NewStoreError(repositories.StoreErrorConflict, fmt.Sprintf("sale %s already exists", sale.ID), nil).WithOp("memory.commit")
		}
		if key := sale.IdempotencyKey; key != "" {
			if _, exists := s.saleKeys[key]; exists {
				return repositories.NewStoreError(repositories.StoreErrorConflict, "idempotency key already used", nil).WithOp("memory.commit")
			}
		}
	}
	for id := range tx.saleUpdates {
		if _, exists := s.sales[id]; !exists {
			if _, created := tx.newSaleIndex[id]; !created {
				return repositories.NewStoreError(repositories.StoreErrorNotFound, fmt.Sprintf("sale %s not found", id), nil).WithOp("memory.commit")
			}
		}
	}

	for id, product := range tx.products {
		if tx.dirtyProducts[id] {
			s.products[id] = product
		}
	}
	for id, customer := range tx.customers {
		if tx.dirtyCustomers[id] {
			s.customers[id] = customer.Clone()
		}
	}
	for _, sale := range tx.newSales {
		s.sales[sale.ID] = sale.Clone()
		s.saleOrder = append(s.saleOrder, sale.ID)
		if key := sale.IdempotencyKey; key != "" {
			s.saleKeys[key] = sale.ID
		}
	}
	for id, update := range tx.saleUpdates {
		sale := s.sales[id]
		s.sales[id] = repositories.ApplyStatusUpdate(sale, update)
	}
	for _, adj := range tx.adjustments {
		s.adjustments[adj.ProductID] = append(s.adjustments[adj.ProductID], adj)
	}
	return nil
}

// Products returns the product repository view.
func (s *Store) Products() repositories.ProductRepository { return productRepo{s} }

// Customers returns the customer repository view.
func (s *Store) Customers() repositories.CustomerRepository { return customerRepo{s} }

// Sales returns the sale repository view.
func (s *Store) Sales() repositories.SaleRepository { return saleRepo{s} }

// Adjustments returns the adjustment audit log view.
func (s *Store) Adjustments() repositories.AdjustmentRepository { return adjustmentRepo{s} }

func (s *Store) product(id string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[id]
	if !ok {
		return domain.Product{}, repositories.NewStoreError(repositories.StoreErrorNotFound, fmt.Sprintf("product %s not found", id), nil)
	}
	return product, nil
}

func (s *Store) customer(id string) (domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	customer, ok := s.customers[id]
	if !ok {
		return domain.Customer{}, repositories.NewStoreError(repositories.StoreErrorNotFound, fmt.Sprintf("customer %s not found", id), nil)
	}
	return customer.Clone(), nil
}

func (s *Store) sale(id string) (domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return domain.Sale{}, repositories.NewStoreError(repositories.StoreErrorNotFound, fmt.Sprintf("sale %s not found", id), nil)
	}
	return sale.Clone(), nil
}

func (s *Store) saleByKey(key string) (domain.Sale, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.saleKeys[key]
	if !ok {
		return domain.Sale{}, false
	}
	return s.sales[id].Clone(), true
}

type productRepo struct{ s *Store }

func (r productRepo) Get(_ context.Context, productID string) (domain.Product, error) {
	return r.s.product(strings.TrimSpace(productID))
}

func (r productRepo) Save(_ context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("memory store: product id is required")
	}
	product.ID = id
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.products[id] = product
	return nil
}

type customerRepo struct{ s *Store }

func (r customerRepo) Get(_ context.Context, customerID string) (domain.Customer, error) {
	return r.s.customer(strings.TrimSpace(customerID))
}

func (r customerRepo) Save(_ context.Context, customer domain.Customer) error {
	id := strings.TrimSpace(customer.ID)
	if id == "" {
		return errors.New("memory store: customer id is required")
	}
	customer.ID = id
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.customers[id] = customer.Clone()
	return nil
}

type saleRepo struct{ s *Store }

func (r saleRepo) Get(_ context.Context, saleID string) (domain.Sale, error) {
	return r.s.sale(strings.TrimSpace(saleID))
}

func (r saleRepo) GetByIdempotencyKey(_ context.Context, key string) (domain.Sale, error) {
	sale, ok := r.s.saleByKey(strings.TrimSpace(key))
	if !ok {
		return domain.Sale{}, repositories.NewStoreError(repositories.StoreErrorNotFound, "no sale for idempotency key", nil)
	}
	return sale, nil
}

// List returns matching sales newest first.
func (r saleRepo) List(_ context.Context, query repositories.SaleQuery) ([]domain.Sale, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]domain.Sale, 0)
	for i := len(r.s.saleOrder) - 1; i >= 0; i-- {
		sale := r.s.sales[r.s.saleOrder[i]]
		if !query.Matches(sale) {
			continue
		}
		out = append(out, sale.Clone())
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

type adjustmentRepo struct{ s *Store }

// ListByProduct returns the product's adjustments newest first.
func (r adjustmentRepo) ListByProduct(_ context.Context, productID string, limit int) ([]domain.StockAdjustment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	entries := r.s.adjustments[strings.TrimSpace(productID)]
	out := make([]domain.StockAdjustment, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
