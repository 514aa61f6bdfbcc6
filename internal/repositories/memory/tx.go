package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/repositories"
)

// memoryTx buffers writes until the transaction body returns. Mutations are
// only accepted for records whose lock the transaction holds.
type memoryTx struct {
	store *Store
	held  map[string]struct{}

	products       map[string]domain.Product
	dirtyProducts  map[string]bool
	customers      map[string]domain.Customer
	dirtyCustomers map[string]bool
	newSales       []domain.Sale
	newSaleIndex   map[string]int
	saleUpdates    map[string]repositories.SaleStatusUpdate
	adjustments    []domain.StockAdjustment
}

func newTx(store *Store, keys []string) *memoryTx {
	held := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		held[key] = struct{}{}
	}
	return &memoryTx{
		store:          store,
		held:           held,
		products:       make(map[string]domain.Product),
		dirtyProducts:  make(map[string]bool),
		customers:      make(map[string]domain.Customer),
		dirtyCustomers: make(map[string]bool),
		newSaleIndex:   make(map[string]int),
		saleUpdates:    make(map[string]repositories.SaleStatusUpdate),
	}
}

func (t *memoryTx) requireLock(key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	return repositories.NewStoreError(repositories.StoreErrorInvariant, fmt.Sprintf("%s is not locked by this transaction", key), nil).WithOp("memory.tx")
}

func (t *memoryTx) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if product, ok := t.products[id]; ok {
		return product, nil
	}
	product, err := t.store.product(id)
	if err != nil {
		return domain.Product{}, err
	}
	t.products[id] = product
	return product, nil
}

func (t *memoryTx) PutProduct(_ context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("memory tx: product id is required")
	}
	if err := t.requireLock(repositories.ProductLockKey(id)); err != nil {
		return err
	}
	if product.Stock < 0 {
		return repositories.NewStoreError(repositories.StoreErrorInvariant, fmt.Sprintf("product %s stock would be negative", id), nil).WithOp("memory.tx")
	}
	product.ID = id
	t.products[id] = product
	t.dirtyProducts[id] = true
	return nil
}

func (t *memoryTx) GetCustomer(_ context.Context, customerID string) (domain.Customer, error) {
	id := strings.TrimSpace(customerID)
	if customer, ok := t.customers[id]; ok {
		return customer.Clone(), nil
	}
	customer, err := t.store.customer(id)
	if err != nil {
		return domain.Customer{}, err
	}
	t.customers[id] = customer
	return customer.Clone(), nil
}

func (t *memoryTx) PutCustomer(_ context.Context, customer domain.Customer) error {
	id := strings.TrimSpace(customer.ID)
	if id == "" {
		return errors.New("memory tx: customer id is required")
	}
	if err := t.requireLock(repositories.CustomerLockKey(id)); err != nil {
		return err
	}
	customer.ID = id
	t.customers[id] = customer.Clone()
	t.dirtyCustomers[id] = true
	return nil
}

func (t *memoryTx) GetSale(_ context.Context, saleID string) (domain.Sale, error) {
	id := strings.TrimSpace(saleID)
	var sale domain.Sale
	if idx, ok := t.newSaleIndex[id]; ok {
		sale = t.newSales[idx].Clone()
	} else {
		stored, err := t.store.sale(id)
		if err != nil {
			return domain.Sale{}, err
		}
		sale = stored
	}
	if update, ok := t.saleUpdates[id]; ok {
		sale = repositories.ApplyStatusUpdate(sale, update)
	}
	return sale, nil
}

func (t *memoryTx) SaleByIdempotencyKey(_ context.Context, key string) (domain.Sale, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Sale{}, false, nil
	}
	for _, sale := range t.newSales {
		if sale.IdempotencyKey == key {
			return sale.Clone(), true, nil
		}
	}
	sale, ok := t.store.saleByKey(key)
	return sale, ok, nil
}

func (t *memoryTx) AppendSale(_ context.Context, sale domain.Sale) error {
	id := strings.TrimSpace(sale.ID)
	if id == "" {
		return errors.New("memory tx: sale id is required")
	}
	if _, exists := t.newSaleIndex[id]; exists {
		return repositories.NewStoreError(repositories.StoreErrorConflict, fmt.Sprintf("sale %s already appended", id), nil).WithOp("memory.tx")
	}
	if key := strings.TrimSpace(sale.IdempotencyKey); key != "" {
		if _, found, _ := t.SaleByIdempotencyKey(context.Background(), key); found {
			return repositories.NewStoreError(repositories.StoreErrorConflict, "idempotency key already used", nil).WithOp("memory.tx")
		}
	}
	sale.ID = id
	t.newSaleIndex[id] = len(t.newSales)
	t.newSales = append(t.newSales, sale.Clone())
	return nil
}

func (t *memoryTx) UpdateSaleStatus(_ context.Context, update repositories.SaleStatusUpdate) error {
	id := strings.TrimSpace(update.SaleID)
	if id == "" {
		return errors.New("memory tx: sale id is required")
	}
	if err := t.requireLock(repositories.SaleLockKey(id)); err != nil {
		return err
	}
	update.SaleID = id
	t.saleUpdates[id] = update
	return nil
}

func (t *memoryTx) AppendAdjustment(_ context.Context, adjustment domain.StockAdjustment) error {
	if strings.TrimSpace(adjustment.ID) == "" {
		return errors.New("memory tx: adjustment id is required")
	}
	if err := t.requireLock(repositories.ProductLockKey(strings.TrimSpace(adjustment.ProductID))); err != nil {
		return err
	}
	t.adjustments = append(t.adjustments, adjustment)
	return nil
}
