package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/tillpoint/pos/internal/domain"
	pfirestore "github.com/tillpoint/pos/internal/platform/firestore"
	"github.com/tillpoint/pos/internal/repositories"
)

// storeTx caches reads and buffers writes. Firestore requires every read to
// happen before the first write, so writes are issued only in flush.
type storeTx struct {
	store *Store
	ftx   *firestore.Transaction
	held  map[string]struct{}

	products       map[string]domain.Product
	dirtyProducts  []string
	customers      map[string]domain.Customer
	dirtyCustomers []string
	sales          map[string]domain.Sale
	newSales       []domain.Sale
	updatedSales   []string
	saleKeys       map[string]string
	adjustments    []domain.StockAdjustment
}

func newTx(store *Store, ftx *firestore.Transaction, keys []string) *storeTx {
	held := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		held[key] = struct{}{}
	}
	return &storeTx{
		store:     store,
		ftx:       ftx,
		held:      held,
		products:  make(map[string]domain.Product),
		customers: make(map[string]domain.Customer),
		sales:     make(map[string]domain.Sale),
		saleKeys:  make(map[string]string),
	}
}

func (t *storeTx) requireLock(key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	return repositories.NewStoreError(repositories.StoreErrorInvariant, fmt.Sprintf("%s is not locked by this transaction", key), nil).WithOp("firestore.tx")
}

func (t *storeTx) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if product, ok := t.products[id]; ok {
		return product, nil
	}
	ref, err := t.store.products.Ref(ctx, id)
	if err != nil {
		return domain.Product{}, toStoreError("tx.getProduct", err)
	}
	snap, err := t.ftx.Get(ref)
	if err != nil {
		return domain.Product{}, toStoreError("tx.getProduct", pfirestore.WrapError("products.get", err))
	}
	doc, err := pfirestore.Decode[productDocument](snap)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s: %w", id, err)
	}
	product, err := doc.toDomain(id)
	if err != nil {
		return domain.Product{}, err
	}
	t.products[id] = product
	return product, nil
}

func (t *storeTx) PutProduct(_ context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("firestore tx: product id is required")
	}
	if err := t.requireLock(repositories.ProductLockKey(id)); err != nil {
		return err
	}
	if product.Stock < 0 {
		return repositories.NewStoreError(repositories.StoreErrorInvariant, fmt.Sprintf("product %s stock would be negative", id), nil).WithOp("firestore.tx")
	}
	product.ID = id
	t.products[id] = product
	t.dirtyProducts = appendUnique(t.dirtyProducts, id)
	return nil
}

func (t *storeTx) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	id := strings.TrimSpace(customerID)
	if customer, ok := t.customers[id]; ok {
		return customer.Clone(), nil
	}
	ref, err := t.store.customers.Ref(ctx, id)
	if err != nil {
		return domain.Customer{}, toStoreError("tx.getCustomer", err)
	}
	snap, err := t.ftx.Get(ref)
	if err != nil {
		return domain.Customer{}, toStoreError("tx.getCustomer", pfirestore.WrapError("customers.get", err))
	}
	doc, err := pfirestore.Decode[customerDocument](snap)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("decode customer %s: %w", id, err)
	}
	customer, err := doc.toDomain(id)
	if err != nil {
		return domain.Customer{}, err
	}
	t.customers[id] = customer
	return customer.Clone(), nil
}

func (t *storeTx) PutCustomer(_ context.Context, customer domain.Customer) error {
	id := strings.TrimSpace(customer.ID)
	if id == "" {
		return errors.New("firestore tx: customer id is required")
	}
	if err := t.requireLock(repositories.CustomerLockKey(id)); err != nil {
		return err
	}
	customer.ID = id
	t.customers[id] = customer.Clone()
	t.dirtyCustomers = appendUnique(t.dirtyCustomers, id)
	return nil
}

func (t *storeTx) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	id := strings.TrimSpace(saleID)
	if sale, ok := t.sales[id]; ok {
		return sale.Clone(), nil
	}
	ref, err := t.store.sales.Ref(ctx, id)
	if err != nil {
		return domain.Sale{}, toStoreError("tx.getSale", err)
	}
	snap, err := t.ftx.Get(ref)
	if err != nil {
		return domain.Sale{}, toStoreError("tx.getSale", pfirestore.WrapError("sales.get", err))
	}
	doc, err := pfirestore.Decode[saleDocument](snap)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale %s: %w", id, err)
	}
	sale, err := doc.toDomain(id)
	if err != nil {
		return domain.Sale{}, err
	}
	t.sales[id] = sale
	return sale.Clone(), nil
}

func (t *storeTx) SaleByIdempotencyKey(ctx context.Context, key string) (domain.Sale, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Sale{}, false, nil
	}
	if id, ok := t.saleKeys[key]; ok {
		if id == "" {
			return domain.Sale{}, false, nil
		}
		sale, err := t.GetSale(ctx, id)
		return sale, err == nil, err
	}

	ref, err := t.store.saleKeys.Ref(ctx, saleKeyID(key))
	if err != nil {
		return domain.Sale{}, false, toStoreError("tx.saleByKey", err)
	}
	snap, err := t.ftx.Get(ref)
	if err != nil {
		wrapped := pfirestore.WrapError("saleKeys.get", err)
		if pfirestore.KindOf(wrapped) == pfirestore.KindNotFound {
			t.saleKeys[key] = ""
			return domain.Sale{}, false, nil
		}
		return domain.Sale{}, false, toStoreError("tx.saleByKey", wrapped)
	}
	index, err := pfirestore.Decode[saleKeyDocument](snap)
	if err != nil {
		return domain.Sale{}, false, fmt.Errorf("decode sale key: %w", err)
	}
	t.saleKeys[key] = index.SaleID
	sale, err := t.GetSale(ctx, index.SaleID)
	if err != nil {
		return domain.Sale{}, false, err
	}
	return sale, true, nil
}

func (t *storeTx) AppendSale(_ context.Context, sale domain.Sale) error {
	id := strings.TrimSpace(sale.ID)
	if id == "" {
		return errors.New("firestore tx: sale id is required")
	}
	if _, exists := t.sales[id]; exists {
		return repositories.NewStoreError(repositories.StoreErrorConflict, fmt.Sprintf("sale %s already exists", id), nil).WithOp("firestore.tx")
	}
	if key := strings.TrimSpace(sale.IdempotencyKey); key != "" {
		if owner := t.saleKeys[key]; owner != "" {
			return repositories.NewStoreError(repositories.StoreErrorConflict, "idempotency key already used", nil).WithOp("firestore.tx")
		}
		t.saleKeys[key] = id
	}
	sale.ID = id
	t.sales[id] = sale.Clone()
	t.newSales = append(t.newSales, sale.Clone())
	return nil
}

// UpdateSaleStatus requires the sale to have been read or appended in this transaction.
func (t *storeTx) UpdateSaleStatus(_ context.Context, update repositories.SaleStatusUpdate) error {
	id := strings.TrimSpace(update.SaleID)
	if id == "" {
		return errors.New("firestore tx: sale id is required")
	}
	if err := t.requireLock(repositories.SaleLockKey(id)); err != nil {
		return err
	}
	sale, ok := t.sales[id]
	if !ok {
		return repositories.NewStoreError(repositories.StoreErrorNotFound, fmt.Sprintf("sale %s was not read in this transaction", id), nil).WithOp("firestore.tx")
	}
	update.SaleID = id
	t.sales[id] = repositories.ApplyStatusUpdate(sale, update)
	t.updatedSales = appendUnique(t.updatedSales, id)
	return nil
}

func (t *storeTx) AppendAdjustment(_ context.Context, adjustment domain.StockAdjustment) error {
	if strings.TrimSpace(adjustment.ID) == "" {
		return errors.New("firestore tx: adjustment id is required")
	}
	if err := t.requireLock(repositories.ProductLockKey(strings.TrimSpace(adjustment.ProductID))); err != nil {
		return err
	}
	t.adjustments = append(t.adjustments, adjustment)
	return nil
}

// flush issues the buffered writes. Creates fail on existing documents, which
// turns a concurrent duplicate sale or key into a conflict.
func (t *storeTx) flush(ctx context.Context) error {
	for _, id := range t.dirtyProducts {
		ref, err := t.store.products.Ref(ctx, id)
		if err != nil {
			return err
		}
		if err := t.ftx.Set(ref, newProductDocument(t.products[id])); err != nil {
			return err
		}
	}
	for _, id := range t.dirtyCustomers {
		ref, err := t.store.customers.Ref(ctx, id)
		if err != nil {
			return err
		}
		if err := t.ftx.Set(ref, newCustomerDocument(t.customers[id])); err != nil {
			return err
		}
	}

	created := make(map[string]struct{}, len(t.newSales))
	for _, sale := range t.newSales {
		ref, err := t.store.sales.Ref(ctx, sale.ID)
		if err != nil {
			return err
		}
		// A status update in the same transaction lands in the created document.
		if err := t.ftx.Create(ref, newSaleDocument(t.sales[sale.ID])); err != nil {
			return err
		}
		created[sale.ID] = struct{}{}
		if key := strings.TrimSpace(sale.IdempotencyKey); key != "" {
			keyRef, err := t.store.saleKeys.Ref(ctx, saleKeyID(key))
			if err != nil {
				return err
			}
			if err := t.ftx.Create(keyRef, saleKeyDocument{Key: key, SaleID: sale.ID, CreatedAt: sale.CreatedAt.UTC()}); err != nil {
				return err
			}
		}
	}
	for _, id := range t.updatedSales {
		if _, ok := created[id]; ok {
			continue
		}
		ref, err := t.store.sales.Ref(ctx, id)
		if err != nil {
			return err
		}
		if err := t.ftx.Set(ref, newSaleDocument(t.sales[id])); err != nil {
			return err
		}
	}

	for _, adjustment := range t.adjustments {
		ref, err := t.store.adjustments.Ref(ctx, adjustment.ID)
		if err != nil {
			return err
		}
		if err := t.ftx.Create(ref, newAdjustmentDocument(adjustment)); err != nil {
			return err
		}
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func appendUnique(values []string, value string) []string {
	if contains(values, value) {
		return values
	}
	return append(values, value)
}
