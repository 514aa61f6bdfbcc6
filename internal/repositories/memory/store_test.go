package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/repositories"
)

func seedProduct(t *testing.T, store *Store, id string, stock int) {
	t.Helper()
	require.NoError(t, store.Products().Save(context.Background(), domain.Product{
		ID:        id,
		Name:      "Product " + id,
		UnitPrice: decimal.RequireFromString("1.00"),
		Stock:     stock,
		Active:    true,
	}))
}

func TestRunInTransactionAppliesWritesOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedProduct(t, store, "p1", 5)

	err := store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p1"}}, func(ctx context.Context, tx repositories.Tx) error {
		product, err := tx.GetProduct(ctx, "p1")
		if err != nil {
			return err
		}
		product.Stock -= 2
		if err := tx.PutProduct(ctx, product); err != nil {
			return err
		}
		again, err := tx.GetProduct(ctx, "p1")
		if err != nil {
			return err
		}
		require.Equal(t, 3, again.Stock)
		return tx.AppendAdjustment(ctx, domain.StockAdjustment{ID: "adj-1", ProductID: "p1", Quantity: 2})
	})
	require.NoError(t, err)

	product, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3, product.Stock)

	adjustments, err := store.Adjustments().ListByProduct(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
}

func TestRunInTransactionDiscardsWritesOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedProduct(t, store, "p1", 5)
	seedProduct(t, store, "p2", 1)

	boom := errors.New("boom")
	err := store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p1", "p2"}}, func(ctx context.Context, tx repositories.Tx) error {
		p1, _ := tx.GetProduct(ctx, "p1")
		p1.Stock = 0
		require.NoError(t, tx.PutProduct(ctx, p1))
		return boom
	})
	require.ErrorIs(t, err, boom)

	product, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 5, product.Stock)
}

func TestPutProductRequiresLock(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedProduct(t, store, "p1", 5)

	err := store.RunInTransaction(ctx, repositories.LockSet{}, func(ctx context.Context, tx repositories.Tx) error {
		product, err := tx.GetProduct(ctx, "p1")
		if err != nil {
			return err
		}
		return tx.PutProduct(ctx, product)
	})
	require.Equal(t, repositories.StoreErrorInvariant, repositories.ErrorCode(err))
}

func TestPutProductRejectsNegativeStock(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedProduct(t, store, "p1", 1)

	err := store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p1"}}, func(ctx context.Context, tx repositories.Tx) error {
		product, _ := tx.GetProduct(ctx, "p1")
		product.Stock = -1
		return tx.PutProduct(ctx, product)
	})
	require.Equal(t, repositories.StoreErrorInvariant, repositories.ErrorCode(err))

	product, _ := store.Products().Get(ctx, "p1")
	require.Equal(t, 1, product.Stock)
}

func TestGetMissingProductReturnsNotFound(t *testing.T) {
	store := NewStore()
	_, err := store.Products().Get(context.Background(), "missing")
	require.True(t, repositories.IsNotFound(err))
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewStore(WithLockTimeout(20 * time.Millisecond))
	seedProduct(t, store, "p1", 5)

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p1"}}, func(ctx context.Context, tx repositories.Tx) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	err := store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p1"}}, func(ctx context.Context, tx repositories.Tx) error {
		t.Fatalf("transaction body must not run without the lock")
		return nil
	})
	close(done)
	require.Equal(t, repositories.StoreErrorLockTimeout, repositories.ErrorCode(err))
}

func TestDisjointProductsDoNotContend(t *testing.T) {
	ctx := context.Background()
	store := NewStore(WithLockTimeout(time.Second))
	seedProduct(t, store, "p1", 5)
	seedProduct(t, store, "p2", 5)

	holding := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p1"}}, func(ctx context.Context, tx repositories.Tx) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	start := time.Now()
	err := store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p2"}}, func(ctx context.Context, tx repositories.Tx) error {
		return nil
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	close(done)
	wg.Wait()
}

func TestConcurrentTransactionsSerialisePerProduct(t *testing.T) {
	ctx := context.Background()
	store := NewStore(WithLockTimeout(5 * time.Second))
	seedProduct(t, store, "p1", 100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p1"}}, func(ctx context.Context, tx repositories.Tx) error {
				product, err := tx.GetProduct(ctx, "p1")
				if err != nil {
					return err
				}
				product.Stock--
				return tx.PutProduct(ctx, product)
			})
			if err != nil {
				t.Errorf("transaction failed: %v", err)
			}
		}()
	}
	wg.Wait()

	product, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 50, product.Stock)
}

func TestAppendSaleRejectsDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	appendSale := func(id string) error {
		return store.RunInTransaction(ctx, repositories.LockSet{IdempotencyKeys: []string{"key-1"}}, func(ctx context.Context, tx repositories.Tx) error {
			return tx.AppendSale(ctx, domain.Sale{ID: id, IdempotencyKey: "key-1", Status: domain.SaleStatusCompleted})
		})
	}
	require.NoError(t, appendSale("SALE-1"))
	err := appendSale("SALE-2")
	require.Equal(t, repositories.StoreErrorConflict, repositories.ErrorCode(err))

	sale, err := store.Sales().GetByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, "SALE-1", sale.ID)
}

func TestUpdateSaleStatus(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.RunInTransaction(ctx, repositories.LockSet{}, func(ctx context.Context, tx repositories.Tx) error {
		return tx.AppendSale(ctx, domain.Sale{ID: "SALE-1", Status: domain.SaleStatusCompleted})
	}))

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RunInTransaction(ctx, repositories.LockSet{SaleIDs: []string{"SALE-1"}}, func(ctx context.Context, tx repositories.Tx) error {
		return tx.UpdateSaleStatus(ctx, repositories.SaleStatusUpdate{SaleID: "SALE-1", Status: domain.SaleStatusRefunded, Reason: "damaged box", At: at})
	}))

	sale, err := store.Sales().Get(ctx, "SALE-1")
	require.NoError(t, err)
	require.Equal(t, domain.SaleStatusRefunded, sale.Status)
	require.Equal(t, "damaged box", sale.StatusReason)
	require.NotNil(t, sale.RefundedAt)
	require.True(t, sale.RefundedAt.Equal(at))
}

func TestListSalesFiltersNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	sales := []domain.Sale{
		{ID: "SALE-1", Status: domain.SaleStatusCompleted, Payment: domain.PaymentMethod{Type: domain.PaymentCash}},
		{ID: "SALE-2", Status: domain.SaleStatusRefunded, Payment: domain.PaymentMethod{Type: domain.PaymentCard}},
		{ID: "SALE-3", Status: domain.SaleStatusCompleted, Payment: domain.PaymentMethod{Type: domain.PaymentCard}, CustomerID: "c1"},
	}
	for _, sale := range sales {
		sale := sale
		require.NoError(t, store.RunInTransaction(ctx, repositories.LockSet{}, func(ctx context.Context, tx repositories.Tx) error {
			return tx.AppendSale(ctx, sale)
		}))
	}

	all, err := store.Sales().List(ctx, repositories.SaleQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"SALE-3", "SALE-2", "SALE-1"}, saleIDs(all))

	cards, err := store.Sales().List(ctx, repositories.SaleQuery{PaymentType: domain.PaymentCard, Status: domain.SaleStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, []string{"SALE-3"}, saleIDs(cards))

	limited, err := store.Sales().List(ctx, repositories.SaleQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	byCustomer, err := store.Sales().List(ctx, repositories.SaleQuery{CustomerID: "c1"})
	require.NoError(t, err)
	require.Equal(t, []string{"SALE-3"}, saleIDs(byCustomer))
}

func TestStoredSaleIsIsolatedFromCaller(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	sale := domain.Sale{ID: "SALE-1", Items: []domain.CartLine{{ProductID: "p1", Quantity: 2}}}
	require.NoError(t, store.RunInTransaction(ctx, repositories.LockSet{}, func(ctx context.Context, tx repositories.Tx) error {
		return tx.AppendSale(ctx, sale)
	}))
	sale.Items[0].Quantity = 99

	stored, err := store.Sales().Get(ctx, "SALE-1")
	require.NoError(t, err)
	require.Equal(t, 2, stored.Items[0].Quantity)
}

func TestListAdjustmentsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedProduct(t, store, "p1", 1)
	for _, id := range []string{"adj-1", "adj-2", "adj-3"} {
		id := id
		require.NoError(t, store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{"p1"}}, func(ctx context.Context, tx repositories.Tx) error {
			return tx.AppendAdjustment(ctx, domain.StockAdjustment{ID: id, ProductID: "p1", Quantity: 1})
		}))
	}

	got, err := store.Adjustments().ListByProduct(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "adj-3", got[0].ID)
	require.Equal(t, "adj-2", got[1].ID)
}

func saleIDs(sales []domain.Sale) []string {
	out := make([]string, 0, len(sales))
	for _, sale := range sales {
		out = append(out, sale.ID)
	}
	return out
}
