package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/repositories"
	"github.com/tillpoint/pos/internal/repositories/memory"
)

type recordingPublisher struct {
	mu    sync.Mutex
	sales []SaleEvent
	stock []StockEvent
	err   error
}

func (p *recordingPublisher) PublishSaleEvent(_ context.Context, event SaleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sales = append(p.sales, event)
	return p.err
}

func (p *recordingPublisher) PublishStockEvent(_ context.Context, event StockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stock = append(p.stock, event)
	return p.err
}

func (p *recordingPublisher) stockTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.stock))
	for _, event := range p.stock {
		types = append(types, event.Type)
	}
	return types
}

type logRecorder struct {
	mu     sync.Mutex
	events []string
}

func (l *logRecorder) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *logRecorder) contains(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%03d", prefix, n)
	}
}

func seedProducts(t *testing.T, store *memory.Store, products ...domain.Product) {
	t.Helper()
	for _, p := range products {
		require.NoError(t, store.Products().Save(context.Background(), p))
	}
}

func newTestLedger(t *testing.T, store *memory.Store, events EventPublisher) StockLedger {
	t.Helper()
	ledger, err := NewStockLedger(StockLedgerDeps{
		Store:       store,
		Events:      events,
		Clock:       func() time.Time { return fixedNow },
		IDGenerator: sequentialIDs("ADJ-"),
	})
	require.NoError(t, err)
	return ledger
}

func TestStockLedgerClampsOutboundScenarioE(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProducts(t, store, product("p1", "1.00", 4))
	events := &recordingPublisher{}
	ledger := newTestLedger(t, store, events)

	result, err := ledger.ApplyAdjustment(ctx, AdjustStockCommand{
		ProductID: "p1",
		Direction: domain.AdjustmentOut,
		Quantity:  10,
		Reason:    domain.ReasonDamaged,
		ActorID:   "clerk-7",
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.Product.Stock)
	require.Equal(t, 10, result.Adjustment.Quantity)
	require.Equal(t, 4, result.Adjustment.PreviousStock)
	require.Equal(t, 0, result.Adjustment.NewStock)
	require.Equal(t, domain.AdjustmentOut, result.Adjustment.Direction)
	require.Equal(t, "ADJ-001", result.Adjustment.ID)
	require.Equal(t, fixedNow, result.Adjustment.CreatedAt)

	stored, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, stored.Stock)

	audit, err := ledger.ListAdjustments(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, 10, audit[0].Quantity)
	require.Equal(t, "clerk-7", audit[0].ActorID)

	require.Equal(t, []string{eventStockAdjusted, eventStockLow}, events.stockTypes())
}

func TestStockLedgerInboundAdds(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProducts(t, store, product("p1", "1.00", 4))
	events := &recordingPublisher{}
	ledger := newTestLedger(t, store, events)

	result, err := ledger.ApplyAdjustment(ctx, AdjustStockCommand{
		ProductID: " p1 ",
		Direction: "IN",
		Quantity:  6,
		Reason:    "Purchase",
		Notes:     "  delivery  ",
	})
	require.NoError(t, err)
	require.Equal(t, 10, result.Product.Stock)
	require.Equal(t, domain.ReasonPurchase, result.Adjustment.Reason)
	require.Equal(t, "delivery", result.Adjustment.Notes)
	require.Equal(t, []string{eventStockAdjusted}, events.stockTypes())
}

func TestStockLedgerRejectsInvalidAdjustments(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProducts(t, store, product("p1", "1.00", 4))
	ledger := newTestLedger(t, store, nil)

	cases := []struct {
		name string
		cmd  AdjustStockCommand
	}{
		{"missing product id", AdjustStockCommand{Direction: domain.AdjustmentIn, Quantity: 1, Reason: domain.ReasonFound}},
		{"zero quantity", AdjustStockCommand{ProductID: "p1", Direction: domain.AdjustmentIn, Quantity: 0, Reason: domain.ReasonFound}},
		{"unknown direction", AdjustStockCommand{ProductID: "p1", Direction: "sideways", Quantity: 1, Reason: domain.ReasonFound}},
		{"missing reason", AdjustStockCommand{ProductID: "p1", Direction: domain.AdjustmentIn, Quantity: 1}},
		{"reason not allowed for direction", AdjustStockCommand{ProductID: "p1", Direction: domain.AdjustmentIn, Quantity: 1, Reason: domain.ReasonTheft}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ledger.ApplyAdjustment(ctx, tc.cmd)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	stored, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 4, stored.Stock)
}

func TestStockLedgerRejectsInboundOverflow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProducts(t, store, product("p1", "1.00", 5))
	events := &recordingPublisher{}
	ledger := newTestLedger(t, store, events)

	_, err := ledger.ApplyAdjustment(ctx, AdjustStockCommand{
		ProductID: "p1",
		Direction: domain.AdjustmentIn,
		Quantity:  math.MaxInt,
		Reason:    domain.ReasonPurchase,
	})
	require.ErrorIs(t, err, ErrValidation)
	require.NotErrorIs(t, err, ErrConcurrencyTimeout)

	stored, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 5, stored.Stock)
	audit, err := ledger.ListAdjustments(ctx, "p1", 0)
	require.NoError(t, err)
	require.Empty(t, audit)
	require.Empty(t, events.stockTypes())

	result, err := ledger.ApplyAdjustment(ctx, AdjustStockCommand{
		ProductID: "p1",
		Direction: domain.AdjustmentIn,
		Quantity:  math.MaxInt - 5,
		Reason:    domain.ReasonPurchase,
	})
	require.NoError(t, err)
	require.Equal(t, math.MaxInt, result.Product.Stock)
}

func TestMapStoreErrorKeepsInvariantsOutOfConcurrency(t *testing.T) {
	invariant := repositories.NewStoreError(repositories.StoreErrorInvariant, "product p1 stock would be negative", nil)
	err := mapStoreError(invariant)
	require.NotErrorIs(t, err, ErrConcurrencyTimeout)
	require.Equal(t, repositories.StoreErrorInvariant, repositories.ErrorCode(err))
	for _, sentinel := range serviceSentinels {
		require.NotErrorIs(t, err, sentinel)
	}

	conflict := repositories.NewStoreError(repositories.StoreErrorConflict, "idempotency key already used", nil)
	require.ErrorIs(t, mapStoreError(conflict), ErrConcurrencyTimeout)
	timeout := repositories.NewStoreError(repositories.StoreErrorLockTimeout, "lock p1 not acquired", nil)
	require.ErrorIs(t, mapStoreError(timeout), ErrConcurrencyTimeout)
}

func TestStockLedgerUnknownProduct(t *testing.T) {
	ledger := newTestLedger(t, memory.NewStore(), nil)
	_, err := ledger.ApplyAdjustment(context.Background(), AdjustStockCommand{
		ProductID: "ghost",
		Direction: domain.AdjustmentIn,
		Quantity:  1,
		Reason:    domain.ReasonFound,
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStockLedgerEventFailureDoesNotFailAdjustment(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProducts(t, store, product("p1", "1.00", 4))
	logs := &logRecorder{}
	ledger, err := NewStockLedger(StockLedgerDeps{
		Store:  store,
		Events: &recordingPublisher{err: errors.New("broker down")},
		Logger: logs.log,
	})
	require.NoError(t, err)

	_, err = ledger.ApplyAdjustment(ctx, AdjustStockCommand{
		ProductID: "p1",
		Direction: domain.AdjustmentIn,
		Quantity:  1,
		Reason:    domain.ReasonCorrection,
	})
	require.NoError(t, err)
	require.True(t, logs.contains("stock_event_publish_failed"))
}

func TestApplyStockDelta(t *testing.T) {
	require.Equal(t, 7, ApplyStockDelta(5, domain.AdjustmentIn, 2))
	require.Equal(t, 3, ApplyStockDelta(5, domain.AdjustmentOut, 2))
	require.Equal(t, 0, ApplyStockDelta(5, domain.AdjustmentOut, 9))
	require.Equal(t, 5, ApplyStockDelta(5, "sideways", 9))
}

func TestListAdjustmentsRequiresProductID(t *testing.T) {
	ledger := newTestLedger(t, memory.NewStore(), nil)
	_, err := ledger.ListAdjustments(context.Background(), " ", 10)
	require.ErrorIs(t, err, ErrValidation)
}
