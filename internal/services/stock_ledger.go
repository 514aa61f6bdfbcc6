package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/repositories"
)

const (
	eventStockAdjusted = "stock.adjusted"
	eventStockLow      = "stock.low"
	eventStockSold     = "stock.sold"

	defaultAdjustmentListLimit = 50
	maxAdjustmentListLimit     = 500
)

// StockLedgerDeps bundles the collaborators required to construct a stock ledger.
type StockLedgerDeps struct {
	Store       repositories.Store
	Events      EventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockLedger struct {
	store   repositories.Store
	events  EventPublisher
	clock   func() time.Time
	newID   func() string
	metrics ledgerMetrics
	logger  func(context.Context, string, map[string]any)
}

// NewStockLedger wires dependencies into a concrete StockLedger implementation.
func NewStockLedger(deps StockLedgerDeps) (StockLedger, error) {
	if deps.Store == nil {
		return nil, errors.New("stock ledger: store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = monotonicIDs()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockLedger{
		store:  deps.Store,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		metrics: newLedgerMetrics(deps.Meter, logger),
		logger:  logger,
	}, nil
}

// ApplyStockDelta returns the stock after moving qty units in direction.
// Outbound moves clamp at zero.
func ApplyStockDelta(stock int, direction domain.AdjustmentDirection, qty int) int {
	switch direction {
	case domain.AdjustmentIn:
		return stock + qty
	case domain.AdjustmentOut:
		if next := stock - qty; next > 0 {
			return next
		}
		return 0
	default:
		return stock
	}
}

func (s *stockLedger) ApplyAdjustment(ctx context.Context, cmd AdjustStockCommand) (result StockAdjustmentResult, err error) {
	ctx, span := tracer.Start(ctx, "StockLedger.ApplyAdjustment", trace.WithAttributes(
		attribute.String("pos.product_id", cmd.ProductID),
		attribute.String("pos.direction", string(cmd.Direction)),
	))
	defer func() { endSpan(span, err) }()

	cmd, err = normaliseAdjustment(cmd)
	if err != nil {
		return StockAdjustmentResult{}, err
	}

	var previous domain.StockStatus
	txErr := s.store.RunInTransaction(ctx, repositories.LockSet{ProductIDs: []string{cmd.ProductID}}, func(ctx context.Context, tx repositories.Tx) error {
		now := s.clock()
		product, err := tx.GetProduct(ctx, cmd.ProductID)
		if err != nil {
			return err
		}
		previous = product.StockStatus()
		if cmd.Direction == domain.AdjustmentIn && product.Stock > math.MaxInt-cmd.Quantity {
			return fmt.Errorf("%w: quantity %d would overflow stock of product %s", ErrValidation, cmd.Quantity, product.ID)
		}

		adjustment := domain.StockAdjustment{
			ID:            s.newID(),
			ProductID:     product.ID,
			Direction:     cmd.Direction,
			Quantity:      cmd.Quantity,
			Reason:        cmd.Reason,
			PreviousStock: product.Stock,
			NewStock:      ApplyStockDelta(product.Stock, cmd.Direction, cmd.Quantity),
			Notes:         cmd.Notes,
			Reference:     cmd.Reference,
			ActorID:       cmd.ActorID,
			CreatedAt:     now,
		}
		product.Stock = adjustment.NewStock
		product.UpdatedAt = now

		if err := tx.PutProduct(ctx, product); err != nil {
			return err
		}
		if err := tx.AppendAdjustment(ctx, adjustment); err != nil {
			return err
		}
		result = StockAdjustmentResult{Product: product, Adjustment: adjustment}
		return nil
	})
	if txErr != nil {
		return StockAdjustmentResult{}, mapStoreError(txErr)
	}

	s.metrics.record(ctx, string(cmd.Direction), string(cmd.Reason))
	s.logger(ctx, "stock_adjusted", map[string]any{
		"productId":     result.Product.ID,
		"adjustmentId":  result.Adjustment.ID,
		"direction":     string(cmd.Direction),
		"reason":        string(cmd.Reason),
		"quantity":      cmd.Quantity,
		"previousStock": result.Adjustment.PreviousStock,
		"newStock":      result.Adjustment.NewStock,
	})
	s.logEventFailure(ctx, s.emitAdjustmentEvents(ctx, result, previous))
	return result, nil
}

func (s *stockLedger) ListAdjustments(ctx context.Context, productID string, limit int) ([]domain.StockAdjustment, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return nil, fmt.Errorf("%w: product id is required", ErrValidation)
	}
	switch {
	case limit <= 0:
		limit = defaultAdjustmentListLimit
	case limit > maxAdjustmentListLimit:
		limit = maxAdjustmentListLimit
	}
	adjustments, err := s.store.Adjustments().ListByProduct(ctx, id, limit)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return adjustments, nil
}

func normaliseAdjustment(cmd AdjustStockCommand) (AdjustStockCommand, error) {
	cmd.ProductID = strings.TrimSpace(cmd.ProductID)
	if cmd.ProductID == "" {
		return cmd, fmt.Errorf("%w: product id is required", ErrValidation)
	}
	if cmd.Quantity <= 0 {
		return cmd, fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, cmd.Quantity)
	}
	cmd.Direction = domain.AdjustmentDirection(strings.ToLower(strings.TrimSpace(string(cmd.Direction))))
	if !cmd.Direction.Valid() {
		return cmd, fmt.Errorf("%w: unknown direction %q", ErrValidation, cmd.Direction)
	}
	cmd.Reason = domain.AdjustmentReason(strings.ToLower(strings.TrimSpace(string(cmd.Reason))))
	if cmd.Reason == "" {
		return cmd, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if !cmd.Direction.Allows(cmd.Reason) {
		return cmd, fmt.Errorf("%w: reason %q is not valid for direction %s", ErrValidation, cmd.Reason, cmd.Direction)
	}
	cmd.Notes = strings.TrimSpace(cmd.Notes)
	cmd.Reference = strings.TrimSpace(cmd.Reference)
	cmd.ActorID = strings.TrimSpace(cmd.ActorID)
	return cmd, nil
}

func (s *stockLedger) emitAdjustmentEvents(ctx context.Context, result StockAdjustmentResult, previous domain.StockStatus) error {
	if s.events == nil {
		return nil
	}
	product := result.Product
	adj := result.Adjustment
	event := StockEvent{
		Type:          eventStockAdjusted,
		ProductID:     product.ID,
		SKU:           product.SKU,
		AdjustmentID:  adj.ID,
		Direction:     adj.Direction,
		Quantity:      adj.Quantity,
		PreviousStock: adj.PreviousStock,
		NewStock:      adj.NewStock,
		MinStock:      product.MinStock,
		Status:        product.StockStatus(),
		Reason:        adj.Reason,
		OccurredAt:    adj.CreatedAt,
	}
	if err := s.events.PublishStockEvent(ctx, event); err != nil {
		return err
	}
	if crossedLowStock(previous, event.Status) {
		event.Type = eventStockLow
		return s.events.PublishStockEvent(ctx, event)
	}
	return nil
}

// crossedLowStock reports a move into a worse stock classification.
func crossedLowStock(previous, current domain.StockStatus) bool {
	rank := func(status domain.StockStatus) int {
		switch status {
		case domain.StockStatusOut:
			return 2
		case domain.StockStatusLow:
			return 1
		default:
			return 0
		}
	}
	return rank(current) > rank(previous)
}

func (s *stockLedger) logEventFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.logger(ctx, "stock_event_publish_failed", map[string]any{"error": err.Error()})
}
