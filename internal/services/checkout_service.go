package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/money"
	"github.com/tillpoint/pos/internal/repositories"
)

const (
	eventSaleCompleted = "sale.completed"
	eventSaleRefunded  = "sale.refunded"
	eventSaleCancelled = "sale.cancelled"

	saleIDPrefix          = "SALE-"
	cardReferencePrefix   = "CARD-"
	defaultSaleListLimit  = 50
	maxSaleListLimit      = 500
	maxIdempotencyKeySize = 200
)

// CheckoutServiceDeps bundles the collaborators required to construct a checkout service.
type CheckoutServiceDeps struct {
	Store   repositories.Store
	Events  EventPublisher
	Cards   CardVerifier
	Refunds CardRefunder
	Points  PointsPolicy
	// Currency is the ISO code passed to card verification.
	Currency string
	// AllowOversell skips the stock check at checkout. Decrements still clamp at zero.
	AllowOversell bool
	Clock         func() time.Time
	IDGenerator   func() string
	Meter         metric.Meter
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	store         repositories.Store
	events        EventPublisher
	cards         CardVerifier
	refunds       CardRefunder
	points        PointsPolicy
	currency      string
	allowOversell bool
	clock         func() time.Time
	newID         func() string
	metrics       checkoutMetrics
	logger        func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Store == nil {
		return nil, errors.New("checkout service: store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = monotonicIDs()
	}
	points := deps.Points
	if points == nil {
		points = func(domain.Sale) int { return 0 }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		store:         deps.Store,
		events:        deps.Events,
		cards:         deps.Cards,
		refunds:       deps.Refunds,
		points:        points,
		currency:      strings.ToUpper(strings.TrimSpace(deps.Currency)),
		allowOversell: deps.AllowOversell,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		metrics: newCheckoutMetrics(deps.Meter, logger),
		logger:  logger,
	}, nil
}

// FixedPointsPolicy awards pointsPerUnit points for every whole currency unit of
// the sale total. A non-positive rate awards nothing.
func FixedPointsPolicy(pointsPerUnit int) PointsPolicy {
	return func(sale domain.Sale) int {
		if pointsPerUnit <= 0 {
			return 0
		}
		return int(sale.Total.IntPart()) * pointsPerUnit
	}
}

func (s *checkoutService) Validate(ctx context.Context, cart *Cart, payment PaymentInput) (quote CheckoutQuote, err error) {
	ctx, span := tracer.Start(ctx, "CheckoutService.Validate")
	defer func() { endSpan(span, err) }()

	if cart == nil {
		return CheckoutQuote{}, fmt.Errorf("%w: cart is required", ErrValidation)
	}
	if cart.Phase() == CartPhaseCommitting {
		return CheckoutQuote{}, fmt.Errorf("%w: cart %s is committing", ErrInvalidTransition, cart.ID())
	}
	cart.setPhase(CartPhaseValidating)

	quote, err = s.tender(cart, payment)
	if err == nil {
		_, err = s.checkLines(ctx, quote.Lines, s.store.Products().Get)
		err = mapStoreError(err)
	}
	if err != nil {
		cart.setPhase(CartPhaseBuilding)
		s.metrics.recordRejected(ctx, rejectionReason(err))
		return CheckoutQuote{}, err
	}
	return quote, nil
}

func (s *checkoutService) Commit(ctx context.Context, cmd CommitCommand) (result CommitResult, err error) {
	ctx, span := tracer.Start(ctx, "CheckoutService.Commit")
	defer func() { endSpan(span, err) }()

	cart := cmd.Cart
	if cart == nil {
		return CommitResult{}, fmt.Errorf("%w: cart is required", ErrValidation)
	}
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if len(key) > maxIdempotencyKeySize {
		return CommitResult{}, fmt.Errorf("%w: idempotency key exceeds %d characters", ErrValidation, maxIdempotencyKeySize)
	}
	span.SetAttributes(attribute.String("pos.cart_id", cart.ID()))

	if key != "" {
		existing, lookupErr := s.store.Sales().GetByIdempotencyKey(ctx, key)
		switch {
		case lookupErr == nil:
			return s.replay(ctx, existing), nil
		case !repositories.IsNotFound(lookupErr):
			return CommitResult{}, mapStoreError(lookupErr)
		}
	}

	if cart.Phase() == CartPhaseCommitting {
		return CommitResult{}, fmt.Errorf("%w: cart %s is already committing", ErrInvalidTransition, cart.ID())
	}
	restorePhase := cart.Phase()

	quote, err := s.tender(cart, cmd.Payment)
	if err != nil {
		cart.setPhase(CartPhaseBuilding)
		s.metrics.recordRejected(ctx, rejectionReason(err))
		return CommitResult{}, err
	}
	if err := s.preparePayment(ctx, &quote.Payment, quote.Totals.Total); err != nil {
		cart.setPhase(CartPhaseBuilding)
		s.metrics.recordRejected(ctx, rejectionReason(err))
		return CommitResult{}, err
	}

	locks := repositories.LockSet{ProductIDs: lineProductIDs(quote.Lines)}
	if id := cart.Customer(); id != "" {
		locks.CustomerIDs = []string{id}
	}
	if key != "" {
		locks.IdempotencyKeys = []string{key}
	}

	cart.setPhase(CartPhaseCommitting)

	var (
		sale     domain.Sale
		replayed *domain.Sale
		moves    []stockMove
	)
	txErr := s.store.RunInTransaction(ctx, locks, func(ctx context.Context, tx repositories.Tx) error {
		replayed = nil
		moves = moves[:0]

		if key != "" {
			existing, found, err := tx.SaleByIdempotencyKey(ctx, key)
			if err != nil {
				return err
			}
			if found {
				replayed = &existing
				return nil
			}
		}

		products, err := s.checkLines(ctx, quote.Lines, tx.GetProduct)
		if err != nil {
			return err
		}

		now := s.clock()
		for _, line := range quote.Lines {
			product := products[line.ProductID]
			previous := product
			product.Stock = ApplyStockDelta(product.Stock, domain.AdjustmentOut, line.Quantity)
			product.UpdatedAt = now
			if err := tx.PutProduct(ctx, product); err != nil {
				return err
			}
			products[line.ProductID] = product
			moves = append(moves, stockMove{before: previous, after: product, quantity: line.Quantity})
		}

		completedAt := now
		sale = domain.Sale{
			ID:              saleIDPrefix + s.newID(),
			IdempotencyKey:  key,
			CustomerID:      cart.Customer(),
			CashierID:       strings.TrimSpace(cmd.ActorID),
			Items:           quote.Lines,
			Subtotal:        quote.Totals.Subtotal,
			Discount:        quote.Totals.Discount,
			DiscountPercent: quote.Totals.DiscountPercent,
			Tax:             quote.Totals.Tax,
			TaxRate:         quote.Totals.TaxRate,
			Total:           quote.Totals.Total,
			Payment:         quote.Payment,
			Status:          domain.SaleStatusCompleted,
			CreatedAt:       now,
			CompletedAt:     &completedAt,
		}

		if sale.CustomerID != "" {
			customer, err := tx.GetCustomer(ctx, sale.CustomerID)
			if err != nil {
				return err
			}
			visit := now
			customer.TotalSpent = customer.TotalSpent.Add(sale.Total)
			customer.LastVisit = &visit
			if earned := s.points(sale.Clone()); earned > 0 {
				customer.LoyaltyPoints += earned
			}
			if err := tx.PutCustomer(ctx, customer); err != nil {
				return err
			}
		}

		return tx.AppendSale(ctx, sale)
	})
	if txErr != nil {
		cart.setPhase(CartPhaseBuilding)
		mapped := mapStoreError(txErr)
		s.metrics.recordRejected(ctx, rejectionReason(mapped))
		s.logger(ctx, "checkout_commit_failed", map[string]any{
			"cartId": cart.ID(),
			"error":  mapped.Error(),
		})
		return CommitResult{}, mapped
	}
	if replayed != nil {
		cart.setPhase(restorePhase)
		return s.replay(ctx, *replayed), nil
	}

	cart.reset()
	cart.lastSaleID = sale.ID
	cart.setPhase(CartPhaseCompleted)

	s.metrics.recordCommit(ctx, string(sale.Payment.Type), sale.Total.InexactFloat64())
	span.SetAttributes(attribute.String("pos.sale_id", sale.ID))
	s.logger(ctx, "checkout_committed", map[string]any{
		"saleId":      sale.ID,
		"cartId":      cart.ID(),
		"total":       sale.Total.StringFixed(money.Scale),
		"paymentType": string(sale.Payment.Type),
		"items":       len(sale.Items),
	})
	s.logEventFailure(ctx, s.emitSaleEvent(ctx, eventSaleCompleted, sale, ""))
	s.logEventFailure(ctx, s.emitStockMoves(ctx, sale, moves))

	return CommitResult{Sale: sale.Clone(), Change: quote.Change}, nil
}

func (s *checkoutService) Cancel(cart *Cart) error {
	if cart == nil {
		return fmt.Errorf("%w: cart is required", ErrValidation)
	}
	switch cart.Phase() {
	case CartPhaseBuilding, CartPhaseValidating:
		cart.reset()
		cart.setPhase(CartPhaseCancelled)
		return nil
	default:
		return fmt.Errorf("%w: cart %s cannot be cancelled while %s", ErrInvalidTransition, cart.ID(), cart.Phase())
	}
}

func (s *checkoutService) Refund(ctx context.Context, cmd RefundCommand) (sale domain.Sale, err error) {
	ctx, span := tracer.Start(ctx, "CheckoutService.Refund", trace.WithAttributes(attribute.String("pos.sale_id", cmd.SaleID)))
	defer func() { endSpan(span, err) }()

	id := strings.TrimSpace(cmd.SaleID)
	if id == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", ErrValidation)
	}

	if s.refunds != nil {
		current, err := s.store.Sales().Get(ctx, id)
		if err != nil {
			return domain.Sale{}, mapStoreError(err)
		}
		if !current.Status.CanTransitionTo(domain.SaleStatusRefunded) {
			return domain.Sale{}, fmt.Errorf("%w: sale %s is %s", ErrInvalidTransition, id, current.Status)
		}
		if current.Payment.Type == domain.PaymentCard && current.Payment.Reference != "" {
			if err := s.refunds.RefundCardPayment(ctx, CardRefund{
				SaleID:    current.ID,
				Reference: current.Payment.Reference,
				Amount:    current.Total,
				Reason:    strings.TrimSpace(cmd.Reason),
			}); err != nil {
				return domain.Sale{}, classifyProcessorError(err)
			}
		}
	}

	sale, err = s.transition(ctx, id, domain.SaleStatusRefunded, cmd.Reason)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logger(ctx, "sale_refunded", map[string]any{"saleId": sale.ID, "actorId": strings.TrimSpace(cmd.ActorID)})
	s.logEventFailure(ctx, s.emitSaleEvent(ctx, eventSaleRefunded, sale, sale.StatusReason))
	return sale, nil
}

func (s *checkoutService) CancelSale(ctx context.Context, cmd CancelSaleCommand) (sale domain.Sale, err error) {
	ctx, span := tracer.Start(ctx, "CheckoutService.CancelSale", trace.WithAttributes(attribute.String("pos.sale_id", cmd.SaleID)))
	defer func() { endSpan(span, err) }()

	id := strings.TrimSpace(cmd.SaleID)
	if id == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", ErrValidation)
	}
	sale, err = s.transition(ctx, id, domain.SaleStatusCancelled, cmd.Reason)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logger(ctx, "sale_cancelled", map[string]any{"saleId": sale.ID, "actorId": strings.TrimSpace(cmd.ActorID)})
	s.logEventFailure(ctx, s.emitSaleEvent(ctx, eventSaleCancelled, sale, sale.StatusReason))
	return sale, nil
}

func (s *checkoutService) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	id := strings.TrimSpace(saleID)
	if id == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", ErrValidation)
	}
	sale, err := s.store.Sales().Get(ctx, id)
	if err != nil {
		return domain.Sale{}, mapStoreError(err)
	}
	return sale, nil
}

func (s *checkoutService) ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error) {
	query := repositories.SaleQuery{
		Status:      domain.SaleStatus(strings.ToLower(strings.TrimSpace(string(filter.Status)))),
		PaymentType: domain.PaymentType(strings.ToLower(strings.TrimSpace(string(filter.PaymentType)))),
		CustomerID:  strings.TrimSpace(filter.CustomerID),
		Limit:       filter.Limit,
	}
	switch query.Status {
	case "", domain.SaleStatusPending, domain.SaleStatusCompleted, domain.SaleStatusRefunded, domain.SaleStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown sale status %q", ErrValidation, query.Status)
	}
	if query.PaymentType != "" && !query.PaymentType.Valid() {
		return nil, fmt.Errorf("%w: unknown payment type %q", ErrValidation, query.PaymentType)
	}
	switch {
	case query.Limit <= 0:
		query.Limit = defaultSaleListLimit
	case query.Limit > maxSaleListLimit:
		query.Limit = maxSaleListLimit
	}

	sales, err := s.store.Sales().List(ctx, query)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return sales, nil
}

// tender validates the cart against the offered payment and prices it.
func (s *checkoutService) tender(cart *Cart, payment PaymentInput) (CheckoutQuote, error) {
	if cart.IsEmpty() {
		return CheckoutQuote{}, fmt.Errorf("%w: cart is empty", ErrValidation)
	}
	paymentType := domain.PaymentType(strings.ToLower(strings.TrimSpace(string(payment.Type))))
	if !paymentType.Valid() {
		return CheckoutQuote{}, fmt.Errorf("%w: unknown payment type %q", ErrValidation, payment.Type)
	}

	totals := cart.Totals()
	method := domain.PaymentMethod{
		Type:      paymentType,
		Amount:    totals.Total,
		Reference: strings.TrimSpace(payment.Reference),
	}
	change := decimal.Zero

	if payment.Tendered != nil {
		if payment.Tendered.IsNegative() {
			return CheckoutQuote{}, fmt.Errorf("%w: tendered amount must not be negative", ErrValidation)
		}
		tendered := money.Round(*payment.Tendered)
		method.Tendered = &tendered
	}
	if paymentType == domain.PaymentCash {
		tendered := decimal.Zero
		if method.Tendered != nil {
			tendered = *method.Tendered
		}
		if tendered.LessThan(totals.Total) {
			return CheckoutQuote{}, fmt.Errorf("%w: tendered %s is below total %s", ErrInsufficientPayment, tendered.StringFixed(money.Scale), totals.Total.StringFixed(money.Scale))
		}
		change = money.Change(tendered, totals.Total)
	}

	return CheckoutQuote{
		Lines:   cart.Lines(),
		Totals:  totals,
		Payment: method,
		Change:  change,
	}, nil
}

// preparePayment assigns card references and confirms processor intents.
func (s *checkoutService) preparePayment(ctx context.Context, payment *domain.PaymentMethod, total decimal.Decimal) error {
	if payment.Type != domain.PaymentCard {
		return nil
	}
	if payment.Reference == "" {
		payment.Reference = cardReferencePrefix + s.newID()
		return nil
	}
	if s.cards == nil {
		return nil
	}
	err := s.cards.VerifyCardPayment(ctx, CardVerification{
		Reference: payment.Reference,
		Amount:    total,
		Currency:  s.currency,
	})
	if err != nil {
		return classifyProcessorError(err)
	}
	return nil
}

// checkLines loads every product in the cart and enforces availability.
func (s *checkoutService) checkLines(ctx context.Context, lines []domain.CartLine, get func(context.Context, string) (domain.Product, error)) (map[string]domain.Product, error) {
	products := make(map[string]domain.Product, len(lines))
	for _, line := range lines {
		product, err := get(ctx, line.ProductID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return nil, fmt.Errorf("%w: product %s", ErrNotFound, line.ProductID)
			}
			return nil, err
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is inactive", ErrValidation, line.ProductID)
		}
		if !s.allowOversell && line.Quantity > product.Stock {
			return nil, &StockShortageError{ProductID: line.ProductID, Requested: line.Quantity, Available: product.Stock}
		}
		products[line.ProductID] = product
	}
	return products, nil
}

func (s *checkoutService) transition(ctx context.Context, saleID string, next domain.SaleStatus, reason string) (domain.Sale, error) {
	var updated domain.Sale
	err := s.store.RunInTransaction(ctx, repositories.LockSet{SaleIDs: []string{saleID}}, func(ctx context.Context, tx repositories.Tx) error {
		sale, err := tx.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		if !sale.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: sale %s is %s", ErrInvalidTransition, saleID, sale.Status)
		}
		update := repositories.SaleStatusUpdate{
			SaleID: saleID,
			Status: next,
			Reason: strings.TrimSpace(reason),
			At:     s.clock(),
		}
		if err := tx.UpdateSaleStatus(ctx, update); err != nil {
			return err
		}
		updated = repositories.ApplyStatusUpdate(sale, update)
		return nil
	})
	if err != nil {
		return domain.Sale{}, mapStoreError(err)
	}
	return updated, nil
}

func (s *checkoutService) replay(ctx context.Context, sale domain.Sale) CommitResult {
	change := decimal.Zero
	if sale.Payment.Type == domain.PaymentCash && sale.Payment.Tendered != nil {
		change = money.Change(*sale.Payment.Tendered, sale.Total)
	}
	s.logger(ctx, "checkout_replayed", map[string]any{"saleId": sale.ID, "idempotencyKey": sale.IdempotencyKey})
	return CommitResult{Sale: sale, Change: change, Replayed: true}
}

type stockMove struct {
	before   domain.Product
	after    domain.Product
	quantity int
}

func (s *checkoutService) emitSaleEvent(ctx context.Context, eventType string, sale domain.Sale, reason string) error {
	if s.events == nil {
		return nil
	}
	occurredAt := sale.CreatedAt
	switch eventType {
	case eventSaleRefunded:
		if sale.RefundedAt != nil {
			occurredAt = *sale.RefundedAt
		}
	case eventSaleCancelled:
		if sale.CancelledAt != nil {
			occurredAt = *sale.CancelledAt
		}
	}
	return s.events.PublishSaleEvent(ctx, SaleEvent{
		Type:        eventType,
		SaleID:      sale.ID,
		CustomerID:  sale.CustomerID,
		CashierID:   sale.CashierID,
		Status:      sale.Status,
		PaymentType: sale.Payment.Type,
		Total:       sale.Total,
		ItemCount:   len(sale.Items),
		Reason:      reason,
		OccurredAt:  occurredAt,
	})
}

func (s *checkoutService) emitStockMoves(ctx context.Context, sale domain.Sale, moves []stockMove) error {
	if s.events == nil {
		return nil
	}
	var errs []error
	for _, move := range moves {
		event := StockEvent{
			Type:          eventStockSold,
			ProductID:     move.after.ID,
			SKU:           move.after.SKU,
			SaleID:        sale.ID,
			Direction:     domain.AdjustmentOut,
			Quantity:      move.quantity,
			PreviousStock: move.before.Stock,
			NewStock:      move.after.Stock,
			MinStock:      move.after.MinStock,
			Status:        move.after.StockStatus(),
			Reason:        domain.ReasonSale,
			OccurredAt:    sale.CreatedAt,
		}
		if err := s.events.PublishStockEvent(ctx, event); err != nil {
			errs = append(errs, err)
			continue
		}
		if crossedLowStock(move.before.StockStatus(), event.Status) {
			event.Type = eventStockLow
			if err := s.events.PublishStockEvent(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *checkoutService) logEventFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.logger(ctx, "checkout_event_publish_failed", map[string]any{"error": err.Error()})
}

func lineProductIDs(lines []domain.CartLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

// classifyProcessorError keeps declines distinct from processor outages.
func classifyProcessorError(err error) error {
	if errors.Is(err, ErrPaymentDeclined) || errors.Is(err, ErrValidation) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: payment processor: %v", ErrUnavailable, err)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrPaymentDeclined):
		return "payment_declined"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrConcurrencyTimeout):
		return "concurrency_timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
