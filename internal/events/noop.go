package events

import (
	"context"

	"github.com/tillpoint/pos/internal/services"
)

// NopPublisher drops every event.
type NopPublisher struct{}

var _ services.EventPublisher = NopPublisher{}

// PublishSaleEvent implements services.EventPublisher.
func (NopPublisher) PublishSaleEvent(context.Context, services.SaleEvent) error { return nil }

// PublishStockEvent implements services.EventPublisher.
func (NopPublisher) PublishStockEvent(context.Context, services.StockEvent) error { return nil }
