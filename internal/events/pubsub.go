package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/tillpoint/pos/internal/services"
)

// PubSubPublisher publishes register events to a Pub/Sub topic.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

var _ services.EventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic}, nil
}

// PublishSaleEvent publishes a sale event and waits for the server ack.
func (p *PubSubPublisher) PublishSaleEvent(ctx context.Context, event services.SaleEvent) error {
	msg, err := encodeSaleEvent(event)
	if err != nil {
		return err
	}
	return p.publish(ctx, msg)
}

// PublishStockEvent publishes a stock event and waits for the server ack.
func (p *PubSubPublisher) PublishStockEvent(ctx context.Context, event services.StockEvent) error {
	msg, err := encodeStockEvent(event)
	if err != nil {
		return err
	}
	return p.publish(ctx, msg)
}

// Stop flushes pending messages and stops the topic's publish goroutines.
func (p *PubSubPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func (p *PubSubPublisher) publish(ctx context.Context, msg message) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       msg.data,
		Attributes: msg.attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s event: %w", msg.attrs["type"], err)
	}
	return nil
}
