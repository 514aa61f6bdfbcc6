package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tillpoint/pos/internal/services"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes register events to a Kafka topic. Messages are keyed
// by sale or product id so that events for one record stay ordered.
type KafkaPublisher struct {
	writer     messageWriter
	propagator propagation.TextMapPropagator
}

var _ services.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka event publisher: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka event publisher: topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        strings.TrimSpace(topic),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(writer), nil
}

func newKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, propagator: otel.GetTextMapPropagator()}
}

// PublishSaleEvent writes a sale event.
func (p *KafkaPublisher) PublishSaleEvent(ctx context.Context, event services.SaleEvent) error {
	msg, err := encodeSaleEvent(event)
	if err != nil {
		return err
	}
	return p.write(ctx, msg)
}

// PublishStockEvent writes a stock event.
func (p *KafkaPublisher) PublishStockEvent(ctx context.Context, event services.StockEvent) error {
	msg, err := encodeStockEvent(event)
	if err != nil {
		return err
	}
	return p.write(ctx, msg)
}

// Close flushes buffered messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *KafkaPublisher) write(ctx context.Context, msg message) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka event publisher: not initialised")
	}
	headers := make([]kafka.Header, 0, len(msg.attrs)+2)
	for key, value := range msg.attrs {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	carrier := headerCarrier{headers: &headers}
	p.propagator.Inject(ctx, carrier)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.key),
		Value:   msg.data,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("write %s event: %w", msg.attrs["type"], err)
	}
	return nil
}

// headerCarrier adapts Kafka headers to the OpenTelemetry propagation API.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
