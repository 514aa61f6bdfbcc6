package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/services"
)

func newTestTopic(t *testing.T, srv *pstest.Server) *pubsub.Topic {
	t.Helper()
	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "pos-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return topic
}

func TestPubSubPublisherPublishesSaleEvent(t *testing.T) {
	srv := pstest.NewServer()
	defer srv.Close()

	publisher, err := NewPubSubPublisher(newTestTopic(t, srv))
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	defer publisher.Stop()

	occurred := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	err = publisher.PublishSaleEvent(context.Background(), services.SaleEvent{
		Type:        "sale.completed",
		SaleID:      "SALE-1",
		Status:      domain.SaleStatusCompleted,
		PaymentType: domain.PaymentCash,
		Total:       decimal.RequireFromString("19.44"),
		ItemCount:   2,
		OccurredAt:  occurred,
	})
	if err != nil {
		t.Fatalf("PublishSaleEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var envelope Envelope
	if err := json.Unmarshal(messages[0].Data, &envelope); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if envelope.Type != "sale.completed" || envelope.Sale == nil || envelope.Stock != nil {
		t.Fatalf("unexpected envelope %#v", envelope)
	}
	if !envelope.Sale.Total.Equal(decimal.RequireFromString("19.44")) {
		t.Fatalf("expected total 19.44, got %s", envelope.Sale.Total)
	}
	if !envelope.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected occurredAt %s", envelope.OccurredAt)
	}
	if attr := messages[0].Attributes["saleId"]; attr != "SALE-1" {
		t.Fatalf("expected saleId attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["customerId"]; ok {
		t.Fatalf("customerId attribute should not be present")
	}
}

func TestPubSubPublisherPublishesStockEvent(t *testing.T) {
	srv := pstest.NewServer()
	defer srv.Close()

	publisher, err := NewPubSubPublisher(newTestTopic(t, srv))
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	defer publisher.Stop()

	err = publisher.PublishStockEvent(context.Background(), services.StockEvent{
		Type:          "stock.low",
		ProductID:     "p1",
		Direction:     domain.AdjustmentOut,
		Quantity:      10,
		PreviousStock: 4,
		NewStock:      0,
		Status:        domain.StockStatusOut,
		Reason:        domain.ReasonDamaged,
	})
	if err != nil {
		t.Fatalf("PublishStockEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if got := messages[0].Attributes["stockStatus"]; got != "out" {
		t.Fatalf("expected stockStatus attribute out, got %q", got)
	}
	var envelope Envelope
	if err := json.Unmarshal(messages[0].Data, &envelope); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if envelope.Stock == nil || envelope.Stock.Quantity != 10 || envelope.Stock.NewStock != 0 {
		t.Fatalf("unexpected stock payload %#v", envelope.Stock)
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
