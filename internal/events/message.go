// Package events publishes register sale and stock events to downstream
// consumers. Every transport carries the same JSON envelope.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/pos/internal/services"
)

const envelopeVersion = 1

// Envelope is the wire form of a register event.
type Envelope struct {
	Type       string        `json:"type"`
	Version    int           `json:"version"`
	OccurredAt time.Time     `json:"occurredAt"`
	Sale       *SalePayload  `json:"sale,omitempty"`
	Stock      *StockPayload `json:"stock,omitempty"`
}

// SalePayload carries a sale status change.
type SalePayload struct {
	SaleID      string          `json:"saleId"`
	CustomerID  string          `json:"customerId,omitempty"`
	CashierID   string          `json:"cashierId,omitempty"`
	Status      string          `json:"status"`
	PaymentType string          `json:"paymentType"`
	Total       decimal.Decimal `json:"total"`
	ItemCount   int             `json:"itemCount"`
	Reason      string          `json:"reason,omitempty"`
}

// StockPayload carries a stock level change.
type StockPayload struct {
	ProductID     string `json:"productId"`
	SKU           string `json:"sku,omitempty"`
	AdjustmentID  string `json:"adjustmentId,omitempty"`
	SaleID        string `json:"saleId,omitempty"`
	Direction     string `json:"direction"`
	Quantity      int    `json:"quantity"`
	PreviousStock int    `json:"previousStock"`
	NewStock      int    `json:"newStock"`
	MinStock      int    `json:"minStock"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// message is an encoded event ready for a transport.
type message struct {
	key   string
	data  []byte
	attrs map[string]string
}

func encodeSaleEvent(event services.SaleEvent) (message, error) {
	envelope := Envelope{
		Type:       event.Type,
		Version:    envelopeVersion,
		OccurredAt: event.OccurredAt.UTC(),
		Sale: &SalePayload{
			SaleID:      event.SaleID,
			CustomerID:  event.CustomerID,
			CashierID:   event.CashierID,
			Status:      string(event.Status),
			PaymentType: string(event.PaymentType),
			Total:       event.Total,
			ItemCount:   event.ItemCount,
			Reason:      event.Reason,
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return message{}, fmt.Errorf("marshal sale event: %w", err)
	}
	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "saleId", event.SaleID)
	setAttr(attrs, "status", string(event.Status))
	return message{key: event.SaleID, data: data, attrs: attrs}, nil
}

func encodeStockEvent(event services.StockEvent) (message, error) {
	envelope := Envelope{
		Type:       event.Type,
		Version:    envelopeVersion,
		OccurredAt: event.OccurredAt.UTC(),
		Stock: &StockPayload{
			ProductID:     event.ProductID,
			SKU:           event.SKU,
			AdjustmentID:  event.AdjustmentID,
			SaleID:        event.SaleID,
			Direction:     string(event.Direction),
			Quantity:      event.Quantity,
			PreviousStock: event.PreviousStock,
			NewStock:      event.NewStock,
			MinStock:      event.MinStock,
			Status:        string(event.Status),
			Reason:        string(event.Reason),
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return message{}, fmt.Errorf("marshal stock event: %w", err)
	}
	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "productId", event.ProductID)
	setAttr(attrs, "stockStatus", string(event.Status))
	return message{key: event.ProductID, data: data, attrs: attrs}, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
