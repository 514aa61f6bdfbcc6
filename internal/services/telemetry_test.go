package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/repositories/memory"
)

// refusingMeter rejects every counter it is asked to create.
type refusingMeter struct {
	noop.Meter
}

func (refusingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return noop.Int64Counter{}, errors.New("meter refused " + name)
}

func (refusingMeter) Float64Counter(name string, _ ...metric.Float64CounterOption) (metric.Float64Counter, error) {
	return noop.Float64Counter{}, errors.New("meter refused " + name)
}

func TestInstrumentErrorsAreLogged(t *testing.T) {
	ctx := context.Background()

	t.Run("stock ledger", func(t *testing.T) {
		store := memory.NewStore()
		seedProducts(t, store, product("p1", "1.00", 4))
		logs := &logRecorder{}
		ledger, err := NewStockLedger(StockLedgerDeps{Store: store, Meter: refusingMeter{}, Logger: logs.log})
		require.NoError(t, err)
		require.True(t, logs.contains("metric_registration_failed"))

		_, err = ledger.ApplyAdjustment(ctx, AdjustStockCommand{
			ProductID: "p1",
			Direction: domain.AdjustmentIn,
			Quantity:  1,
			Reason:    domain.ReasonFound,
		})
		require.NoError(t, err)
	})

	t.Run("checkout", func(t *testing.T) {
		store := memory.NewStore()
		item := product("p1", "1.00", 4)
		seedProducts(t, store, item)
		logs := &logRecorder{}
		service, err := NewCheckoutService(CheckoutServiceDeps{Store: store, Meter: refusingMeter{}, Logger: logs.log})
		require.NoError(t, err)

		logs.mu.Lock()
		registered := 0
		for _, event := range logs.events {
			if event == "metric_registration_failed" {
				registered++
			}
		}
		logs.mu.Unlock()
		require.Equal(t, 3, registered)

		cart, err := NewCart("cart-1", dec(t, "0"))
		require.NoError(t, err)
		require.NoError(t, cart.AddItem(item, 1))
		_, err = service.Commit(ctx, CommitCommand{Cart: cart, Payment: cash(t, "1.00")})
		require.NoError(t, err)
	})
}
