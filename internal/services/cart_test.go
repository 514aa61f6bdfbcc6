package services

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/tillpoint/pos/internal/domain"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return value
}

func product(id, price string, stock int) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      "Product " + id,
		SKU:       "SKU-" + id,
		UnitPrice: decimal.RequireFromString(price),
		Stock:     stock,
		MinStock:  1,
		Active:    true,
	}
}

func TestCartTotalsScenarioA(t *testing.T) {
	cart, err := NewCart("cart-1", dec(t, "0.08"))
	require.NoError(t, err)

	require.NoError(t, cart.AddItem(product("p1", "10.00", 5), 2))
	require.NoError(t, cart.SetDiscountPercent(dec(t, "10")))

	totals := cart.Totals()
	require.Equal(t, "20.00", totals.Subtotal.StringFixed(2))
	require.Equal(t, "2.00", totals.Discount.StringFixed(2))
	require.Equal(t, "1.44", totals.Tax.StringFixed(2))
	require.Equal(t, "19.44", totals.Total.StringFixed(2))
}

func TestCartAddItemMergesLinesAndKeepsPriceSnapshot(t *testing.T) {
	cart, err := NewCart("cart-1", decimal.Zero)
	require.NoError(t, err)

	require.NoError(t, cart.AddItem(product("p1", "2.50", 5), 0))
	repriced := product("p1", "9.99", 5)
	require.NoError(t, cart.AddItem(repriced, 2))

	lines := cart.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, 3, lines[0].Quantity)
	require.Equal(t, "2.50", lines[0].UnitPrice.StringFixed(2))
	require.Equal(t, "7.50", lines[0].LineTotal.StringFixed(2))
}

func TestCartReAddAfterRemoveTakesCurrentPrice(t *testing.T) {
	cart, err := NewCart("cart-1", decimal.Zero)
	require.NoError(t, err)

	require.NoError(t, cart.AddItem(product("p1", "2.50", 5), 1))
	require.NoError(t, cart.RemoveItem("p1"))
	require.True(t, cart.IsEmpty())

	require.NoError(t, cart.AddItem(product("p1", "9.99", 5), 1))
	lines := cart.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, "9.99", lines[0].UnitPrice.StringFixed(2))
	require.Equal(t, "9.99", lines[0].LineTotal.StringFixed(2))
	require.Equal(t, "9.99", cart.Totals().Total.StringFixed(2))
}

func TestCartAddItemRejectsInvalidInput(t *testing.T) {
	cart, err := NewCart("cart-1", decimal.Zero)
	require.NoError(t, err)

	err = cart.AddItem(product("p1", "1.00", 1), -1)
	require.ErrorIs(t, err, ErrValidation)

	inactive := product("p2", "1.00", 1)
	inactive.Active = false
	require.ErrorIs(t, cart.AddItem(inactive, 1), ErrValidation)

	require.ErrorIs(t, cart.AddItem(domain.Product{Active: true}, 1), ErrValidation)
	require.True(t, cart.IsEmpty())
}

func TestCartAllowsOutOfStockProductsBeforeCommit(t *testing.T) {
	cart, err := NewCart("cart-1", decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, cart.AddItem(product("p1", "1.00", 0), 1))
	require.False(t, cart.IsEmpty())
}

func TestCartSetQuantityAndRemove(t *testing.T) {
	cart, err := NewCart("cart-1", decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, cart.AddItem(product("p1", "1.25", 5), 1))
	require.NoError(t, cart.AddItem(product("p2", "3.00", 5), 1))

	require.NoError(t, cart.SetQuantity("p1", 4))
	require.Equal(t, "5.00", cart.Lines()[0].LineTotal.StringFixed(2))

	require.ErrorIs(t, cart.SetQuantity("missing", 1), ErrNotFound)

	require.NoError(t, cart.SetQuantity("p1", 0))
	lines := cart.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, "p2", lines[0].ProductID)

	require.NoError(t, cart.RemoveItem("missing"))
	require.NoError(t, cart.RemoveItem("p2"))
	require.True(t, cart.IsEmpty())
}

func TestCartDiscountBounds(t *testing.T) {
	cart, err := NewCart("cart-1", decimal.Zero)
	require.NoError(t, err)

	require.ErrorIs(t, cart.SetDiscountPercent(dec(t, "-1")), ErrValidation)
	require.ErrorIs(t, cart.SetDiscountPercent(dec(t, "100.01")), ErrValidation)
	require.NoError(t, cart.SetDiscountPercent(dec(t, "100")))
}

func TestCartClearResetsDiscountAndCustomer(t *testing.T) {
	cart, err := NewCart("cart-1", decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, cart.AddItem(product("p1", "1.00", 5), 1))
	require.NoError(t, cart.SetDiscountPercent(dec(t, "5")))
	require.NoError(t, cart.BindCustomer("cust-1"))

	require.NoError(t, cart.Clear())
	require.True(t, cart.IsEmpty())
	require.True(t, cart.DiscountPercent().IsZero())
	require.Empty(t, cart.Customer())
}

func TestCartRejectsMutationWhileCommitting(t *testing.T) {
	cart, err := NewCart("cart-1", decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, cart.AddItem(product("p1", "1.00", 5), 1))

	cart.setPhase(CartPhaseCommitting)
	require.ErrorIs(t, cart.AddItem(product("p2", "1.00", 5), 1), ErrInvalidTransition)
	require.ErrorIs(t, cart.Clear(), ErrInvalidTransition)

	cart.setPhase(CartPhaseValidating)
	require.NoError(t, cart.AddItem(product("p2", "1.00", 5), 1))
	require.Equal(t, CartPhaseBuilding, cart.Phase())
}

func TestNewCartRejectsNegativeTaxRate(t *testing.T) {
	_, err := NewCart("cart-1", dec(t, "-0.01"))
	require.ErrorIs(t, err, ErrValidation)
}

func TestCartRegistrySerialisesAccess(t *testing.T) {
	registry, err := NewCartRegistry(decimal.Zero, nil)
	require.NoError(t, err)

	id, err := registry.Open()
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = registry.With(id, func(cart *Cart) error {
				return cart.AddItem(product("p1", "1.00", 100), 1)
			})
		}()
	}
	wg.Wait()

	require.NoError(t, registry.With(id, func(cart *Cart) error {
		require.Equal(t, 20, cart.Lines()[0].Quantity)
		return nil
	}))

	registry.Close(id)
	err = registry.With(id, func(*Cart) error { return nil })
	require.True(t, errors.Is(err, ErrNotFound))
}
