// Package money holds the pure pricing arithmetic shared by carts and checkout.
// Intermediate values keep full precision; rounding to currency precision
// happens once when a breakdown is produced.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Scale is the number of fractional digits kept for the store currency.
const Scale = 2

// ErrInvalidAmount reports an argument outside the accepted pricing domain.
var ErrInvalidAmount = errors.New("money: invalid amount")

var hundred = decimal.NewFromInt(100)

// Breakdown is the rounded pricing projection of a set of lines.
type Breakdown struct {
	Subtotal        decimal.Decimal
	Discount        decimal.Decimal
	Tax             decimal.Decimal
	Total           decimal.Decimal
	DiscountPercent decimal.Decimal
	TaxRate         decimal.Decimal
}

// Round rounds to currency precision, half away from zero.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Scale)
}

// LineTotal returns quantity × unitPrice.
func LineTotal(quantity int, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if quantity <= 0 {
		return decimal.Zero, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidAmount, quantity)
	}
	if unitPrice.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: unit price must not be negative", ErrInvalidAmount)
	}
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))), nil
}

// DiscountAmount returns subtotal × percent / 100 for percent in [0, 100].
func DiscountAmount(subtotal, percent decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidatePercent(percent); err != nil {
		return decimal.Zero, err
	}
	return subtotal.Mul(percent).Div(hundred), nil
}

// ValidatePercent checks that percent lies in [0, 100].
func ValidatePercent(percent decimal.Decimal) error {
	if percent.IsNegative() || percent.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount percent must be between 0 and 100, got %s", ErrInvalidAmount, percent.String())
	}
	return nil
}

// TaxAmount returns base × rate. The rate is a non-negative fraction.
func TaxAmount(base, rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: tax rate must not be negative", ErrInvalidAmount)
	}
	return base.Mul(rate), nil
}

// Total returns subtotal − discount + tax, clamped at zero.
func Total(subtotal, discount, tax decimal.Decimal) decimal.Decimal {
	total := subtotal.Sub(discount).Add(tax)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// Compute derives the rounded breakdown for the given line totals. The
// discount and tax are derived from unrounded figures; each component is then
// rounded and the total is assembled from the rounded components so that
// Total == Subtotal − Discount + Tax holds exactly.
func Compute(lineTotals []decimal.Decimal, discountPercent, taxRate decimal.Decimal) (Breakdown, error) {
	subtotal := decimal.Zero
	for _, line := range lineTotals {
		subtotal = subtotal.Add(line)
	}

	discount, err := DiscountAmount(subtotal, discountPercent)
	if err != nil {
		return Breakdown{}, err
	}
	tax, err := TaxAmount(subtotal.Sub(discount), taxRate)
	if err != nil {
		return Breakdown{}, err
	}

	roundedSubtotal := Round(subtotal)
	roundedDiscount := Round(discount)
	roundedTax := Round(tax)

	return Breakdown{
		Subtotal:        roundedSubtotal,
		Discount:        roundedDiscount,
		Tax:             roundedTax,
		Total:           Total(roundedSubtotal, roundedDiscount, roundedTax),
		DiscountPercent: discountPercent,
		TaxRate:         taxRate,
	}, nil
}

// Change returns tendered − total, or zero when the tender does not exceed the total.
func Change(tendered, total decimal.Decimal) decimal.Decimal {
	diff := Round(tendered).Sub(total)
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff
}

// ToMinor converts the amount to integer minor units (cents).
func ToMinor(amount decimal.Decimal) int64 {
	return Round(amount).Shift(Scale).IntPart()
}

// Parse reads a decimal amount from its string form.
func Parse(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, err.Error())
	}
	return value, nil
}

// Format renders the amount for display in the given ISO 4217 currency.
func Format(amount decimal.Decimal, currencyCode string) string {
	value := Round(amount).StringFixed(Scale)
	code := strings.ToUpper(strings.TrimSpace(currencyCode))
	unit, err := currency.ParseISO(code)
	if err != nil {
		if code == "" {
			return value
		}
		return code + " " + value
	}
	printer := message.NewPrinter(language.English)
	return printer.Sprint(currency.Symbol(unit)) + value
}
