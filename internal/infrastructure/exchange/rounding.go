package exchange

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

// RoundStep floors value to an integer multiple of step. Orders are
// never rounded up: a rounded-up quantity could exceed the account
// balance and a rounded-up stop price would loosen protection.
func RoundStep(value float64, step string) decimal.Decimal {
	stepDec, err := decimal.NewFromString(step)
	if err != nil || stepDec.IsZero() {
		return decimal.NewFromFloat(value)
	}
	valueDec := decimal.NewFromFloat(value)
	return valueDec.Div(stepDec).Floor().Mul(stepDec)
}

// FormatQuantity floors quantity to the symbol's step size and renders
// it with the step's decimal places.
func FormatQuantity(quantity float64, prec domain.SymbolPrecision) string {
	rounded := RoundStep(quantity, prec.StepSize)
	return rounded.StringFixed(int32(stepDecimals(prec.StepSize)))
}

// FormatPrice floors price to the symbol's tick size and trims
// trailing zeros within the price precision.
func FormatPrice(price float64, prec domain.SymbolPrecision) string {
	rounded := RoundStep(price, prec.TickSize)
	s := rounded.StringFixed(int32(prec.PricePrecision))
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// stepDecimals counts the significant decimal places of a step size
// like "0.001" (3) or "1" (0).
func stepDecimals(step string) int {
	step = strings.TrimRight(step, "0")
	idx := strings.Index(step, ".")
	if idx < 0 {
		return 0
	}
	return len(step) - idx - 1
}

// validateOrderSize checks a floor-rounded quantity against the
// symbol's minimums. It returns false when the order must not be sent.
func validateOrderSize(qty decimal.Decimal, price float64, prec domain.SymbolPrecision) bool {
	if !qty.IsPositive() {
		return false
	}
	minQty, err := decimal.NewFromString(prec.MinQty)
	if err == nil && qty.LessThan(minQty) {
		return false
	}
	minNotional, err := decimal.NewFromString(prec.MinNotional)
	if err == nil && price > 0 {
		notional := qty.Mul(decimal.NewFromFloat(price))
		if notional.LessThan(minNotional) {
			return false
		}
	}
	return true
}
