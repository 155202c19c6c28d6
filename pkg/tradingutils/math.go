// Package tradingutils holds small decimal helpers used by the order
// lifecycle manager, grounded on
// pkg/tradingutils/math.go's decimal-places rounding generalized to the
// step-size (tickSize/lotSize) rounding an exchange's instrument
// precision actually expresses.
package tradingutils

import "github.com/shopspring/decimal"

// RoundToStep floors price/size to the nearest multiple of step at-or-below
// the input, so a buy never rounds up into a size or price the exchange
// would reject. A zero or negative step is treated as "no rounding".
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() || step.IsNegative() {
		return value
	}
	steps := value.Div(step).Floor()
	return steps.Mul(step)
}
