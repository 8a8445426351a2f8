package ledger

import (
	"fmt"
	"math"
)

// Cost is a fixed-point monetary amount in ten-thousandths of the billing
// currency (four decimal places).
type Cost int64

// CostFromFloat converts a float amount to fixed point using half-up rounding.
func CostFromFloat(v float64) Cost {
	if v < 0 {
		return -CostFromFloat(-v)
	}
	return Cost(math.Floor(v*10000 + 0.5))
}

// costFor prices amount units at rate, rounding half-up to four decimals.
func costFor(amount, rate float64) Cost {
	return CostFromFloat(amount * rate)
}

// Float64 returns the cost as a floating-point currency amount.
func (c Cost) Float64() float64 {
	return float64(c) / 10000
}

// String renders the cost with exactly four decimal places.
func (c Cost) String() string {
	whole := c / 10000
	frac := c % 10000
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%04d", whole, frac)
}
