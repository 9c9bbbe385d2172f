// Package money holds the currency arithmetic shared by engines and
// settlement. Amounts are shopspring decimals; rounding happens once, at the
// final stake × multiplier step.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places kept for every currency.
const Precision int32 = 8

// ErrInvalidAmount is returned for zero, negative or over-precise amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// Payout returns stake × multiplier rounded half-up to Precision.
func Payout(stake, multiplier decimal.Decimal) decimal.Decimal {
	if multiplier.Sign() <= 0 {
		return decimal.Zero
	}
	return RoundHalfUp(stake.Mul(multiplier))
}

// RoundHalfUp rounds a non-negative amount to Precision. decimal.Round
// rounds half away from zero, which is half-up for the values seen here.
func RoundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

// Validate checks that a stake is positive and representable at Precision.
func Validate(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: must be greater than zero, got %s", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(Precision)) {
		return fmt.Errorf("%w: more than %d decimal places in %s", ErrInvalidAmount, Precision, amount)
	}
	return nil
}

// Parse reads a decimal amount from its string form and validates it.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Multiplier converts a float multiplier into a decimal truncated to the
// given number of places. Engines that publish 2-dp multipliers pass 2.
func Multiplier(f float64, places int32) decimal.Decimal {
	return decimal.NewFromFloat(f).Truncate(places)
}
