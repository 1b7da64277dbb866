// Package money represents amounts in the smallest currency unit and
// implements the percentage split used by dispute resolution.
//
// Amounts are int64 paise (or the equivalent minor unit); arithmetic is
// integer-only so splits are exact and auditable.
package money

import (
	"errors"
	"fmt"
)

// Amount is a sum of money in the smallest currency unit.
type Amount int64

// ErrInvalidPercentage is returned for percentages outside [0, 100].
var ErrInvalidPercentage = errors.New("percentage must be between 0 and 100")

// DefaultCurrency is the platform settlement currency.
const DefaultCurrency = "INR"

// Split is the outcome of dividing an escrowed amount between the payer
// (refund) and the payee. Refund + Payee always equals the input amount.
type Split struct {
	Refund Amount
	Payee  Amount
}

// SplitByPercent divides amount so the payer is refunded refundPercent of it.
// The refund share is rounded half-up to the smallest unit; the remainder,
// including any rounding leftover, goes to the payee.
func SplitByPercent(amount Amount, refundPercent int) (Split, error) {
	if refundPercent < 0 || refundPercent > 100 {
		return Split{}, fmt.Errorf("%w: got %d", ErrInvalidPercentage, refundPercent)
	}
	if amount < 0 {
		return Split{}, fmt.Errorf("amount must be non-negative, got %d", amount)
	}

	// Round half-up: floor((amount*pct + 50) / 100). amount*pct fits in
	// int64 for any realistic payment (pct <= 100).
	refund := Amount((int64(amount)*int64(refundPercent) + 50) / 100)
	return Split{Refund: refund, Payee: amount - refund}, nil
}

// Format renders an amount as a decimal major-unit string, e.g. 50000 -> "500.00".
func Format(a Amount) string {
	sign := ""
	if a < 0 {
		sign = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%02d", sign, a/100, a%100)
}
