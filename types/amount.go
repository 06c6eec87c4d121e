package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// AtomicAmount converts a human-readable price into the token's smallest
// unit, returned as a decimal integer string: 3.99 with 6 decimals becomes
// "3990000".
func AtomicAmount(price decimal.Decimal, decimals int32) string {
	return price.Shift(decimals).Truncate(0).String()
}

// ParseAtomicAmount validates an atomic amount string and returns it as a
// non-negative decimal.
func ParseAtomicAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}
	if dec.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount cannot be negative")
	}
	if !dec.Equal(dec.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("amount must be an integer in the token's smallest unit")
	}
	return dec, nil
}

// ParseBigAmount parses an atomic amount string into a big.Int.
func ParseBigAmount(amount string) (*big.Int, error) {
	n := new(big.Int)
	if _, ok := n.SetString(amount, 10); !ok {
		return nil, fmt.Errorf("invalid big integer format: %q", amount)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("amount cannot be negative")
	}
	return n, nil
}

// FormatAtomic renders an atomic amount with the given token decimals,
// e.g. "3990000" with 6 decimals becomes "3.99".
func FormatAtomic(amount *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(amount, -decimals).String()
}
