package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of collateral and share amounts.
const Decimals = 18

var unitScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Unit returns one whole unit of collateral (10^18 wei).
func Unit() *big.Int { return new(big.Int).Set(unitScale) }

// Units returns n whole units as a wei amount.
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unitScale)
}

// ParseUnits converts a decimal string such as "12.5" into wei. Amounts
// finer than one wei are rejected with ErrInvalidInput.
func ParseUnits(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	wei := d.Shift(Decimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("parse amount %q: more than %d decimals: %w", s, Decimals, ErrInvalidInput)
	}
	return wei.BigInt(), nil
}

// FormatUnits renders a wei amount as a decimal string of whole units.
func FormatUnits(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -Decimals).String()
}

// IsPositive reports whether a is non-nil and strictly greater than zero.
func IsPositive(a *big.Int) bool {
	return a != nil && a.Sign() > 0
}

// CloneAmount returns an independent copy of a, treating nil as zero.
func CloneAmount(a *big.Int) *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a)
}
