package utils

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseDecimal parses a non-negative decimal string. USD fields never go
// negative anywhere in the system.
func ParseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative value %q not allowed", s)
	}
	return d, nil
}

// ParsePositiveDecimal parses a strictly positive decimal string.
func ParsePositiveDecimal(s string) (decimal.Decimal, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("value %q must be positive", s)
	}
	return d, nil
}
