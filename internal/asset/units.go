package asset

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errNegativeAmount  = errors.New("amount must not be negative")
	errTooManyDecimals = fmt.Errorf("amount has more than %d decimal places", Decimals)
)

var (
	unitScale = decimal.New(1, Decimals)
	maxMinor  = decimal.NewFromUint64(math.MaxUint64)
)

// ParseUnits converts a human amount such as "10" or "12.5" into minor units.
func ParseUnits(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, errNegativeAmount
	}
	minor := d.Mul(unitScale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, errTooManyDecimals
	}
	if minor.GreaterThan(maxMinor) {
		return 0, ErrOverflow
	}
	return minor.BigInt().Uint64(), nil
}

// MustParseUnits is ParseUnits for constants; it panics on error.
func MustParseUnits(s string) uint64 {
	v, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUnits renders minor units with all six decimals, e.g. 10500000 -> "10.500000".
func FormatUnits(minor uint64) string {
	return decimal.NewFromUint64(minor).Div(unitScale).StringFixed(Decimals)
}

// ToFloat is for display and mirror tables only; ledger math never uses it.
func ToFloat(minor uint64) float64 {
	f, _ := decimal.NewFromUint64(minor).Div(unitScale).Float64()
	return f
}
