package pricing

import (
	"math"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Minor is an amount of money in minor currency units (cents).
type Minor int64

// minorExp is the number of fraction digits carried by a Minor amount.
const minorExp = 2

var (
	// ErrTooPrecise is returned when a decimal amount has more fraction digits
	// than the minor unit can represent.
	ErrTooPrecise = errors.New("amount has more than 2 fraction digits")
	// ErrOutOfRange is returned when an amount does not fit into Minor.
	ErrOutOfRange = errors.New("amount out of range")
)

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// FromDecimal converts a decimal amount into minor units without rounding.
func FromDecimal(d decimal.Decimal) (Minor, error) {
	shifted := d.Shift(minorExp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if shifted.Abs().GreaterThan(maxMinor) {
		return 0, ErrOutOfRange
	}
	return Minor(shifted.IntPart()), nil
}

// MustFromString parses a decimal literal into minor units and panics on
// failure. Intended for constants and tests.
func MustFromString(s string) Minor {
	m, err := FromDecimal(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal converts the amount to a decimal with two fraction digits.
func (m Minor) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -minorExp)
}

// String formats the amount as a fixed two-digit decimal, e.g. "405.00".
func (m Minor) String() string {
	return m.Decimal().StringFixed(minorExp)
}
