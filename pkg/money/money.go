package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrUnderflow = errors.New("amount would become negative")
	ErrOverflow  = errors.New("amount overflows int64 minor units")
	ErrPrecision = errors.New("amount has more fractional digits than the asset scale")
	ErrNegative  = errors.New("amount must not be negative")
)

// MaxScale is the largest per-asset scale the ledger accepts.
const MaxScale = 18

// Amount is a quantity of one asset in integer minor units.
// The scale (number of fractional digits) belongs to the asset, not the value.
type Amount int64

// Zero amount
const Zero Amount = 0

var maxAmount = decimal.NewFromInt(math.MaxInt64)

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }
func (a Amount) Neg() Amount      { return -a }
func (a Amount) Int64() int64     { return int64(a) }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Add returns a+b, failing on int64 overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b. The result must be non-negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b < 0 {
		return 0, ErrNegative
	}
	if a < b {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// Decimal returns the amount in major units.
func (a Amount) Decimal(scale int32) decimal.Decimal {
	return decimal.New(int64(a), -scale)
}

// Format renders the amount in major units with exactly scale fractional digits.
func (a Amount) Format(scale int32) string {
	return a.Decimal(scale).StringFixed(scale)
}

// Parse reads a major-unit decimal string (e.g. "0.015") at the given scale.
func Parse(s string, scale int32) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimalExact(d, scale)
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string, scale int32) Amount {
	a, err := Parse(s, scale)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimalExact converts major units to minor units and rejects values
// that do not fit the scale exactly.
func FromDecimalExact(d decimal.Decimal, scale int32) (Amount, error) {
	if err := checkScale(scale); err != nil {
		return 0, err
	}
	minor := d.Shift(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrPrecision
	}
	return toAmount(minor)
}

// FromDecimal converts major units to minor units, rounding toward negative
// infinity.
func FromDecimal(d decimal.Decimal, scale int32) (Amount, error) {
	if err := checkScale(scale); err != nil {
		return 0, err
	}
	return toAmount(d.Shift(scale).Floor())
}

// MulRate multiplies the amount by rate and rescales the result from
// fromScale to toScale, flooring to whole minor units of the target scale.
// It is the only conversion used for fees, swaps and margin math.
func (a Amount) MulRate(rate decimal.Decimal, fromScale, toScale int32) (Amount, error) {
	if err := checkScale(fromScale); err != nil {
		return 0, err
	}
	if err := checkScale(toScale); err != nil {
		return 0, err
	}
	if rate.IsNegative() {
		return 0, ErrNegative
	}
	product := decimal.NewFromInt(int64(a)).Mul(rate).Shift(toScale - fromScale)
	return toAmount(product.Floor())
}

func toAmount(d decimal.Decimal) (Amount, error) {
	if d.Abs().GreaterThan(maxAmount) {
		return 0, ErrOverflow
	}
	return Amount(d.IntPart()), nil
}

func checkScale(scale int32) error {
	if scale < 0 || scale > MaxScale {
		return fmt.Errorf("scale %d out of range [0,%d]", scale, MaxScale)
	}
	return nil
}
