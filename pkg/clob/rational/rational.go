// Package rational provides the exact price arithmetic used by every
// crossing decision. Prices are ratios of non-negative big integers and
// comparisons happen by cross-multiplication inside math/big, so a price
// of 600000/1000001 is never confused with 600000/1000000 the way a
// float64 division would at collateral*10^6 scale.
package rational

import (
	"errors"
	"math/big"
)

// ErrZeroDenominator is returned when a price is constructed with a zero
// denominator. Callers building prices from order amounts surface this as
// a malformed order.
var ErrZeroDenominator = errors.New("rational: zero denominator")

// ErrNegative is returned for negative numerators or denominators. Order
// amounts are unsigned quantities; a negative ratio is never a price.
var ErrNegative = errors.New("rational: negative component")

// Rat is an exact non-negative ratio in lowest terms. The zero value is 0/1.
type Rat struct {
	r big.Rat
}

// New builds a Rat from num/den, reducing by GCD. Fails on den == 0 and on
// negative components.
func New(num, den *big.Int) (Rat, error) {
	if den.Sign() == 0 {
		return Rat{}, ErrZeroDenominator
	}
	if num.Sign() < 0 || den.Sign() < 0 {
		return Rat{}, ErrNegative
	}
	var out Rat
	out.r.SetFrac(num, den) // SetFrac copies and normalizes
	return out, nil
}

// FromInt64 is a convenience wrapper around New for small ratios.
func FromInt64(num, den int64) (Rat, error) {
	return New(big.NewInt(num), big.NewInt(den))
}

// One is the unit price 1/1, the mint/merge crossing boundary.
func One() Rat {
	var out Rat
	out.r.SetInt64(1)
	return out
}

// Cmp returns -1, 0 or +1. math/big compares a.num*b.den against
// b.num*a.den; nothing is ever converted to floating point.
func (a Rat) Cmp(b Rat) int {
	return a.r.Cmp(&b.r)
}

// Add returns a + b, reduced.
func (a Rat) Add(b Rat) Rat {
	var out Rat
	out.r.Add(&a.r, &b.r)
	return out
}

// Num returns a copy of the numerator in lowest terms.
func (a Rat) Num() *big.Int {
	return new(big.Int).Set(a.r.Num())
}

// Den returns a copy of the denominator in lowest terms.
func (a Rat) Den() *big.Int {
	return new(big.Int).Set(a.r.Denom())
}

// Float64 is for display formatting only. Matching logic must use Cmp.
func (a Rat) Float64() float64 {
	f, _ := a.r.Float64()
	return f
}

func (a Rat) String() string {
	return a.r.RatString()
}
