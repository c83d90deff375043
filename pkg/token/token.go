// Package token provides exact arithmetic over staking token amounts.
//
// Amounts are kept in base units (1 token = 10^18 base units) as
// arbitrary-precision integers, so reward math never goes through floats.
// Conversion to human-readable decimal strings happens only at formatting
// boundaries.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the base-unit exponent: 1 token = 10^Decimals base units.
const Decimals = 18

var (
	ErrInvalidAmount = errors.New("invalid token amount")

	unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
)

// Amount wraps big.Int with value semantics.
// The nil inner value represents zero, so Amount can be copied and compared
// without state sharing.
type Amount struct {
	value *big.Int
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// FromBig creates an Amount from a big.Int of base units.
func FromBig(bi *big.Int) Amount {
	if bi == nil || bi.Sign() == 0 {
		return Amount{}
	}
	return Amount{value: new(big.Int).Set(bi)}
}

// FromBaseUnits parses a decimal base-unit string, e.g. "440522208151278163711606".
func FromBaseUnits(s string) (Amount, error) {
	if s == "" {
		return Amount{}, nil
	}
	bi, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q is not a base-unit integer", ErrInvalidAmount, s)
	}
	return FromBig(bi), nil
}

// FromTokens parses a human-readable decimal token string, e.g. "512.4",
// into base units. At most Decimals fractional digits are allowed.
func FromTokens(s string) (Amount, error) {
	if s == "" {
		return Amount{}, nil
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > Decimals {
		return Amount{}, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, s, Decimals)
	}
	// Right-pad the fraction to base-unit scale.
	frac += strings.Repeat("0", Decimals-len(frac))

	if whole == "" {
		whole = "0"
	}
	bi, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, s)
	}
	if neg {
		bi.Neg(bi)
	}
	return FromBig(bi), nil
}

// MustParse parses a token string as FromTokens and panics on failure.
// Intended for constants and tests.
func MustParse(s string) Amount {
	a, err := FromTokens(s)
	if err != nil {
		panic(err)
	}
	return a
}

// BigInt returns a copy of the base-unit value.
func (a Amount) BigInt() *big.Int {
	if a.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.value)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.value == nil || a.value.Sign() == 0
}

// Sign returns -1, 0 or +1 depending on the sign of the amount.
func (a Amount) Sign() int {
	if a.value == nil {
		return 0
	}
	return a.value.Sign()
}

// Cmp compares two amounts, returning -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.BigInt().Cmp(b.BigInt())
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return FromBig(new(big.Int).Add(a.BigInt(), b.BigInt()))
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return FromBig(new(big.Int).Sub(a.BigInt(), b.BigInt()))
}

// MulDiv returns a * num / den with truncating division.
// A zero denominator yields zero: an entity with no stake participates in
// nothing, it is not an arithmetic error.
func (a Amount) MulDiv(num, den Amount) Amount {
	if den.IsZero() || a.IsZero() || num.IsZero() {
		return Amount{}
	}
	p := new(big.Int).Mul(a.value, num.value)
	return FromBig(p.Quo(p, den.value))
}

// MulRatio returns a * num / den for plain integer ratios such as reward
// cuts. A zero denominator yields zero.
func (a Amount) MulRatio(num, den int64) Amount {
	if den == 0 || num == 0 || a.IsZero() {
		return Amount{}
	}
	p := new(big.Int).Mul(a.value, big.NewInt(num))
	return FromBig(p.Quo(p, big.NewInt(den)))
}

// String returns the base-unit decimal representation.
func (a Amount) String() string {
	if a.value == nil {
		return "0"
	}
	return a.value.String()
}

// Tokens formats the amount as a human-readable decimal token string with
// trailing fractional zeros trimmed, e.g. "36.6" for 36600000000000000000.
func (a Amount) Tokens() string {
	bi := a.BigInt()

	neg := bi.Sign() < 0
	if neg {
		bi.Neg(bi)
	}

	quo, rem := new(big.Int).QuoRem(bi, unit, new(big.Int))

	out := quo.String()
	if rem.Sign() != 0 {
		frac := fmt.Sprintf("%0*s", Decimals, rem.String())
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
