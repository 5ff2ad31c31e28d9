package fixedpoint

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Decimals is the number of decimal places carried by on-chain fixed-point values.
const Decimals = 18

// Unit is 10^18, the fixed-point representation of 1.0.
var Unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// FromFloat64 converts a wire float into an 18-decimal fixed-point integer,
// truncating toward zero. It is the only place a float crosses into amounts.
//
// The float is first rendered as its shortest round-trip decimal, so 0.3
// becomes 300000000000000000 rather than the binary expansion's
// 299999999999999988.
func FromFloat64(f float64) (*big.Int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite value %v", f)
	}
	return fromDecimal(strconv.FormatFloat(f, 'f', -1, 64))
}

// MustFromFloat64 is FromFloat64 for trusted constants.
func MustFromFloat64(f float64) *big.Int {
	v, err := FromFloat64(f)
	if err != nil {
		panic(err)
	}
	return v
}

func fromDecimal(text string) (*big.Int, error) {
	neg := strings.HasPrefix(text, "-")
	text = strings.TrimPrefix(text, "-")

	whole, frac, _ := strings.Cut(text, ".")
	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", text)
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}

// MulDiv returns a*b/d truncated toward zero.
func MulDiv(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, d)
}

// Scale returns amount*pct/Unit, the fee-share formula.
func Scale(amount, pct *big.Int) *big.Int {
	return MulDiv(amount, pct, Unit)
}

// Parse reads a base-10 integer as stored in NUMERIC columns.
func Parse(text string) (*big.Int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", text)
	}
	return out, nil
}

// String renders v as base-10, treating nil as zero.
func String(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ParseAll parses every element of values.
func ParseAll(values []string) ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(values))
	for _, value := range values {
		v, err := Parse(value)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Strings renders every element of values.
func Strings(values []*big.Int) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, String(v))
	}
	return out
}
