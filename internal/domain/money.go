package domain

import "github.com/shopspring/decimal"

// Money is the fixed-point type used for every price, quantity and balance.
type Money = decimal.Decimal

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
)

// M parses a decimal literal and panics on malformed input. Intended for constants and tests.
func M(s string) Money {
	return decimal.RequireFromString(s)
}

// MInt converts an integer to Money.
func MInt(v int64) Money {
	return decimal.NewFromInt(v)
}

// ParseMoney parses a decimal string returned by an exchange or a config file.
func ParseMoney(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// Notional returns price × quantity.
func Notional(price, qty Money) Money {
	return price.Mul(qty)
}

// ClampZero returns v, or zero when v is negative.
func ClampZero(v Money) Money {
	if v.IsNegative() {
		return Zero
	}
	return v
}

// MinMoney returns the smaller of a and b.
func MinMoney(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Ptr returns a pointer to v; handy for optional fields.
func Ptr(v Money) *Money {
	return &v
}
