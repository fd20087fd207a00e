// Package money converts between decimal amounts exchanged at the engine
// boundary and the integer minor units stored internally.
package money

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"golang.org/x/text/currency"
)

var (
	ErrInvalidCurrency   = royaltyerr.Invalid("currency", "invalid_currency")
	ErrInvalidAmount     = royaltyerr.Invalid("amount", "invalid_amount")
	ErrSubMinorPrecision = royaltyerr.Invalid("amount", "sub_minor_precision")
	ErrAmountOverflow    = royaltyerr.Invalid("amount", "amount_overflow")
)

// NormalizeCurrency returns the canonical ISO-4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", ErrInvalidCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", ErrInvalidCurrency
	}
	return unit.String(), nil
}

// Scale is the number of minor-unit digits for code (2 for USD, 0 for JPY).
func Scale(code string) (int32, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, ErrInvalidCurrency
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// ToMinor converts a decimal amount into minor units. Amounts carrying more
// precision than the currency allows are rejected rather than rounded.
func ToMinor(amount decimal.Decimal, code string) (int64, error) {
	scale, err := Scale(code)
	if err != nil {
		return 0, err
	}
	shifted := amount.Shift(scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrSubMinorPrecision
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, ErrAmountOverflow
	}
	return bi.Int64(), nil
}

// ParseMinor parses a decimal string such as "12.34" into minor units.
func ParseMinor(raw, code string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidAmount
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return ToMinor(amount, code)
}

// FromMinor converts minor units back into a decimal amount.
func FromMinor(minor int64, code string) decimal.Decimal {
	scale, err := Scale(code)
	if err != nil {
		scale = 2
	}
	return decimal.New(minor, -scale)
}

// Format renders minor units with the currency's fixed number of decimals.
func Format(minor int64, code string) string {
	scale, err := Scale(code)
	if err != nil {
		scale = 2
	}
	return decimal.New(minor, -scale).StringFixed(scale)
}

// RoundHalfEven rounds r to the nearest integer, ties to even.
func RoundHalfEven(r *big.Rat) int64 {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()

	q, m := new(big.Int).DivMod(num, den, new(big.Int))
	twice := new(big.Int).Lsh(m, 1)
	switch twice.Cmp(den) {
	case 1:
		q.Add(q, big.NewInt(1))
	case 0:
		if q.Bit(0) == 1 {
			q.Add(q, big.NewInt(1))
		}
	}
	return q.Int64()
}

// FloorRat returns the largest integer not greater than r.
func FloorRat(r *big.Rat) int64 {
	q, _ := new(big.Int).DivMod(new(big.Int).Set(r.Num()), r.Denom(), new(big.Int))
	return q.Int64()
}
