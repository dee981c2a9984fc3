// Package money holds the fixed-point currency type used for every amount in
// the ledger. Values are integer centavos; decimal text is only accepted and
// produced at the edges.
package money

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
)

type Money int64

const Zero Money = 0

func FromCents(cents int64) Money {
	return Money(cents)
}

// Parse reads "6.99", "6,99", "1.234,56", "1,234.56" or "R$ 6,99" and rounds
// half away from zero to the nearest centavo. When both separators appear the
// last one is the decimal point. Input whose only separator is followed by
// exactly three digits ("1.234") could be a thousands group and is rejected,
// as is currency-prefixed or grouped input with more than two decimals.
func Parse(raw string) (Money, error) {
	text, err := normalize(raw)
	if err != nil {
		return 0, err
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindInvalidAmount, err, "invalid amount "+strconv.Quote(raw))
	}
	cents := d.Shift(2).Round(0)
	big := cents.BigInt()
	if !big.IsInt64() {
		return 0, apperror.Newf(apperror.KindInvalidAmount, "amount %q out of range", raw)
	}
	return Money(big.Int64()), nil
}

// ParseNonNegative is Parse for prices, costs and counted cash.
func ParseNonNegative(raw string) (Money, error) {
	m, err := Parse(raw)
	if err != nil {
		return 0, err
	}
	if m.IsNegative() {
		return 0, apperror.Newf(apperror.KindInvalidAmount, "amount %q must not be negative", raw)
	}
	return m, nil
}

func normalize(raw string) (string, error) {
	invalid := func(reason string) (string, error) {
		return "", apperror.Newf(apperror.KindInvalidAmount, "invalid amount %q: %s", raw, reason)
	}

	text := strings.TrimSpace(raw)
	sign := ""
	if strings.HasPrefix(text, "-") {
		sign, text = "-", strings.TrimSpace(text[1:])
	}
	prefixed := strings.HasPrefix(text, "R$")
	text = strings.ReplaceAll(strings.TrimPrefix(text, "R$"), " ", "")
	if sign == "" && strings.HasPrefix(text, "-") {
		sign, text = "-", text[1:]
	}
	if text == "" {
		return invalid("empty")
	}

	dots, commas := strings.Count(text, "."), strings.Count(text, ",")
	var intPart, frac string
	switch {
	case dots > 0 && commas > 0:
		decimalSep, groupSep := ",", "."
		if strings.LastIndex(text, ".") > strings.LastIndex(text, ",") {
			decimalSep, groupSep = ".", ","
		}
		if strings.Count(text, decimalSep) != 1 {
			return invalid("mixed separators")
		}
		intPart, frac, _ = strings.Cut(text, decimalSep)
		if !validGroups(intPart, groupSep) {
			return invalid("misplaced thousands separator")
		}
		if len(frac) > 2 {
			return invalid("more than two decimal places")
		}
		intPart = strings.ReplaceAll(intPart, groupSep, "")
	case dots > 1 || commas > 1:
		groupSep := "."
		if commas > 1 {
			groupSep = ","
		}
		if !validGroups(text, groupSep) {
			return invalid("misplaced thousands separator")
		}
		intPart = strings.ReplaceAll(text, groupSep, "")
	case dots == 1 || commas == 1:
		sep := "."
		if commas == 1 {
			sep = ","
		}
		intPart, frac, _ = strings.Cut(text, sep)
		if len(frac) == 3 && looksLikeGroup(intPart) {
			return invalid("ambiguous thousands separator")
		}
		if prefixed && len(frac) > 2 {
			return invalid("more than two decimal places")
		}
	default:
		intPart = text
	}

	if intPart == "" && frac == "" {
		return invalid("no digits")
	}
	if !allDigits(intPart) || !allDigits(frac) {
		return invalid("unexpected characters")
	}
	if intPart == "" {
		intPart = "0"
	}
	if frac == "" {
		return sign + intPart, nil
	}
	return sign + intPart + "." + frac, nil
}

// validGroups reports whether s is digit groups joined by sep, the first of
// one to three digits and the rest of exactly three.
func validGroups(s, sep string) bool {
	groups := strings.Split(s, sep)
	for i, g := range groups {
		if !allDigits(g) || g == "" {
			return false
		}
		if i == 0 && len(g) > 3 {
			return false
		}
		if i > 0 && len(g) != 3 {
			return false
		}
	}
	return true
}

// looksLikeGroup reports whether s could be the leading group of a grouped
// integer such as the "1" in "1.234".
func looksLikeGroup(s string) bool {
	return len(s) >= 1 && len(s) <= 3 && s[0] != '0' && allDigits(s)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (m Money) Cents() int64 { return int64(m) }

func (m Money) Add(o Money) Money { return m + o }

func (m Money) Sub(o Money) Money { return m - o }

func (m Money) Mul(qty int) Money { return m * Money(qty) }

// CheckedAdd is Add that fails with InvalidAmount instead of wrapping.
func (m Money) CheckedAdd(o Money) (Money, error) {
	sum := m + o
	if (o > 0 && sum < m) || (o < 0 && sum > m) {
		return 0, apperror.Newf(apperror.KindInvalidAmount, "amount overflow adding %s and %s", m, o)
	}
	return sum, nil
}

// CheckedMul is Mul that fails with InvalidAmount instead of wrapping.
func (m Money) CheckedMul(qty int) (Money, error) {
	if m == 0 || qty == 0 {
		return 0, nil
	}
	q := Money(qty)
	product := m * q
	if product/q != m || (m == -1 && q == math.MinInt64) || (q == -1 && m == math.MinInt64) {
		return 0, apperror.Newf(apperror.KindInvalidAmount, "amount overflow multiplying %s by %d", m, qty)
	}
	return product, nil
}

func (m Money) Neg() Money { return -m }

func (m Money) Cmp(o Money) int {
	switch {
	case m < o:
		return -1
	case m > o:
		return 1
	default:
		return 0
	}
}

func (m Money) IsZero() bool     { return m == 0 }
func (m Money) IsNegative() bool { return m < 0 }
func (m Money) IsPositive() bool { return m > 0 }

func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// Decimal exposes the amount in reais for reporting code.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String renders "13.98" / "-1.50".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Format renders the Brazilian display form, e.g. "R$ 1.234,56".
func (m Money) Format() string {
	text := m.Abs().String()
	intPart, frac, _ := strings.Cut(text, ".")

	var grouped strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(r)
	}

	sign := ""
	if m.IsNegative() {
		sign = "-"
	}
	return sign + "R$ " + grouped.String() + "," + frac
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(m), 10)), nil
}

// UnmarshalJSON accepts integer centavos (1398) or a decimal string ("13.98").
// Fractional JSON numbers are rejected.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return apperror.Wrap(apperror.KindInvalidAmount, err, "invalid amount")
		}
		parsed, err := Parse(text)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	cents, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return apperror.Newf(apperror.KindInvalidAmount, "amount %s is not a whole number of centavos", string(data))
	}
	*m = Money(cents)
	return nil
}

// Sum adds a list of amounts.
func Sum(values ...Money) Money {
	var total Money
	for _, v := range values {
		total += v
	}
	return total
}
