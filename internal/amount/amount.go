// Package amount converts between atomic ledger units and the decimal text
// shown to people. An asset contract's scale is the number of fraction digits
// one whole unit is split into, so at scale 3 the atomic unit is a thousandth.
package amount

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
)

// MaxScale bounds contract scales to what an int64 amount can still express.
const MaxScale = 18

const groupSeparator = ","

// maxIntegerDigits is the digit count of the largest int64.
const maxIntegerDigits = 19

var plainDecimal = regexp.MustCompile(`^([0-9]*)(\.[0-9]*)?$`)

// Parse converts text such as "12,345.5" into atomic units at the given scale.
// Grouping separators are ignored, any run of leading '-' marks a negative value,
// and extra fraction digits are rounded half away from zero. Only plain digits
// with an optional fraction are accepted; exponents and '+' are malformed.
func Parse(scale int32, text string) (int64, error) {
	const op = "amount.parse"
	if scale < 0 || scale > MaxScale {
		return 0, apperr.E(apperr.InvalidArgument, op, "scale %d out of range", scale)
	}

	s := strings.ReplaceAll(strings.TrimSpace(text), groupSeparator, "")
	negative := false
	for strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}
	if s == "" {
		return 0, apperr.E(apperr.InvalidArgument, op, "empty amount %q", text)
	}

	m := plainDecimal.FindStringSubmatch(s)
	if m == nil || s == "." {
		return 0, apperr.E(apperr.InvalidArgument, op, "malformed amount %q", text)
	}
	if len(strings.TrimLeft(m[1], "0")) > maxIntegerDigits {
		return 0, apperr.E(apperr.Overflow, op, "amount %q exceeds 64-bit range", text)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, apperr.E(apperr.InvalidArgument, op, "malformed amount %q", text)
	}
	d = d.Shift(scale).Round(0)
	if negative {
		d = d.Neg()
	}

	units := d.BigInt()
	if !units.IsInt64() {
		return 0, apperr.E(apperr.Overflow, op, "amount %q exceeds 64-bit range", text)
	}
	return units.Int64(), nil
}

// Format renders atomic units as grouped decimal text without a symbol.
func Format(scale int32, units int64) string {
	sign, body := split(scale, units)
	return sign + body
}

// FormatWithSymbol renders units with the contract symbol; the sign always
// precedes the symbol ("-BTC 1.000").
func FormatWithSymbol(scale int32, symbol string, units int64) string {
	sign, body := split(scale, units)
	if symbol == "" {
		return sign + body
	}
	return sign + symbol + " " + body
}

func split(scale int32, units int64) (string, string) {
	if scale < 0 {
		scale = 0
	}
	d := decimal.New(units, -scale)
	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	fixed := d.Abs().StringFixed(scale)

	intPart, frac, hasFrac := strings.Cut(fixed, ".")
	body := group(intPart)
	if hasFrac {
		body += "." + frac
	}
	return sign, body
}

func group(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteString(groupSeparator)
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
