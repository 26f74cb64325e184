package core

// convert.go turns the text found in disclosure tables into typed values.
//
// Source pages are uncontrolled HTML, so these functions accept:
//   - Month-level periods ("January 2024", "Jan 2024", "01/2024", "2024-01")
//   - Year-level periods ("2024")
//   - Full dates in ISO, US slash, and long forms, with ordinal suffixes
//   - Amounts with currency symbols (₦, $, €) and thousands separators
//
// Periods are normalized to a calendar date: month-level periods become the
// first of the month, year-level periods become January 1.

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/jackc/pgx/v5/pgtype"
)

// PeriodLayout is the canonical string form of a period.
const PeriodLayout = "2006-01-02"

var (
	errEmptyPeriod = errors.New("empty period")
	errEmptyAmount = errors.New("no digits in amount")
)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

var (
	yearOnlyRegex    = regexp.MustCompile(`^\d{4}$`)
	ordinalRegex     = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	monthDotRegex    = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|jun|jul|aug|sept?|oct|nov|dec)\.`)
	septRegex        = regexp.MustCompile(`(?i)\bsept\b`)
	amountStripRegex = regexp.MustCompile(`[^0-9.]`)
	amountRegex      = regexp.MustCompile(`^(\d+(\.\d*)?|\.\d+)$`)
)

// Layouts that carry only a month and a year.
var monthLayouts = []string{
	"January 2006", "Jan 2006",
	"January, 2006", "Jan, 2006",
	"January-2006", "Jan-2006", "Jan-06",
	"January 06", "Jan 06",
	"2006 January", "2006 Jan",
	"01/2006", "1/2006", "01-2006",
	"2006-01", "2006/01",
}

// Date layouts split by year format for proper 2-digit year handling
var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"January 2, 2006", "Jan 2, 2006", "2 January 2006", "2 Jan 2006",
		"Monday, January 2, 2006", "Mon, Jan 2, 2006",
		"02-Jan-2006", "2-Jan-2006",
		time.RFC3339,
		"20060102",
	}
)

// ParsePeriod parses disclosure period text into a date.
// Month-level text resolves to the first of the month.
func ParsePeriod(s string) (pgtype.Date, error) {
	s = CleanCell(s)
	if s == "" {
		return pgtype.Date{}, errEmptyPeriod
	}
	if !strings.ContainsAny(s, "0123456789") {
		return pgtype.Date{}, fmt.Errorf("unrecognized period %q: no digits", s)
	}
	s = ordinalRegex.ReplaceAllString(s, "$1")
	s = monthDotRegex.ReplaceAllString(s, "$1")
	s = septRegex.ReplaceAllString(s, "Sep")

	if yearOnlyRegex.MatchString(s) {
		t, err := time.Parse("2006", s)
		if err == nil {
			return dateOf(t), nil
		}
	}

	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOf(time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)), nil
		}
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOf(t), nil
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return dateOf(t), nil
		}
	}

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return pgtype.Date{}, fmt.Errorf("unrecognized period %q: %w", s, err)
	}
	// dateparse fills a missing year with zero.
	if t.Year() == 0 {
		return pgtype.Date{}, fmt.Errorf("unrecognized period %q: no year", s)
	}
	return dateOf(t), nil
}

// dateOf truncates t to its calendar date in UTC.
func dateOf(t time.Time) pgtype.Date {
	return pgtype.Date{
		Time:  time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC),
		Valid: true,
	}
}

// FormatPeriod returns the canonical YYYY-MM-DD form, or "" if invalid.
func FormatPeriod(d pgtype.Date) string {
	if !d.Valid {
		return ""
	}
	return d.Time.Format(PeriodLayout)
}

// ToPgDate parses a canonical or loosely formatted date for query filters.
// Returns invalid for empty or unparseable input.
func ToPgDate(s string) pgtype.Date {
	d, err := ParsePeriod(s)
	if err != nil {
		return pgtype.Date{Valid: false}
	}
	return d
}

// ParseAmount parses a disclosed monetary amount.
// Every character other than a digit or '.' is stripped first, so currency
// symbols, thousands separators and signs never reach the number parser.
func ParseAmount(s string) (pgtype.Numeric, error) {
	cleaned := amountStripRegex.ReplaceAllString(s, "")
	if cleaned == "" || cleaned == "." {
		return pgtype.Numeric{}, errEmptyAmount
	}
	if !amountRegex.MatchString(cleaned) {
		return pgtype.Numeric{}, fmt.Errorf("malformed amount %q", cleaned)
	}

	var n pgtype.Numeric
	if err := n.Scan(canonicalDecimal(cleaned)); err != nil {
		return pgtype.Numeric{}, fmt.Errorf("scan amount %q: %w", cleaned, err)
	}
	return n, nil
}

// canonicalDecimal drops leading zeros and pads to at least two decimals.
// Input must already match amountRegex.
func canonicalDecimal(s string) string {
	intPart, frac, _ := strings.Cut(s, ".")
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	for len(frac) < 2 {
		frac += "0"
	}
	return intPart + "." + frac
}

// FormatAmount renders a numeric as a plain decimal with at least two
// fractional digits. Returns "" for invalid values.
func FormatAmount(n pgtype.Numeric) string {
	if !n.Valid {
		return ""
	}
	if n.NaN {
		return "NaN"
	}

	digits := "0"
	if n.Int != nil {
		digits = n.Int.String()
	}
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var intPart, frac string
	if n.Exp >= 0 {
		intPart = digits + strings.Repeat("0", int(n.Exp))
	} else {
		scale := int(-n.Exp)
		if len(digits) <= scale {
			digits = strings.Repeat("0", scale-len(digits)+1) + digits
		}
		intPart = digits[:len(digits)-scale]
		frac = digits[len(digits)-scale:]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	out := intPart + "." + frac
	if neg && strings.Trim(out, "0.") != "" {
		out = "-" + out
	}
	return out
}

// IsNegative reports whether a valid numeric is below zero.
func IsNegative(n pgtype.Numeric) bool {
	return n.Valid && !n.NaN && n.Int != nil && n.Int.Sign() < 0
}

// SumAmounts adds two numerics exactly. Invalid operands count as zero.
func SumAmounts(a, b pgtype.Numeric) pgtype.Numeric {
	if !a.Valid {
		return b
	}
	if !b.Valid {
		return a
	}

	ai, bi := bigOrZero(a.Int), bigOrZero(b.Int)
	exp := min(a.Exp, b.Exp)
	ai = scaleUp(ai, a.Exp-exp)
	bi = scaleUp(bi, b.Exp-exp)

	return pgtype.Numeric{Int: new(big.Int).Add(ai, bi), Exp: exp, Valid: true}
}

func bigOrZero(i *big.Int) *big.Int {
	if i == nil {
		return new(big.Int)
	}
	return i
}

func scaleUp(i *big.Int, by int32) *big.Int {
	if by <= 0 {
		return new(big.Int).Set(i)
	}
	mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(by)), nil)
	return new(big.Int).Mul(i, mul)
}

// CleanCell normalizes text pulled from an HTML cell:
// - Replaces non-breaking and zero-width spaces
// - Collapses runs of whitespace to a single space
// - Trims the result
func CleanCell(s string) string {
	s = strings.NewReplacer(
		"\u00a0", " ",
		"\u200b", "",
		"\ufeff", "",
	).Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
