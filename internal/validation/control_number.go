// Package validation contains input validation for the service boundary.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// controlNumberRe is the external contract for control numbers:
// PREFIX-YYYY-NNNN with the sequence zero-padded to at least four
// digits. Sequences past 9999 keep their natural width, so the parser
// accepts longer runs too. Input is case-insensitive; storage is
// uppercase.
var controlNumberRe = regexp.MustCompile(`^[A-Z]+-\d{4}-\d{4,}$`)

// NormalizeControlNumber trims and uppercases a control number and reports
// whether the result matches the required format.
func NormalizeControlNumber(s string) (string, bool) {
	n := strings.ToUpper(strings.TrimSpace(s))
	return n, controlNumberRe.MatchString(n)
}

// IsValidControlNumber reports whether s is a well-formed control number
// after normalization.
func IsValidControlNumber(s string) bool {
	_, ok := NormalizeControlNumber(s)
	return ok
}

// ParseControlNumber splits a normalized control number into its prefix,
// year and sequence parts.
func ParseControlNumber(s string) (prefix string, year int, seq int64, err error) {
	n, ok := NormalizeControlNumber(s)
	if !ok {
		return "", 0, 0, fmt.Errorf("malformed control number %q", s)
	}

	parts := strings.Split(n, "-")
	prefix = parts[0]

	year, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("control number year: %w", err)
	}

	seq, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("control number sequence: %w", err)
	}

	return prefix, year, seq, nil
}

// maxHundredthsInput bounds the decimal quantities accepted at the
// boundary. One trillion covers any realistic contract amount and keeps
// the hundredths count far from int64 overflow.
const maxHundredthsInput = 1e12

// Hundredths converts a decimal quantity (liters, pesos) into an integer
// count of hundredths, rejecting negative, non-finite and oversized
// input.
func Hundredths(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value is not a finite number")
	}
	if v < 0 {
		return 0, fmt.Errorf("value must not be negative")
	}
	if v > maxHundredthsInput {
		return 0, fmt.Errorf("value exceeds the maximum of %.0f", float64(maxHundredthsInput))
	}
	return int64(math.Round(v * 100)), nil
}
