// Package frequency handles canonical wavelength identifiers and the
// allocation of free slots from the sparse numeric frequency space.
package frequency

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Frequencies are fixed-point decimals with exactly one fractional digit,
// starting at 130.0 and stepping by 0.1. The canonical representation is the
// string form ("130.0", "145.7"); arithmetic happens on integer tenths so
// binary floating point never leaks into identifiers.
const (
	// Min is the lowest assignable frequency.
	Min = "130.0"

	minTenths  = 1300
	stepTenths = 1
)

// ErrInvalid reports input that cannot be canonicalized.
var ErrInvalid = errors.New("invalid frequency")

// Normalize canonicalizes numeric or string input into the "XXX.X" form.
// Non-numeric input and values ≤ 0 are rejected. Normalizing an already
// canonical string returns it unchanged.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	if value <= 0 {
		return "", fmt.Errorf("%w: %q must be positive", ErrInvalid, raw)
	}
	return formatTenths(toTenths(value)), nil
}

// IsValid reports whether the input can be canonicalized.
func IsValid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// Next returns the canonical frequency one step above the given one.
func Next(canonical string) string {
	return formatTenths(mustTenths(canonical) + stepTenths)
}

func toTenths(value float64) int64 {
	// Round half away from zero to one decimal place.
	if value >= 0 {
		return int64(value*10 + 0.5)
	}
	return int64(value*10 - 0.5)
}

func formatTenths(tenths int64) string {
	whole := tenths / 10
	frac := tenths % 10
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%d", whole, frac)
}

// mustTenths converts a canonical string back to tenths. Callers pass only
// strings produced by Normalize, so a parse failure is a programming error.
func mustTenths(canonical string) int64 {
	value, err := strconv.ParseFloat(canonical, 64)
	if err != nil {
		panic(fmt.Sprintf("frequency: non-canonical input %q", canonical))
	}
	return toTenths(value)
}
