// Package serial formats and allocates human-readable document control
// numbers of the form PREFIX-YYYY-NNNN. Allocation itself is an atomic
// counter bump performed by the storage layer; this package owns the
// textual contract and the allocation policy around it.
package serial

import (
	"fmt"

	"github.com/mmeshcher/fleetops-system/internal/validation"
)

// Prefixes issued by the service. Drivers' trip tickets and requisition
// issue slips draw from independent counters.
const (
	PrefixTripTicket = "DTT"
	PrefixRIS        = "RIS"
)

// Format renders a control number from its parts. The sequence is
// zero-padded to four digits; sequences above 9999 keep their natural
// width so numbers stay unique. Normalize and Parse accept the wide
// form as well.
func Format(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%04d", prefix, year, seq)
}

// Normalize uppercases and validates a manually typed control number.
func Normalize(number string) (string, error) {
	n, ok := validation.NormalizeControlNumber(number)
	if !ok {
		return "", fmt.Errorf("malformed control number %q", number)
	}
	return n, nil
}

// Parse splits a control number into prefix, year and sequence.
func Parse(number string) (string, int, int64, error) {
	return validation.ParseControlNumber(number)
}
