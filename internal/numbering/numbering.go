// Package numbering renders canonical letter numbers and identifies the
// scope a sequence counter belongs to. Allocation itself happens in the
// store, inside the same transaction that marks a letter approved.
package numbering

import (
	"fmt"
	"strings"
)

// OrgCode is the fixed organization segment of every letter number.
const OrgCode = "SP-PIPS"

// Key addresses one counter row: sequences are unique and contiguous per
// (category, originating unit, year).
type Key struct {
	CategoryID string
	UnitID     string
	Year       int
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.CategoryID) == "" {
		return fmt.Errorf("numbering: empty category")
	}
	if strings.TrimSpace(k.UnitID) == "" {
		return fmt.Errorf("numbering: empty unit")
	}
	if k.Year < 1900 || k.Year > 9999 {
		return fmt.Errorf("numbering: year %d out of range", k.Year)
	}
	return nil
}

// Format renders "{seq:03d}/{category}/{unit}/SP-PIPS/{year}". Sequences
// past 999 widen naturally instead of wrapping.
func Format(sequence int, categoryCode, unitCode string, year int) string {
	return fmt.Sprintf("%03d/%s/%s/%s/%d", sequence, categoryCode, unitCode, OrgCode, year)
}
