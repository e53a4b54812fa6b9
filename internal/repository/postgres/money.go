package postgres

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are stored as NUMERIC(19,2) major units and carried as int64 minor units.

func numericStringToMinor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty numeric string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func minorToNumericString(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
