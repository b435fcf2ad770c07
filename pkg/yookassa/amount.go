package yookassa

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatAmount renders minor units as the two-decimal string the API expects.
func FormatAmount(minor int64, currency string) Amount {
	return Amount{
		Value:    decimal.New(minor, -2).StringFixed(2),
		Currency: currency,
	}
}

// MinorUnits parses an API amount back into minor units.
func (a Amount) MinorUnits() (int64, error) {
	value, err := decimal.NewFromString(a.Value)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", a.Value, err)
	}
	return value.Shift(2).Round(0).IntPart(), nil
}
