package rules

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var errNotNumeric = errors.New("not a number")

// ParseNumber reads a decimal written with either '.' or ',' as the
// decimal separator. When both appear the right-most one is the decimal
// separator and the other is a thousands separator: "1.234,56" and
// "1,234.56" both read as 1234.56.
func ParseNumber(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errNotNumeric
	}

	dot := strings.LastIndexByte(s, '.')
	comma := strings.LastIndexByte(s, ',')
	switch {
	case dot >= 0 && comma >= 0 && comma > dot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case dot >= 0 && comma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		s = strings.Replace(s, ",", ".", 1)
	}

	if strings.ContainsAny(s, "eE,") {
		return decimal.Zero, errNotNumeric
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errNotNumeric
	}
	return d, nil
}
