package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists ISO currencies whose minor unit is the major unit.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// Places returns the number of decimal places of the currency's minor unit.
func Places(currency string) int32 {
	if zeroDecimal[strings.ToUpper(strings.TrimSpace(currency))] {
		return 0
	}
	return 2
}

// FromMinor converts an amount in minor units to a decimal in major units.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-Places(currency))
}

// FormatMinor renders an amount in minor units as a fixed-point string.
func FormatMinor(minor int64, currency string) string {
	return FromMinor(minor, currency).StringFixed(Places(currency))
}
