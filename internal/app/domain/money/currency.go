// Package money holds the currency set accepted by the marketplace.
package money

import "strings"

// Currency is the settlement asset of a job and its escrow.
type Currency string

const (
	XLM  Currency = "XLM"
	USDC Currency = "USDC"
)

// ParseCurrency normalises s and reports whether it names a supported asset.
func ParseCurrency(s string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	return c, c.Valid()
}

// Valid reports whether c is a supported asset.
func (c Currency) Valid() bool {
	return c == XLM || c == USDC
}
