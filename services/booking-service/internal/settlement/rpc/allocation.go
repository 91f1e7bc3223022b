package rpc

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Totals sums allocation amounts per asset.
func Totals(allocs []Allocation) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal, len(allocs))
	for _, a := range allocs {
		amount, err := decimal.NewFromString(a.Amount)
		if err != nil {
			return nil, fmt.Errorf("allocation for %s: amount %q is not a decimal", a.Participant, a.Amount)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("allocation for %s: negative amount %s", a.Participant, a.Amount)
		}
		totals[a.Asset] = totals[a.Asset].Add(amount)
	}
	return totals, nil
}

// SameTotals reports whether two allocation sets hold the same amount of
// every asset.
func SameTotals(a, b map[string]decimal.Decimal) bool {
	for asset, total := range a {
		if !total.Equal(b[asset]) {
			return false
		}
	}
	for asset, total := range b {
		if !total.Equal(a[asset]) {
			return false
		}
	}
	return true
}
