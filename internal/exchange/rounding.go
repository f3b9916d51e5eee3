package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundQuantity floors qty down to the symbol's lot step and rejects below
// minimum quantity or notional. The notional check is skipped when no
// reference price is known (reduce-only closes).
func RoundQuantity(qty, price float64, filter SymbolFilter) (float64, error) {
	if filter.LotStep <= 0 {
		return qty, nil
	}
	q := decimal.NewFromFloat(qty)
	step := decimal.NewFromFloat(filter.LotStep)
	rounded := q.Div(step).Floor().Mul(step)

	if filter.MinQty > 0 && rounded.LessThan(decimal.NewFromFloat(filter.MinQty)) {
		return 0, fmt.Errorf("%s: quantity %s below minimum %.8f", filter.Symbol, rounded.String(), filter.MinQty)
	}

	if price > 0 {
		notional := rounded.Mul(decimal.NewFromFloat(price))
		if filter.MinNotional > 0 && notional.LessThan(decimal.NewFromFloat(filter.MinNotional)) {
			return 0, fmt.Errorf("%s: notional %s below minimum %.2f", filter.Symbol, notional.String(), filter.MinNotional)
		}
	}

	f, _ := rounded.Float64()
	return f, nil
}

// RoundPrice snaps price to the symbol's tick size.
func RoundPrice(price float64, filter SymbolFilter) float64 {
	if filter.TickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(filter.TickSize)
	rounded := p.Div(tick).Round(0).Mul(tick)
	f, _ := rounded.Float64()
	return f
}
