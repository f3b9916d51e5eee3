// Package exchange defines the exchange adapter interface and the
// lot/tick/notional rounding shared by every concrete backend. In
// simulation mode the engine never calls a concrete adapter at all.
package exchange

import (
	"context"

	"github.com/nof1ai/perpengine/internal/portfolio"
)

// SymbolFilter is the exchange-declared precision/minimum for one symbol.
type SymbolFilter struct {
	Symbol       string
	LotStep      float64
	TickSize     float64
	MinQty       float64
	MinNotional  float64
}

// AccountOverview is the adapter's view of account-level balances.
type AccountOverview struct {
	AvailableBalance float64
	TotalBalance     float64
}

// OrderResult is returned by every order-placing call.
type OrderResult struct {
	OrderID   int64
	Symbol    string
	Status    string
	AvgPrice  float64
	FilledQty float64
}

// Adapter mirrors live positions and orders onto a concrete exchange. Used
// only when the engine runs in live mode.
type Adapter interface {
	GetAccountOverview(ctx context.Context) (AccountOverview, error)
	GetPositionsSnapshot(ctx context.Context) (map[string]portfolio.Position, error)
	PlaceMarketOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty float64, leverage int, priceRef float64, reduceOnly bool) (OrderResult, error)
	ClosePosition(ctx context.Context, symbol string, qty float64) (OrderResult, error)
	PlaceTakeProfitOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty, triggerPrice float64) (OrderResult, error)
	PlaceStopLossOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty, triggerPrice float64) (OrderResult, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	SymbolFilters(ctx context.Context) (map[string]SymbolFilter, error)
}
