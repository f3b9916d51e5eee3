// Package binance adapts the Binance USDⓈ-M futures REST API to the
// exchange.Adapter interface: exchangeInfo, premiumIndex, leverage,
// marginType, order, allOpenOrders, balance, account, positionRisk.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	futures "github.com/adshao/go-binance/v2/futures"

	"github.com/nof1ai/perpengine/internal/exchange"
	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

// Backend is the Binance-backed exchange.Adapter.
type Backend struct {
	client *futures.Client

	mu             sync.Mutex
	leverageCached map[string]int
	filters        map[string]exchange.SymbolFilter
}

func New(apiKey, apiSecret string, testnet bool) *Backend {
	futures.UseTestnet = testnet
	return &Backend{
		client:         futures.NewClient(apiKey, apiSecret),
		leverageCached: make(map[string]int),
	}
}

// Preload fetches symbol filters once at startup, per the adapter's
// startup-preload contract.
func (b *Backend) Preload(ctx context.Context) error {
	_, err := b.SymbolFilters(ctx)
	return err
}

func (b *Backend) SymbolFilters(ctx context.Context) (map[string]exchange.SymbolFilter, error) {
	b.mu.Lock()
	if b.filters != nil {
		defer b.mu.Unlock()
		return b.filters, nil
	}
	b.mu.Unlock()

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching exchangeInfo: %w", err)
	}

	out := make(map[string]exchange.SymbolFilter, len(info.Symbols))
	for _, sym := range info.Symbols {
		f := exchange.SymbolFilter{Symbol: sym.Symbol}
		for _, flt := range sym.Filters {
			switch flt["filterType"] {
			case "LOT_SIZE":
				f.LotStep = parseFloat(flt["stepSize"].(string))
				f.MinQty = parseFloat(flt["minQty"].(string))
			case "PRICE_FILTER":
				f.TickSize = parseFloat(flt["tickSize"].(string))
			case "MIN_NOTIONAL":
				f.MinNotional = parseFloat(flt["notional"].(string))
			}
		}
		out[sym.Symbol] = f
	}

	b.mu.Lock()
	b.filters = out
	b.mu.Unlock()
	return out, nil
}

func (b *Backend) GetAccountOverview(ctx context.Context) (exchange.AccountOverview, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return exchange.AccountOverview{}, fmt.Errorf("fetching account: %w", err)
	}
	return exchange.AccountOverview{
		AvailableBalance: parseFloat(acct.AvailableBalance),
		TotalBalance:     parseFloat(acct.TotalWalletBalance),
	}, nil
}

// GetPositionsSnapshot returns the exchange's live positionRisk view as
// positions; comparing them with in-memory positions is left to the caller.
func (b *Backend) GetPositionsSnapshot(ctx context.Context) (map[string]portfolio.Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positionRisk: %w", err)
	}

	out := make(map[string]portfolio.Position)
	for _, r := range risks {
		qty := parseFloat(r.PositionAmt)
		if qty == 0 {
			continue
		}
		dir := portfolio.Long
		if qty < 0 {
			dir = portfolio.Short
			qty = -qty
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out[r.Symbol] = portfolio.Position{
			Symbol:       r.Symbol,
			Direction:    dir,
			Quantity:     qty,
			EntryPrice:   parseFloat(r.EntryPrice),
			CurrentPrice: parseFloat(r.MarkPrice),
			Leverage:     lev,
		}
	}
	return out, nil
}

func (b *Backend) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	b.mu.Lock()
	cached, ok := b.leverageCached[symbol]
	b.mu.Unlock()
	if ok && cached == leverage {
		return nil
	}

	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("setting leverage for %s: %w", symbol, err)
	}

	b.mu.Lock()
	b.leverageCached[symbol] = leverage
	b.mu.Unlock()
	return nil
}

func (b *Backend) PlaceMarketOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty float64, leverage int, priceRef float64, reduceOnly bool) (exchange.OrderResult, error) {
	if !reduceOnly {
		if err := b.ensureLeverage(ctx, symbol, leverage); err != nil {
			return exchange.OrderResult{}, err
		}
	}

	if filters, err := b.SymbolFilters(ctx); err == nil {
		if f, ok := filters[symbol]; ok {
			rounded, rerr := exchange.RoundQuantity(qty, priceRef, f)
			if rerr != nil {
				return exchange.OrderResult{}, rerr
			}
			qty = rounded
		}
	}

	side := futures.SideTypeBuy
	if dir == portfolio.Short {
		side = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64))
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("placing market order for %s: %w", symbol, err)
	}
	logger.Infof("binance order placed: %s %s qty=%.8f id=%d", symbol, side, qty, order.OrderID)
	return exchange.OrderResult{OrderID: order.OrderID, Symbol: symbol, Status: string(order.Status)}, nil
}

func (b *Backend) ClosePosition(ctx context.Context, symbol string, qty float64) (exchange.OrderResult, error) {
	positions, err := b.GetPositionsSnapshot(ctx)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	pos, ok := positions[symbol]
	if !ok {
		return exchange.OrderResult{}, fmt.Errorf("no live position for %s to close", symbol)
	}
	closeDir := portfolio.Short
	if pos.Direction == portfolio.Short {
		closeDir = portfolio.Long
	}
	return b.PlaceMarketOrder(ctx, symbol, closeDir, qty, pos.Leverage, 0, true)
}

func (b *Backend) PlaceTakeProfitOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty, triggerPrice float64) (exchange.OrderResult, error) {
	return b.placeTriggerOrder(ctx, symbol, dir, qty, triggerPrice, futures.OrderType(futures.AlgoOrderTypeTakeProfitMarket))
}

func (b *Backend) PlaceStopLossOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty, triggerPrice float64) (exchange.OrderResult, error) {
	return b.placeTriggerOrder(ctx, symbol, dir, qty, triggerPrice, futures.OrderType(futures.AlgoOrderTypeStopMarket))
}

func (b *Backend) placeTriggerOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty, triggerPrice float64, orderType futures.OrderType) (exchange.OrderResult, error) {
	if filters, err := b.SymbolFilters(ctx); err == nil {
		if f, ok := filters[symbol]; ok {
			triggerPrice = exchange.RoundPrice(triggerPrice, f)
		}
	}

	side := futures.SideTypeSell
	if dir == portfolio.Short {
		side = futures.SideTypeBuy
	}

	order, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(orderType).
		ClosePosition(true).
		StopPrice(strconv.FormatFloat(triggerPrice, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("placing %s for %s: %w", orderType, symbol, err)
	}
	return exchange.OrderResult{OrderID: order.OrderID, Symbol: symbol, Status: string(order.Status)}, nil
}

func (b *Backend) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("cancelling open orders for %s: %w", symbol, err)
	}
	return nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
