// Package bybit adapts Bybit's v5 unified-trading REST API to the
// exchange.Adapter interface, as the secondary live backend behind the same
// dispatch the engine uses for Binance.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	bybitapi "github.com/bybit-exchange/bybit.go.api"

	"github.com/nof1ai/perpengine/internal/exchange"
	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

const category = "linear"

// Backend is the Bybit-backed exchange.Adapter.
type Backend struct {
	client *bybitapi.Client

	mu             sync.Mutex
	leverageCached map[string]int
	filters        map[string]exchange.SymbolFilter
}

func New(apiKey, apiSecret string, testnet bool) *Backend {
	baseURL := bybitapi.MAINNET
	if testnet {
		baseURL = bybitapi.TESTNET
	}
	return &Backend{
		client:         bybitapi.NewBybitHttpClient(apiKey, apiSecret, bybitapi.WithBaseURL(baseURL)),
		leverageCached: make(map[string]int),
	}
}

// Preload fetches symbol filters once at startup.
func (b *Backend) Preload(ctx context.Context) error {
	_, err := b.SymbolFilters(ctx)
	return err
}

// decodeResult re-decodes the SDK's untyped Result into out.
func decodeResult(result interface{}, out interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (b *Backend) SymbolFilters(ctx context.Context) (map[string]exchange.SymbolFilter, error) {
	b.mu.Lock()
	if b.filters != nil {
		defer b.mu.Unlock()
		return b.filters, nil
	}
	b.mu.Unlock()

	params := map[string]interface{}{"category": category}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching instruments info: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("instruments info: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding instruments info: %w", err)
	}

	out := make(map[string]exchange.SymbolFilter, len(result.List))
	for _, sym := range result.List {
		out[sym.Symbol] = exchange.SymbolFilter{
			Symbol:   sym.Symbol,
			LotStep:  parseFloat(sym.LotSizeFilter.QtyStep),
			MinQty:   parseFloat(sym.LotSizeFilter.MinOrderQty),
			TickSize: parseFloat(sym.PriceFilter.TickSize),
		}
	}

	b.mu.Lock()
	b.filters = out
	b.mu.Unlock()
	return out, nil
}

func (b *Backend) GetAccountOverview(ctx context.Context) (exchange.AccountOverview, error) {
	params := map[string]interface{}{"accountType": "UNIFIED"}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return exchange.AccountOverview{}, fmt.Errorf("fetching wallet balance: %w", err)
	}
	if resp.RetCode != 0 {
		return exchange.AccountOverview{}, fmt.Errorf("wallet balance: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}

	var result struct {
		List []struct {
			TotalEquity         string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return exchange.AccountOverview{}, fmt.Errorf("decoding wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return exchange.AccountOverview{}, fmt.Errorf("empty wallet balance list")
	}
	return exchange.AccountOverview{
		AvailableBalance: parseFloat(result.List[0].TotalAvailableBalance),
		TotalBalance:     parseFloat(result.List[0].TotalEquity),
	}, nil
}

func (b *Backend) GetPositionsSnapshot(ctx context.Context) (map[string]portfolio.Position, error) {
	params := map[string]interface{}{"category": category, "settleCoin": "USDT"}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching position list: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("position list: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}

	var result struct {
		List []struct {
			Symbol   string `json:"symbol"`
			Side     string `json:"side"` // Buy | Sell
			Size     string `json:"size"`
			AvgPrice string `json:"avgPrice"`
			MarkPrice string `json:"markPrice"`
			Leverage string `json:"leverage"`
		} `json:"list"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding position list: %w", err)
	}

	out := make(map[string]portfolio.Position)
	for _, p := range result.List {
		qty := parseFloat(p.Size)
		if qty == 0 {
			continue
		}
		dir := portfolio.Long
		if p.Side == "Sell" {
			dir = portfolio.Short
		}
		out[p.Symbol] = portfolio.Position{
			Symbol:       p.Symbol,
			Direction:    dir,
			Quantity:     qty,
			EntryPrice:   parseFloat(p.AvgPrice),
			CurrentPrice: parseFloat(p.MarkPrice),
			Leverage:     int(parseFloat(p.Leverage)),
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

	lev := strconv.Itoa(leverage)
	params := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).SetPositionLeverage(ctx)
	if err != nil {
		return fmt.Errorf("setting leverage for %s: %w", symbol, err)
	}
	// retCode 110043: leverage not modified; treat as success.
	if resp.RetCode != 0 && resp.RetCode != 110043 {
		return fmt.Errorf("setting leverage for %s: retCode=%d msg=%s", symbol, resp.RetCode, resp.RetMsg)
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

	side := "Buy"
	if dir == portfolio.Short {
		side = "Sell"
	}
	params := map[string]interface{}{
		"category":  category,
		"symbol":    symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       strconv.FormatFloat(qty, 'f', -1, 64),
	}
	if reduceOnly {
		params["reduceOnly"] = true
	}

	resp, err := b.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("placing market order for %s: %w", symbol, err)
	}
	if resp.RetCode != 0 {
		return exchange.OrderResult{}, fmt.Errorf("placing market order for %s: retCode=%d msg=%s", symbol, resp.RetCode, resp.RetMsg)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return exchange.OrderResult{}, fmt.Errorf("decoding order result for %s: %w", symbol, err)
	}
	logger.Infof("bybit order placed: %s %s qty=%.8f id=%s", symbol, side, qty, result.OrderID)
	id, _ := strconv.ParseInt(result.OrderID, 10, 64)
	return exchange.OrderResult{OrderID: id, Symbol: symbol, Status: "NEW"}, nil
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
	return b.setTradingStop(ctx, symbol, "takeProfit", triggerPrice)
}

func (b *Backend) PlaceStopLossOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty, triggerPrice float64) (exchange.OrderResult, error) {
	return b.setTradingStop(ctx, symbol, "stopLoss", triggerPrice)
}

// setTradingStop uses Bybit's position-attached TP/SL rather than separate
// conditional orders; both map onto the same endpoint.
func (b *Backend) setTradingStop(ctx context.Context, symbol, field string, triggerPrice float64) (exchange.OrderResult, error) {
	if filters, err := b.SymbolFilters(ctx); err == nil {
		if f, ok := filters[symbol]; ok {
			triggerPrice = exchange.RoundPrice(triggerPrice, f)
		}
	}

	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		field:      strconv.FormatFloat(triggerPrice, 'f', -1, 64),
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).SetPositionTradingStop(ctx)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("setting %s for %s: %w", field, symbol, err)
	}
	if resp.RetCode != 0 {
		return exchange.OrderResult{}, fmt.Errorf("setting %s for %s: retCode=%d msg=%s", field, symbol, resp.RetCode, resp.RetMsg)
	}
	return exchange.OrderResult{Symbol: symbol, Status: "SET"}, nil
}

func (b *Backend) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]interface{}{"category": category, "symbol": symbol}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).CancelAllOrders(ctx)
	if err != nil {
		return fmt.Errorf("cancelling open orders for %s: %w", symbol, err)
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("cancelling open orders for %s: retCode=%d msg=%s", symbol, resp.RetCode, resp.RetMsg)
	}
	return nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
