// Package hyperliquid adapts the Hyperliquid DEX perpetuals API to the
// exchange.Adapter interface: wallet-signed orders, sized in coin units,
// addressed by base coin ("BTC") rather than the USDT-pair symbols the rest
// of the engine uses.
package hyperliquid

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	hl "github.com/sonirico/go-hyperliquid"

	"github.com/nof1ai/perpengine/internal/exchange"
	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

// Backend is the Hyperliquid-backed exchange.Adapter.
type Backend struct {
	client *hl.Hyperliquid
	wallet string

	mu             sync.Mutex
	leverageCached map[string]int
	filters        map[string]exchange.SymbolFilter
}

// New derives the wallet address from the private key and constructs the
// signed client. An explicit walletAddr overrides the derived one (API
// wallets sign for a different master account).
func New(privateKeyHex, walletAddr string, testnet bool) (*Backend, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing hyperliquid private key: %w", err)
	}
	derived := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if walletAddr == "" {
		walletAddr = derived
	}

	client := hl.NewHyperliquid(&hl.HyperliquidClientConfig{
		IsMainnet:      !testnet,
		AccountAddress: walletAddr,
		PrivateKey:     keyHex,
	})

	logger.Infof("hyperliquid backend ready, wallet %s (derived %s)", walletAddr, derived)
	return &Backend{
		client:         client,
		wallet:         walletAddr,
		leverageCached: make(map[string]int),
	}, nil
}

// coinOf maps the engine's USDT-pair symbols onto Hyperliquid base coins.
func coinOf(symbol string) string {
	return strings.TrimSuffix(strings.TrimSuffix(symbol, "USDT"), "USD")
}

// Preload fetches the asset universe once at startup.
func (b *Backend) Preload(ctx context.Context) error {
	_, err := b.SymbolFilters(ctx)
	return err
}

// SymbolFilters derives lot steps from each asset's size-decimal count; the
// DEX has no tick/min-notional filters, orders are priced off the book.
func (b *Backend) SymbolFilters(ctx context.Context) (map[string]exchange.SymbolFilter, error) {
	b.mu.Lock()
	if b.filters != nil {
		defer b.mu.Unlock()
		return b.filters, nil
	}
	b.mu.Unlock()

	meta, err := b.client.GetMeta()
	if err != nil {
		return nil, fmt.Errorf("fetching hyperliquid meta: %w", err)
	}

	out := make(map[string]exchange.SymbolFilter, len(meta.Universe))
	for _, asset := range meta.Universe {
		out[asset.Name] = exchange.SymbolFilter{
			Symbol:  asset.Name,
			LotStep: math.Pow(10, -float64(asset.SzDecimals)),
		}
	}

	b.mu.Lock()
	b.filters = out
	b.mu.Unlock()
	return out, nil
}

func (b *Backend) GetAccountOverview(ctx context.Context) (exchange.AccountOverview, error) {
	state, err := b.client.GetAccountState()
	if err != nil {
		return exchange.AccountOverview{}, fmt.Errorf("fetching hyperliquid account state: %w", err)
	}
	return exchange.AccountOverview{
		AvailableBalance: state.Withdrawable,
		TotalBalance:     state.MarginSummary.AccountValue,
	}, nil
}

func (b *Backend) GetPositionsSnapshot(ctx context.Context) (map[string]portfolio.Position, error) {
	state, err := b.client.GetAccountState()
	if err != nil {
		return nil, fmt.Errorf("fetching hyperliquid account state: %w", err)
	}

	out := make(map[string]portfolio.Position)
	for _, ap := range state.AssetPositions {
		pos := ap.Position
		if pos.Szi == 0 {
			continue
		}
		dir := portfolio.Long
		qty := pos.Szi
		if qty < 0 {
			dir = portfolio.Short
			qty = -qty
		}
		out[pos.Coin] = portfolio.Position{
			Symbol:           pos.Coin,
			Direction:        dir,
			Quantity:         qty,
			EntryPrice:       pos.EntryPx,
			UnrealizedPnL:    pos.UnrealizedPnl,
			MarginUSD:        pos.MarginUsed,
			NotionalUSD:      pos.PositionValue,
			LiquidationPrice: pos.LiquidationPx,
			Leverage:         pos.Leverage.Value,
		}
	}
	return out, nil
}

func (b *Backend) ensureLeverage(ctx context.Context, coin string, leverage int) error {
	b.mu.Lock()
	cached, ok := b.leverageCached[coin]
	b.mu.Unlock()
	if ok && cached == leverage {
		return nil
	}

	if _, err := b.client.UpdateLeverage(coin, true, leverage); err != nil {
		return fmt.Errorf("setting leverage for %s: %w", coin, err)
	}

	b.mu.Lock()
	b.leverageCached[coin] = leverage
	b.mu.Unlock()
	return nil
}

// PlaceMarketOrder signs and submits a market order; size sign carries the
// direction on Hyperliquid.
func (b *Backend) PlaceMarketOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty float64, leverage int, priceRef float64, reduceOnly bool) (exchange.OrderResult, error) {
	coin := coinOf(symbol)
	if !reduceOnly {
		if err := b.ensureLeverage(ctx, coin, leverage); err != nil {
			return exchange.OrderResult{}, err
		}
	}

	if filters, err := b.SymbolFilters(ctx); err == nil {
		if f, ok := filters[coin]; ok {
			rounded, rerr := exchange.RoundQuantity(qty, priceRef, f)
			if rerr != nil {
				return exchange.OrderResult{}, rerr
			}
			qty = rounded
		}
	}

	size := qty
	if dir == portfolio.Short {
		size = -size
	}

	resp, err := b.client.MarketOrder(coin, size, nil)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("placing hyperliquid market order for %s: %w", coin, err)
	}
	logger.Infof("hyperliquid order placed: %s size=%.8f status=%s", coin, size, resp.Status)
	return exchange.OrderResult{Symbol: symbol, Status: resp.Status}, nil
}

// ClosePosition submits a reduce-only order opposite the live position.
func (b *Backend) ClosePosition(ctx context.Context, symbol string, qty float64) (exchange.OrderResult, error) {
	coin := coinOf(symbol)
	positions, err := b.GetPositionsSnapshot(ctx)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	pos, ok := positions[coin]
	if !ok {
		return exchange.OrderResult{}, fmt.Errorf("no live hyperliquid position for %s to close", coin)
	}
	closeDir := portfolio.Short
	if pos.Direction == portfolio.Short {
		closeDir = portfolio.Long
	}
	return b.PlaceMarketOrder(ctx, symbol, closeDir, qty, pos.Leverage, 0, true)
}

// Hyperliquid TP/SL lives in trigger orders this adapter does not mirror;
// the engine's own exit monitor is authoritative on this backend.
func (b *Backend) PlaceTakeProfitOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty, triggerPrice float64) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, fmt.Errorf("take-profit orders not mirrored on hyperliquid")
}

func (b *Backend) PlaceStopLossOrder(ctx context.Context, symbol string, dir portfolio.Direction, qty, triggerPrice float64) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, fmt.Errorf("stop-loss orders not mirrored on hyperliquid")
}

func (b *Backend) CancelAllOrders(ctx context.Context, symbol string) error {
	coin := coinOf(symbol)
	orders, err := b.client.GetAccountOpenOrders()
	if err != nil {
		return fmt.Errorf("fetching hyperliquid open orders: %w", err)
	}
	for _, order := range *orders {
		if order.Coin != coin {
			continue
		}
		if _, err := b.client.CancelOrderByOID(coin, int(order.Oid)); err != nil {
			return fmt.Errorf("cancelling hyperliquid order %d for %s: %w", order.Oid, coin, err)
		}
	}
	return nil
}
