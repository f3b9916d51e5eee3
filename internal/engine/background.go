package engine

import (
	"context"

	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/store"
)

// MeanATR14 computes the mean 3-minute ATR14 across every configured coin,
// feeding the decision loop's volatility-adaptive sleep interval. Coins
// with insufficient data are excluded, not treated as zero volatility.
func (e *Engine) MeanATR14(ctx context.Context) float64 {
	var sum float64
	var n int
	for _, coin := range e.cfg.Symbols {
		ind, err := e.market.Indicators(ctx, coin, "3m")
		if err != nil || ind.ATR14 == nil {
			continue
		}
		sum += *ind.ATR14
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// BackgroundTick runs the exit-monitor background cycle: fetch prices
// (no indicators needed), mark-to-market without incrementing loss
// counters, and evaluate exit rules. Per-tick errors are swallowed so the
// loop always reaches its next tick; the caller only needs the
// fired-reason list for logging.
func (e *Engine) BackgroundTick(ctx context.Context) []string {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("exit-monitor tick panic recovered: %v", r)
		}
	}()

	prices := e.market.Prices(ctx, e.positionPrices())
	e.ledger.MarkToMarket(prices, false)
	fired := e.exitMon.Tick(prices)
	if len(fired) > 0 {
		logger.Infof("background exit monitor fired: %v", fired)
		snap := e.ledger.Snapshot()
		if err := e.store.Write(store.PortfolioState, snap); err != nil {
			logger.Errorf("persisting portfolio state after background exit: %v", err)
		}
	}
	return fired
}
