package engine

import (
	"context"

	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/market"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

// buildSnapshot fetches the 3-minute and HTF indicator bundle for every
// configured coin, classifies each coin's trend, and assembles the full
// Snapshot the LLM adapter consumes. Coins with insufficient data are
// skipped this cycle, never fabricated.
func (e *Engine) buildSnapshot(ctx context.Context, prices map[string]float64) (*Snapshot, map[string]market.Indicators, map[string]market.Indicators, error) {
	ltfByCoin := make(map[string]market.Indicators, len(e.cfg.Symbols))
	htfByCoin := make(map[string]market.Indicators, len(e.cfg.Symbols))
	bundle := make(map[string]CoinIndicators, len(e.cfg.Symbols))

	for _, coin := range e.cfg.Symbols {
		ltf, err := e.market.Indicators(ctx, coin, "3m")
		if err != nil {
			logger.Warnf("skipping %s this cycle: %v", coin, err)
			continue
		}
		htf, err := e.market.Indicators(ctx, coin, e.cfg.HTFInterval)
		if err != nil {
			logger.Warnf("skipping %s this cycle: %v", coin, err)
			continue
		}

		ltfByCoin[coin] = ltf
		htfByCoin[coin] = htf

		ci := CoinIndicators{LTF: ltf, HTF: htf}
		if rate, err := e.market.FundingRate(ctx, coin); err == nil {
			ci.Sentiment.FundingRate = &rate
		}
		if oi, err := e.market.OpenInterest(ctx, coin); err == nil {
			ci.Sentiment.OpenInterest = &oi
		}
		bundle[coin] = ci

		htfPrice := htf.Price
		htfEMA20 := 0.0
		if htf.EMA20 != nil {
			htfEMA20 = *htf.EMA20
		}
		ltfEMA20 := 0.0
		if ltf.EMA20 != nil {
			ltfEMA20 = *ltf.EMA20
		}
		ltfRSI := 0.0
		if ltf.RSI14 != nil {
			ltfRSI = *ltf.RSI14
		}
		e.ledger.UpdateTrendState(coin, htfPrice, htfEMA20, ltf.Price, ltfEMA20, ltfRSI, e.cycleNumber)
	}

	snap := e.ledger.Snapshot()
	regime := e.ledger.MarketRegime()

	var flips []TrendFlip
	for coin, state := range snap.TrendStates {
		if state.RecentFlip(e.cycleNumber) {
			flips = append(flips, TrendFlip{Coin: coin, Trend: string(state.Trend), LastFlipCycle: state.LastFlipCycle})
		}
	}

	return &Snapshot{
		CycleNumber:     e.cycleNumber,
		InvocationCount: e.invocationCount,
		Timestamp:       snap.LastUpdated,
		Portfolio:       snap,
		Indicators:      bundle,
		DirectionalBias: directionalBiasMap(snap),
		RecentFlips:     flips,
		CounterTrend:    buildCounterTrendAnalyses(e.cfg.Symbols, ltfByCoin, htfByCoin, regime),
		Suggestions:     buildSuggestions(snap, e.cycleNumber),
		MarketRegime:    regime,
	}, ltfByCoin, htfByCoin, nil
}

func directionalBiasMap(p portfolio.Portfolio) map[portfolio.Direction]portfolio.DirectionalBias {
	out := make(map[portfolio.Direction]portfolio.DirectionalBias, len(p.DirectionalBias))
	for dir, bias := range p.DirectionalBias {
		out[dir] = *bias
	}
	return out
}
