package engine

import (
	"fmt"

	"github.com/nof1ai/perpengine/internal/decision"
	"github.com/nof1ai/perpengine/internal/market"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

// buildSuggestions derives a small set of human-readable hints: flip
// cooldowns in effect, positions nearing their stop or target, and stalling
// positions approaching the loss-cycle timeout. These are advisory text for
// the LLM adapter's prompt, never inputs to the validator or risk gates.
func buildSuggestions(p portfolio.Portfolio, cycle int) []string {
	var out []string

	for coin, state := range p.TrendStates {
		if state.RecentFlip(cycle) {
			out = append(out, fmt.Sprintf("%s flipped %s %d cycles ago, cooldown active", coin, state.Trend, cycle-state.LastFlipCycle))
		}
	}

	for symbol, pos := range p.Positions {
		if pos.LossCycleCount >= 7 {
			out = append(out, fmt.Sprintf("%s has been negative for %d cycles, approaching stall timeout", symbol, pos.LossCycleCount))
		}
		if pos.ExitPlan.ProfitTarget != nil && pos.EntryPrice != 0 {
			progress := progressToTarget(pos)
			if progress >= 80 {
				out = append(out, fmt.Sprintf("%s is %.0f%% of the way to its profit target", symbol, progress))
			}
		}
	}

	return out
}

func progressToTarget(pos *portfolio.Position) float64 {
	target := *pos.ExitPlan.ProfitTarget
	var progress float64
	if pos.Direction == portfolio.Long {
		if target == pos.EntryPrice {
			return 0
		}
		progress = (pos.CurrentPrice - pos.EntryPrice) / (target - pos.EntryPrice) * 100
	} else {
		if target == pos.EntryPrice {
			return 0
		}
		progress = (pos.EntryPrice - pos.CurrentPrice) / (pos.EntryPrice - target) * 100
	}
	if progress < 0 {
		return 0
	}
	return progress
}

// buildCounterTrendAnalyses scores every coin that has 3m indicators, for
// each entry direction that opposes the overall market regime, against the
// counter-trend five-condition check, purely as diagnostic context.
func buildCounterTrendAnalyses(coins []string, ltf, htf map[string]market.Indicators, regime portfolio.Trend) []CounterTrendAnalysis {
	var out []CounterTrendAnalysis
	for _, coin := range coins {
		l, ok := ltf[coin]
		if !ok {
			continue
		}
		h := htf[coin]
		for _, signal := range []decision.Signal{decision.BuyToEnter, decision.SellToEnter} {
			wantLong := signal == decision.BuyToEnter
			opposesHTF := (wantLong && regime == portfolio.Bearish) || (!wantLong && regime == portfolio.Bullish)
			if !opposesHTF {
				continue
			}
			out = append(out, CounterTrendAnalysis{Coin: coin, Score: decision.CounterTrendScoreForContext(signal, l, h)})
		}
	}
	return out
}
