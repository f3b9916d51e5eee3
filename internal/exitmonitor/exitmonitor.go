// Package exitmonitor implements the exit monitor: stall timeout,
// margin-based loss cut, tiered partial-profit taking, dynamic trailing
// stop, and hard take-profit/stop-loss crossing. It runs once inline per
// decision cycle and on its own fixed-interval background loop.
package exitmonitor

import (
	"fmt"

	"github.com/nof1ai/perpengine/internal/config"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

const (
	StallLossCycleThreshold = 10
	MinRemainingMarginUSD   = 15.0
)

// Monitor evaluates open positions against exit rules and fires closes
// through the ledger.
type Monitor struct {
	ledger *portfolio.Ledger
	tiers  []config.ProfitTier
	mirror func(symbol string, qty float64, fullClose bool)
}

func New(ledger *portfolio.Ledger, tiers []config.ProfitTier) *Monitor {
	return &Monitor{ledger: ledger, tiers: tiers}
}

// SetMirror registers a hook invoked after every close this monitor fires,
// so live mode can replicate the exit on the exchange. Must be called
// before the monitor starts ticking.
func (m *Monitor) SetMirror(fn func(symbol string, qty float64, fullClose bool)) {
	m.mirror = fn
}

// Tick evaluates every open position at the given prices. It returns the
// close reasons fired, in position-iteration order.
func (m *Monitor) Tick(prices map[string]float64) []string {
	var fired []string
	for symbol, price := range prices {
		if price <= 0 {
			continue
		}
		pos, ok := m.ledger.Position(symbol)
		if !ok {
			continue
		}
		if reason := m.evaluate(pos, price); reason != "" {
			fired = append(fired, fmt.Sprintf("%s: %s", symbol, reason))
		}
	}
	return fired
}

func (m *Monitor) evaluate(pos portfolio.Position, price float64) string {
	if pos.LossCycleCount >= StallLossCycleThreshold && pos.UnrealizedPnL <= 0 {
		reason := "Position negative for 10 cycles"
		m.close(pos.Symbol, price, reason, 1.0)
		return reason
	}

	if reason := m.marginLossCut(pos); reason != "" {
		m.close(pos.Symbol, price, reason, 1.0)
		return reason
	}

	tier := m.tierFor(pos.NotionalUSD)
	var tierReason string
	if tier != nil {
		tierReason = m.takeTieredProfit(pos, price, *tier)
		// trailing runs against the post-partial position
		if cur, ok := m.ledger.Position(pos.Symbol); ok {
			m.tightenTrailingStop(cur, price, *tier)
		}
	}

	// hard TP/SL checks whatever the steps above left open, so a partial
	// close on this tick does not hide a crossed target or stop
	cur, ok := m.ledger.Position(pos.Symbol)
	if !ok {
		return tierReason
	}
	if reason := m.hardTPSL(cur, price); reason != "" {
		m.close(pos.Symbol, price, reason, 1.0)
		return reason
	}

	return tierReason
}

// marginLossCut implements the k-by-margin-band loss threshold.
func (m *Monitor) marginLossCut(pos portfolio.Position) string {
	if pos.UnrealizedPnL >= 0 {
		return ""
	}
	var k float64
	switch {
	case pos.MarginUSD < 30:
		k = 0.08
	case pos.MarginUSD < 40:
		k = 0.07
	case pos.MarginUSD < 50:
		k = 0.06
	default:
		k = 0.05
	}
	threshold := pos.MarginUSD * k
	if -pos.UnrealizedPnL >= threshold {
		return fmt.Sprintf("margin loss cut at %.1f%% of margin", k*100)
	}
	return ""
}

func (m *Monitor) tierFor(notional float64) *config.ProfitTier {
	for i := range m.tiers {
		if notional <= m.tiers[i].MaxNotionalUSD {
			return &m.tiers[i]
		}
	}
	if len(m.tiers) > 0 {
		return &m.tiers[len(m.tiers)-1]
	}
	return nil
}

func gainFraction(pos portfolio.Position, price float64) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	if pos.Direction == portfolio.Long {
		return (price - pos.EntryPrice) / pos.EntryPrice
	}
	return (pos.EntryPrice - price) / pos.EntryPrice
}

// takeTieredProfit evaluates the three (trigger, fraction) pairs in order.
// The minimum-remaining-margin floor always wins over the tier's nominal
// fraction: a level that would breach it escalates to a full close instead
// of a smaller partial (see DESIGN.md).
func (m *Monitor) takeTieredProfit(pos portfolio.Position, price float64, tier config.ProfitTier) string {
	gain := gainFraction(pos, price)
	for level, trigger := range tier.Triggers {
		if level < pos.ProfitLevelsTaken {
			continue // already taken at an earlier tick
		}
		if gain < trigger {
			continue
		}
		fraction := tier.Fractions[level]
		remainingMargin := pos.MarginUSD * (1 - fraction)
		if remainingMargin < MinRemainingMarginUSD {
			m.close(pos.Symbol, price, fmt.Sprintf("tiered profit level %d full close (floor breach)", level+1), 1.0)
			return "tiered profit full close"
		}
		reason := fmt.Sprintf("tiered profit level %d partial close %.0f%%", level+1, fraction*100)
		trade, err := m.ledger.ApplyExit(pos.Symbol, price, reason, fraction)
		if err == nil {
			m.ledger.SetProfitLevelsTaken(pos.Symbol, level+1)
			if m.mirror != nil {
				m.mirror(pos.Symbol, trade.Quantity, false)
			}
			return reason
		}
	}
	return ""
}

// tightenTrailingStop raises the stop-loss only, per the two-threshold rule
// keyed off the tier's level-1 and level-2 triggers.
func (m *Monitor) tightenTrailingStop(pos portfolio.Position, price float64, tier config.ProfitTier) {
	if len(tier.Triggers) < 2 {
		return
	}
	level1, level2 := tier.Triggers[0], tier.Triggers[1]
	gain := gainFraction(pos, price)

	var newLevel int
	var distance float64
	switch {
	case gain >= level2:
		newLevel = 2
		distance = level1
	case gain >= level1:
		newLevel = 1
		distance = level1 / 2
	default:
		return
	}
	if newLevel <= pos.TrailingState.LastLevel {
		return
	}

	var newStop float64
	if pos.Direction == portfolio.Long {
		newStop = pos.EntryPrice * (1 + distance)
		if pos.ExitPlan.StopLoss != nil && newStop <= *pos.ExitPlan.StopLoss {
			return
		}
	} else {
		newStop = pos.EntryPrice * (1 - distance)
		if pos.ExitPlan.StopLoss != nil && newStop >= *pos.ExitPlan.StopLoss {
			return
		}
	}

	plan := pos.ExitPlan
	plan.StopLoss = &newStop
	m.ledger.UpdateExitPlan(pos.Symbol, plan, portfolio.TrailingState{LastLevel: newLevel, LastStopLoss: newStop})
}

func (m *Monitor) hardTPSL(pos portfolio.Position, price float64) string {
	plan := pos.ExitPlan
	if pos.Direction == portfolio.Long {
		if plan.StopLoss != nil && price <= *plan.StopLoss {
			return "stop-loss crossed"
		}
		if plan.ProfitTarget != nil && price >= *plan.ProfitTarget {
			return "profit-target crossed"
		}
	} else {
		if plan.StopLoss != nil && price >= *plan.StopLoss {
			return "stop-loss crossed"
		}
		if plan.ProfitTarget != nil && price <= *plan.ProfitTarget {
			return "profit-target crossed"
		}
	}
	return ""
}

func (m *Monitor) close(symbol string, price float64, reason string, fraction float64) {
	trade, err := m.ledger.ApplyExit(symbol, price, reason, fraction)
	if err == nil && m.mirror != nil {
		m.mirror(symbol, trade.Quantity, fraction == 1)
	}
}
