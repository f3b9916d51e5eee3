// Package risk implements the Risk Manager: the ordered pre-trade gate an
// entry decision must pass, and the confidence-based margin sizing formula.
package risk

import (
	"fmt"

	"github.com/nof1ai/perpengine/internal/portfolio"
)

const (
	MinMarginUSD       = 10.0
	CashFloorPct       = 0.10
	SameDirectionCap   = 4
	ConcentrationPct   = 0.25
	ConfidenceCashPct  = 0.40
)

// Regime mirrors the engine's overall market-regime classification used by
// the same-direction saturation gate and the regime margin multiplier.
type Regime string

const (
	RegimeBullish Regime = "bullish"
	RegimeBearish Regime = "bearish"
	RegimeNeutral Regime = "neutral"
)

// RegimeFromTrend maps the ledger's majority-vote trend classification onto
// a Regime, the boundary between the ledger's trend state and the gates.
func RegimeFromTrend(t portfolio.Trend) Regime {
	switch t {
	case portfolio.Bullish:
		return RegimeBullish
	case portfolio.Bearish:
		return RegimeBearish
	default:
		return RegimeNeutral
	}
}

func (r Regime) marginMultiplier() float64 {
	switch r {
	case RegimeBullish:
		return 1.0
	case RegimeBearish:
		return 0.8
	default:
		return 0.9
	}
}

// Candidate is one prospective entry, already past decision validation.
type Candidate struct {
	Symbol       string
	Direction    portfolio.Direction
	Confidence   float64
	PartialMargin bool // halves the sized margin, per the decision validator's trend-following path
}

// Manager evaluates Candidates against the ledger's live state. minMargin
// defaults to the $10 floor when the configuration leaves it unset.
type Manager struct {
	ledger       *portfolio.Ledger
	maxPositions int
	minMargin    float64
}

func NewManager(ledger *portfolio.Ledger, maxPositions int, minMargin float64) *Manager {
	if minMargin <= 0 {
		minMargin = MinMarginUSD
	}
	return &Manager{ledger: ledger, maxPositions: maxPositions, minMargin: minMargin}
}

// Veto explains why a candidate was rejected.
type Veto struct {
	Reason string
}

func (v *Veto) Error() string { return v.Reason }

// Evaluate runs the ordered gate pipeline and, if accepted, returns the
// sized margin in USD. cycleNumber implements the ramp-up cap; regime
// drives the same-direction-saturation gate and margin multiplier.
func (m *Manager) Evaluate(c Candidate, cycleNumber int, regime Regime) (marginUSD float64, err error) {
	cap := cycleNumber
	if cap > m.maxPositions {
		cap = m.maxPositions
	}
	if m.ledger.PositionCount() >= cap {
		return 0, &Veto{Reason: fmt.Sprintf("position count at cap %d for cycle %d", cap, cycleNumber)}
	}

	available := m.ledger.CurrentBalance()
	margin := clamp(available*ConfidenceCashPct*c.Confidence, m.minMargin, available)
	margin *= regime.marginMultiplier()
	if c.PartialMargin {
		margin *= 0.5
	}
	// Promoted, not vetoed, when the sized value comes in under the floor.
	if margin < m.minMargin {
		margin = m.minMargin
	}

	if available-margin < available*CashFloorPct {
		return 0, &Veto{Reason: "cash floor breached"}
	}

	if regime == RegimeBullish && c.Direction == portfolio.Long && m.ledger.PositionsByDirection(portfolio.Long) >= SameDirectionCap {
		return 0, &Veto{Reason: "same-direction saturation (bullish longs)"}
	}
	if regime == RegimeBearish && c.Direction == portfolio.Short && m.ledger.PositionsByDirection(portfolio.Short) >= SameDirectionCap {
		return 0, &Veto{Reason: "same-direction saturation (bearish shorts)"}
	}

	// First position skips the concentration gate; with nothing else open
	// there is nothing to diversify against.
	if m.ledger.PositionCount() > 0 {
		totalBase := m.ledger.CurrentBalance() + m.ledger.SumMarginLocked()
		if totalBase > 0 && margin/totalBase > ConcentrationPct {
			return 0, &Veto{Reason: "concentration cap exceeded"}
		}
	}

	return margin, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
