// Package decision implements the Decision Validator: classifies each AI
// entry signal as trend-following or counter-trend, runs the confidence
// pipeline, applies coin-specific stop-loss shaping, and the short
// enhancement multiplier.
package decision

import (
	"fmt"

	"github.com/nof1ai/perpengine/internal/market"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

type Signal string

const (
	BuyToEnter    Signal = "buy_to_enter"
	SellToEnter   Signal = "sell_to_enter"
	Hold          Signal = "hold"
	ClosePosition Signal = "close_position"
)

const MinConfidence = 0.4
const CounterTrendConfidenceFloor = 0.75
const VolumeRatioPenaltyThreshold = 0.30
const VolumeRatioPenaltyFactor = 0.7

// AIDecision is one entry from the LLM adapter's decisions map. The json
// tags shape its appearance inside persisted cycle records.
type AIDecision struct {
	Coin                  string   `json:"coin"`
	Signal                Signal   `json:"signal"`
	Leverage              *int     `json:"leverage,omitempty"`
	Confidence            *float64 `json:"confidence,omitempty"`
	ProfitTarget          *float64 `json:"profit_target,omitempty"`
	StopLoss              *float64 `json:"stop_loss,omitempty"`
	RiskUSD               *float64 `json:"risk_usd,omitempty"`
	InvalidationCondition string   `json:"invalidation_condition,omitempty"`
	Justification         string   `json:"justification,omitempty"`
}

// Inputs bundles everything the validator needs about one coin this cycle.
// The tuning fields fall back to their documented defaults when zero, so
// callers only set what their configuration overrides.
type Inputs struct {
	Decision         AIDecision
	HTF              market.Indicators
	LTF              market.Indicators // 3-minute
	Trend            portfolio.Trend
	RecentFlip       bool
	Bias             portfolio.DirectionalBias
	CoinSLMultiplier float64 // default 1.0, from config.StrategyOverlay

	MaxLeverage      int     // absolute leverage cap, default 10
	MinConfidence    float64 // volume-penalty veto floor, default 0.4
	ShortEnhancement float64 // short sizing multiplier, default 1.15
}

// Validated is the output tuple the ledger and risk manager consume.
type Validated struct {
	Direction      portfolio.Direction
	Confidence     float64
	SizingMultiplier float64
	PartialMargin  bool
	Leverage       int
	ExitPlan       portfolio.ExitPlan
	CounterTrend   bool
}

// Veto carries the rejection reason; decisions that veto become `hold`.
type Veto struct {
	Reason string
}

func (v *Veto) Error() string { return v.Reason }

// Validate runs the full pipeline for one AI entry signal.
func Validate(in Inputs) (*Validated, error) {
	if in.Decision.Signal != BuyToEnter && in.Decision.Signal != SellToEnter {
		return nil, &Veto{Reason: "not an entry signal"}
	}

	dir := portfolio.Long
	if in.Decision.Signal == SellToEnter {
		dir = portfolio.Short
	}

	counterTrend := isCounterTrend(in.Decision.Signal, in.Trend)

	confidence := 0.5
	if in.Decision.Confidence != nil {
		confidence = *in.Decision.Confidence
	}

	minConfidence := in.MinConfidence
	if minConfidence == 0 {
		minConfidence = MinConfidence
	}

	volumeRatio := in.LTF.VolumeRatio()
	if volumeRatio <= VolumeRatioPenaltyThreshold {
		confidence *= VolumeRatioPenaltyFactor
		if confidence < minConfidence {
			return nil, &Veto{Reason: fmt.Sprintf("volume penalty dropped confidence to %.3f", confidence)}
		}
	}

	confidence = applyDirectionalBiasAdjustment(confidence, in.Bias, dir, in.Trend)

	partialMargin := false
	sizingMultiplier := 1.0

	if counterTrend {
		if confidence < CounterTrendConfidenceFloor {
			return nil, &Veto{Reason: fmt.Sprintf("counter-trend confidence %.3f below floor %.2f", confidence, CounterTrendConfidenceFloor)}
		}
		if in.RecentFlip {
			return nil, &Veto{Reason: "counter-trend vetoed by flip cooldown"}
		}
		score := counterTrendScore(in.Decision.Signal, in.LTF, in.HTF)
		if score < 3 {
			return nil, &Veto{Reason: fmt.Sprintf("counter-trend score %d/5 below 3", score)}
		}
	} else if htfAndLTFAgree(in.Decision.Signal, in.Trend, in.LTF) && volumeRatio >= 0.5 {
		if volumeRatio < 0.8 {
			partialMargin = true
		} else {
			confidence = clamp01(confidence + 0.05)
		}
	}

	stopLoss := in.Decision.StopLoss
	if stopLoss != nil {
		mult := in.CoinSLMultiplier
		if mult == 0 {
			mult = 1.0
		}
		stopLoss = rescaleStopLoss(*stopLoss, referencePrice(in.LTF), dir, mult)
	}

	if in.Decision.Signal == SellToEnter && shortEnhancementApplies(in.LTF, in.Trend) {
		sizingMultiplier = in.ShortEnhancement
		if sizingMultiplier == 0 {
			sizingMultiplier = 1.15
		}
	}

	leverage := 8
	if in.Decision.Leverage != nil {
		leverage = *in.Decision.Leverage
	}
	if leverage < 8 {
		leverage = 8
	}
	if leverage > 10 {
		leverage = 10
	}
	if in.MaxLeverage > 0 && leverage > in.MaxLeverage {
		leverage = in.MaxLeverage
	}

	return &Validated{
		Direction:        dir,
		Confidence:       confidence,
		SizingMultiplier: sizingMultiplier,
		PartialMargin:    partialMargin,
		Leverage:         leverage,
		ExitPlan: portfolio.ExitPlan{
			ProfitTarget:          in.Decision.ProfitTarget,
			StopLoss:              stopLoss,
			InvalidationCondition: in.Decision.InvalidationCondition,
		},
		CounterTrend: counterTrend,
	}, nil
}

func isCounterTrend(signal Signal, trend portfolio.Trend) bool {
	if signal == BuyToEnter && trend == portfolio.Bearish {
		return true
	}
	if signal == SellToEnter && trend == portfolio.Bullish {
		return true
	}
	return false
}

func htfAndLTFAgree(signal Signal, trend portfolio.Trend, ltf market.Indicators) bool {
	wantBullish := signal == BuyToEnter
	htfAgrees := (wantBullish && trend == portfolio.Bullish) || (!wantBullish && trend == portfolio.Bearish)
	if !htfAgrees {
		return false
	}
	if ltf.EMA20 == nil {
		return false
	}
	ltfAbove := ltf.Price > *ltf.EMA20
	return ltfAbove == wantBullish
}

func applyDirectionalBiasAdjustment(confidence float64, bias portfolio.DirectionalBias, dir portfolio.Direction, trend portfolio.Trend) float64 {
	if bias.Trades == 0 {
		return confidence
	}
	if bias.ConsecutiveLosses >= 3 {
		confidence *= 0.9
	}
	avg := bias.AverageRecentPnL()
	if avg < 0 {
		confidence *= 0.93
	}

	aligned := (dir == portfolio.Long && trend == portfolio.Bullish) || (dir == portfolio.Short && trend == portfolio.Bearish)
	misaligned := (dir == portfolio.Long && trend == portfolio.Bearish) || (dir == portfolio.Short && trend == portfolio.Bullish)

	switch {
	case aligned && avg > 0:
		confidence = clamp01(confidence * 1.05)
	case misaligned && trend != portfolio.Neutral:
		confidence *= 0.9
	case trend == portfolio.Neutral:
		confidence *= 0.9
	}
	return confidence
}

// CounterTrendScoreForContext exposes the five-condition score for
// diagnostic use outside the validator (the engine's enhanced-context
// suggestions); it never itself gates an entry.
func CounterTrendScoreForContext(signal Signal, ltf, htf market.Indicators) int {
	return counterTrendScore(signal, ltf, htf)
}

// counterTrendScore runs the five-condition check, each worth one point.
func counterTrendScore(signal Signal, ltf, htf market.Indicators) int {
	wantLong := signal == BuyToEnter
	score := 0

	if ltf.EMA20 != nil {
		momentumSupportsLong := ltf.Price > *ltf.EMA20
		if momentumSupportsLong == wantLong {
			score++
		}
	}

	if ltf.VolumeRatio() > 1.5 {
		score++
	}

	if rsi := intradayRSI(ltf); rsi != nil {
		if wantLong && *rsi < 25 {
			score++
		} else if !wantLong && *rsi > 75 {
			score++
		}
	}

	if ltf.EMA20 != nil && *ltf.EMA20 != 0 {
		dist := (ltf.Price - *ltf.EMA20) / *ltf.EMA20
		if dist < 0 {
			dist = -dist
		}
		if dist <= 0.01 {
			score++
		}
	}

	if ltf.MACDLine != nil && ltf.MACDSignal != nil {
		macdSupportsLong := *ltf.MACDLine > *ltf.MACDSignal
		if macdSupportsLong == wantLong {
			score++
		}
	}

	return score
}

// intradayRSI prefers the 3-minute RSI14, falling back to RSI7.
func intradayRSI(ltf market.Indicators) *float64 {
	if ltf.RSI14 != nil {
		return ltf.RSI14
	}
	return ltf.RSI7
}

func shortEnhancementApplies(ltf market.Indicators, trend portfolio.Trend) bool {
	rsi := intradayRSI(ltf)
	if rsi == nil || *rsi <= 70 {
		return false
	}
	if ltf.VolumeRatio() <= 1.5 {
		return false
	}
	return trend == portfolio.Bearish
}

func rescaleStopLoss(stopLoss, entry float64, dir portfolio.Direction, multiplier float64) *float64 {
	if entry == 0 {
		return &stopLoss
	}
	distance := entry - stopLoss
	if dir == portfolio.Short {
		distance = stopLoss - entry
	}
	scaled := distance * multiplier
	var result float64
	if dir == portfolio.Long {
		result = entry - scaled
	} else {
		result = entry + scaled
	}
	return &result
}

func referencePrice(ind market.Indicators) float64 {
	return ind.Price
}

func clamp01(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}
