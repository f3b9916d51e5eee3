package engine

import (
	"encoding/json"
	"time"

	"github.com/nof1ai/perpengine/internal/market"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

// Sentiment is the open-interest and funding-rate context surfaced per
// coin; fields are nil when the fetch failed this cycle.
type Sentiment struct {
	OpenInterest *float64 `json:"open_interest,omitempty"`
	FundingRate  *float64 `json:"funding_rate,omitempty"`
}

// CoinIndicators bundles the 3-minute and higher-timeframe indicator sets
// the LLM adapter's prompt payload carries per coin.
type CoinIndicators struct {
	LTF       market.Indicators `json:"ltf_3m"`
	HTF       market.Indicators `json:"htf"`
	Sentiment Sentiment         `json:"sentiment"`
}

// TrendFlip is one entry in the "recent trend flips" list surfaced to the
// LLM adapter.
type TrendFlip struct {
	Coin          string `json:"coin"`
	Trend         string `json:"trend"`
	LastFlipCycle int    `json:"last_flip_cycle"`
}

// CounterTrendAnalysis summarizes the five-condition score for a coin whose
// signal direction opposes the overall market regime, surfaced to the LLM
// adapter as diagnostic context (not used to gate anything itself; the
// validator re-derives the veto independently from the raw indicators).
type CounterTrendAnalysis struct {
	Coin  string `json:"coin"`
	Score int    `json:"score"`
}

// Snapshot is the full engine-state payload fed to the LLM adapter each
// cycle: portfolio, per-coin indicators, directional-bias metrics, trend
// flips, counter-trend analyses, and enhanced-context suggestions. It
// implements llm.PromptPayload; the prompt's actual text/shape is the
// remote collaborator's concern. Marshal only needs to produce a stable,
// complete JSON encoding of engine state.
type Snapshot struct {
	CycleNumber      int                         `json:"cycle_number"`
	InvocationCount  int                         `json:"invocation_count"`
	Timestamp        time.Time                   `json:"timestamp"`
	Portfolio        portfolio.Portfolio         `json:"portfolio"`
	Indicators       map[string]CoinIndicators   `json:"indicators"`
	DirectionalBias  map[portfolio.Direction]portfolio.DirectionalBias `json:"directional_bias"`
	RecentFlips      []TrendFlip                 `json:"recent_trend_flips"`
	CounterTrend     []CounterTrendAnalysis      `json:"counter_trend_analyses"`
	Suggestions      []string                    `json:"enhanced_context_suggestions"`
	MarketRegime     portfolio.Trend             `json:"market_regime"`
}

func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}
