// Package portfolio implements the Portfolio Ledger: cash balance, open
// positions, directional-bias statistics, trend-flip state, Sharpe history,
// and the accounting invariants that guard all of it.
package portfolio

import "time"

const (
	MaxPositions           = 5
	DirectionalBiasWindow  = 20
	PortfolioHistoryWindow = 100
	TradeHistoryWindow     = 100
	CycleHistoryWindow     = 50
	TrendFlipCooldown      = 3
	NeutralBandPct         = 0.0015 // ±0.15%
)

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

type Trend string

const (
	Bullish Trend = "bullish"
	Bearish Trend = "bearish"
	Neutral Trend = "neutral"
	Unknown Trend = "unknown"
)

// ExitPlan holds the numeric targets attached to a position at entry or
// updated by the exit monitor; fields are nullable because the AI need not
// supply them.
type ExitPlan struct {
	ProfitTarget         *float64 `json:"profit_target,omitempty"`
	StopLoss             *float64 `json:"stop_loss,omitempty"`
	InvalidationCondition string  `json:"invalidation_condition,omitempty"`
}

// TrailingState records the last trailing-stop update so it can only tighten.
type TrailingState struct {
	LastLevel    int       `json:"last_level"`
	LastStopLoss float64   `json:"last_stop_loss"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TrendContext captures the trend at entry for later reference.
type TrendContext struct {
	Trend      Trend `json:"trend"`
	CycleAtEntry int  `json:"cycle_at_entry"`
}

// Position is one open (coin, direction) pair, at most one per coin.
type Position struct {
	Symbol           string        `json:"symbol"`
	Direction        Direction     `json:"direction"`
	Quantity         float64       `json:"quantity"`
	EntryPrice       float64       `json:"entry_price"`
	CurrentPrice     float64       `json:"current_price"`
	UnrealizedPnL    float64       `json:"unrealized_pnl"`
	NotionalUSD      float64       `json:"notional_usd"`
	MarginUSD        float64       `json:"margin_usd"`
	Leverage         int           `json:"leverage"`
	LiquidationPrice float64       `json:"liquidation_price"`
	Confidence       float64       `json:"confidence"`
	RiskUSD          float64       `json:"risk_usd"`
	ExitPlan         ExitPlan      `json:"exit_plan"`
	TrailingState    TrailingState `json:"trailing_state"`
	ProfitLevelsTaken int          `json:"profit_levels_taken"`
	LossCycleCount   int           `json:"loss_cycle_count"`
	EntryTime        time.Time     `json:"entry_time"`
	TrendContext     TrendContext  `json:"trend_context"`
}

// MaintenanceMarginRate is a conservative constant for the
// liquidation-price estimate.
const MaintenanceMarginRate = 0.01

// EstimateLiquidationPrice implements `entry × (1 ± (1/lev − mmr))`.
func EstimateLiquidationPrice(entry float64, leverage int, dir Direction) float64 {
	factor := 1.0/float64(leverage) - MaintenanceMarginRate
	if dir == Long {
		return entry * (1 - factor)
	}
	return entry * (1 + factor)
}

// ClosedTrade is an append-only record of a full or partial position close.
type ClosedTrade struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    float64   `json:"quantity"`
	NotionalUSD float64   `json:"notional_usd"`
	RealizedPnL float64   `json:"realized_pnl"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	Leverage    int       `json:"leverage"`
	CloseReason string    `json:"close_reason"`
}

// DirectionalBias tracks the rolling performance of one trade direction.
type DirectionalBias struct {
	RecentPnL        []float64 `json:"recent_pnl"`
	NetPnL           float64   `json:"net_pnl"`
	Trades           int       `json:"trades"`
	Wins             int       `json:"wins"`
	Losses           int       `json:"losses"`
	ConsecutiveLosses int      `json:"consecutive_losses"`
}

// AverageRecentPnL returns the mean of the ring buffer, or 0 if empty.
func (d DirectionalBias) AverageRecentPnL() float64 {
	if len(d.RecentPnL) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range d.RecentPnL {
		sum += v
	}
	return sum / float64(len(d.RecentPnL))
}

// TrendState is the per-coin trend classification history.
type TrendState struct {
	Trend         Trend `json:"trend"`
	LastFlipCycle int   `json:"last_flip_cycle"`
	LastSeenCycle int   `json:"last_seen_cycle"`
}

// RecentFlip reports whether coin flipped trend within the cooldown window.
func (t TrendState) RecentFlip(currentCycle int) bool {
	if t.LastFlipCycle <= 0 {
		return false
	}
	return currentCycle-t.LastFlipCycle < TrendFlipCooldown
}

// Portfolio is the singleton ledger.
type Portfolio struct {
	InitialBalance        float64                    `json:"initial_balance"`
	CurrentBalance        float64                    `json:"current_balance"`
	TotalValue            float64                    `json:"total_value"`
	TotalReturnPct        float64                    `json:"total_return"`
	SharpeRatio           float64                    `json:"sharpe_ratio"`
	Positions             map[string]*Position        `json:"positions"`
	TradeCount            int                         `json:"trade_count"`
	PortfolioValuesHistory []float64                  `json:"portfolio_values_history"`
	DirectionalBias       map[Direction]*DirectionalBias `json:"directional_bias"`
	LastUpdated           time.Time                   `json:"last_updated"`

	TradeHistory []ClosedTrade         `json:"-"`
	TrendStates  map[string]*TrendState `json:"-"`
	CycleNumber  int                    `json:"-"`
}

func New(initialBalance float64) *Portfolio {
	return &Portfolio{
		InitialBalance:        initialBalance,
		CurrentBalance:        initialBalance,
		TotalValue:            initialBalance,
		Positions:             make(map[string]*Position),
		PortfolioValuesHistory: []float64{initialBalance},
		DirectionalBias: map[Direction]*DirectionalBias{
			Long:  {},
			Short: {},
		},
		TrendStates: make(map[string]*TrendState),
	}
}

// SumMargin returns Σ margin_usd across all open positions.
func (p *Portfolio) SumMargin() float64 {
	sum := 0.0
	for _, pos := range p.Positions {
		sum += pos.MarginUSD
	}
	return sum
}
