package portfolio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nof1ai/perpengine/internal/logger"
)

// Ledger wraps a Portfolio behind an exclusive lock: the only writable
// shared object between the decision loop and the exit-monitor loop.
type Ledger struct {
	mu        sync.Mutex
	portfolio *Portfolio
	alertFn   func(kind, message string, fields map[string]interface{})

	neutralBand float64
	rsiHigh     float64
	rsiLow      float64
}

func NewLedger(p *Portfolio) *Ledger {
	return &Ledger{
		portfolio:   p,
		neutralBand: NeutralBandPct,
		rsiHigh:     60,
		rsiLow:      40,
	}
}

// SetTrendParams overrides the neutral band and the intraday RSI override
// thresholds from configuration; zero values keep the defaults.
func (l *Ledger) SetTrendParams(neutralBand, rsiHigh, rsiLow float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if neutralBand > 0 {
		l.neutralBand = neutralBand
	}
	if rsiHigh > 0 {
		l.rsiHigh = rsiHigh
	}
	if rsiLow > 0 {
		l.rsiLow = rsiLow
	}
}

// OnAlert registers a sink for loss-cycle-count and risk-veto alerts.
func (l *Ledger) OnAlert(fn func(kind, message string, fields map[string]interface{})) {
	l.alertFn = fn
}

func (l *Ledger) emit(kind, message string, fields map[string]interface{}) {
	if l.alertFn != nil {
		l.alertFn(kind, message, fields)
	}
}

// Alert routes an out-of-band event (e.g. a risk-gate veto) to the wired
// alert sink.
func (l *Ledger) Alert(kind, message string, fields map[string]interface{}) {
	l.emit(kind, message, fields)
}

// Snapshot returns a deep-enough copy for read-only consumers (prompt
// building, admin reads); positions, directional bias and trend state are
// all copied by value so the caller never aliases ledger-owned memory.
func (l *Ledger) Snapshot() Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *l.portfolio

	cp.Positions = make(map[string]*Position, len(l.portfolio.Positions))
	for k, v := range l.portfolio.Positions {
		pos := *v
		cp.Positions[k] = &pos
	}

	cp.DirectionalBias = make(map[Direction]*DirectionalBias, len(l.portfolio.DirectionalBias))
	for k, v := range l.portfolio.DirectionalBias {
		bias := *v
		bias.RecentPnL = append([]float64(nil), v.RecentPnL...)
		cp.DirectionalBias[k] = &bias
	}

	cp.TrendStates = make(map[string]*TrendState, len(l.portfolio.TrendStates))
	for k, v := range l.portfolio.TrendStates {
		state := *v
		cp.TrendStates[k] = &state
	}

	return cp
}

// TrendStateFor returns a copy of coin's trend state, or the zero value
// (Unknown) if the coin has never been classified.
func (l *Ledger) TrendStateFor(coin string) TrendState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.portfolio.TrendStates[coin]; ok {
		return *state
	}
	return TrendState{Trend: Unknown}
}

// MarketRegime derives the coarse bullish/bearish/neutral classification
// the risk manager's same-direction-saturation gate and margin multiplier
// key off: a majority vote over every coin's last classified trend,
// neutral on ties (see DESIGN.md).
func (l *Ledger) MarketRegime() Trend {
	l.mu.Lock()
	defer l.mu.Unlock()
	bullish, bearish := 0, 0
	for _, state := range l.portfolio.TrendStates {
		switch state.Trend {
		case Bullish:
			bullish++
		case Bearish:
			bearish++
		}
	}
	switch {
	case bullish > bearish:
		return Bullish
	case bearish > bullish:
		return Bearish
	default:
		return Neutral
	}
}

// MarkToMarket updates every position's current_price/unrealized_pnl and
// recomputes total_value/return/Sharpe. When incrementLossCounters is true,
// it also advances loss_cycle_count.
func (l *Ledger) MarkToMarket(prices map[string]float64, incrementLossCounters bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for symbol, pos := range l.portfolio.Positions {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}
		pos.CurrentPrice = price
		if pos.Direction == Long {
			pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity
		} else {
			pos.UnrealizedPnL = (pos.EntryPrice - price) * pos.Quantity
		}

		if incrementLossCounters {
			if pos.UnrealizedPnL <= 0 {
				pos.LossCycleCount++
				if pos.LossCycleCount == 5 || pos.LossCycleCount == 8 || pos.LossCycleCount == 10 {
					l.emit("loss_streak", fmt.Sprintf("%s negative for %d cycles", symbol, pos.LossCycleCount),
						map[string]interface{}{"symbol": symbol, "loss_cycle_count": pos.LossCycleCount})
				}
			} else {
				pos.LossCycleCount = 0
			}
		}
	}

	l.recomputeTotals()
}

func (l *Ledger) recomputeTotals() {
	p := l.portfolio
	sum := 0.0
	for _, pos := range p.Positions {
		sum += pos.MarginUSD + pos.UnrealizedPnL
	}
	p.TotalValue = p.CurrentBalance + sum
	if p.InitialBalance > 0 {
		p.TotalReturnPct = (p.TotalValue - p.InitialBalance) / p.InitialBalance * 100
	}

	p.PortfolioValuesHistory = append(p.PortfolioValuesHistory, p.TotalValue)
	if len(p.PortfolioValuesHistory) > PortfolioHistoryWindow {
		p.PortfolioValuesHistory = p.PortfolioValuesHistory[len(p.PortfolioValuesHistory)-PortfolioHistoryWindow:]
	}
	p.SharpeRatio = computeSharpe(p.PortfolioValuesHistory)
	p.LastUpdated = time.Now()
}

// computeSharpe matches the documented definition: returns from
// consecutive total_value samples, annualized at 720 cycles/day (the
// decision to keep this constant fixed despite the volatility-adaptive
// interval is recorded in DESIGN.md), risk-free rate 0.
func computeSharpe(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		returns = append(returns, (values[i]-values[i-1])/values[i-1])
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	const cyclesPerDay = 720
	return (mean * cyclesPerDay) / (std * math.Sqrt(cyclesPerDay))
}

// EntryDecision is the minimal input ApplyEntry needs, already validated
// and risk-adjusted upstream.
type EntryDecision struct {
	Symbol     string
	Direction  Direction
	Price      float64
	MarginUSD  float64
	Leverage   int
	Confidence float64
	RiskUSD    float64
	ExitPlan   ExitPlan
	Trend      Trend
	Cycle      int
}

// ApplyEntry deducts margin from cash and opens a Position.
func (l *Ledger) ApplyEntry(d EntryDecision) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.portfolio.Positions[d.Symbol]; exists {
		return nil, fmt.Errorf("position already open for %s", d.Symbol)
	}
	if d.MarginUSD > l.portfolio.CurrentBalance {
		return nil, fmt.Errorf("insufficient cash for %s: need %.2f, have %.2f", d.Symbol, d.MarginUSD, l.portfolio.CurrentBalance)
	}

	quantity := (d.MarginUSD * float64(d.Leverage)) / d.Price
	pos := &Position{
		Symbol:           d.Symbol,
		Direction:        d.Direction,
		Quantity:         quantity,
		EntryPrice:       d.Price,
		CurrentPrice:     d.Price,
		NotionalUSD:      quantity * d.Price,
		MarginUSD:        d.MarginUSD,
		Leverage:         d.Leverage,
		LiquidationPrice: EstimateLiquidationPrice(d.Price, d.Leverage, d.Direction),
		Confidence:       d.Confidence,
		RiskUSD:          d.RiskUSD,
		ExitPlan:         d.ExitPlan,
		EntryTime:        time.Now(),
		TrendContext:     TrendContext{Trend: d.Trend, CycleAtEntry: d.Cycle},
	}

	l.portfolio.CurrentBalance -= d.MarginUSD
	l.portfolio.Positions[d.Symbol] = pos
	l.portfolio.TradeCount++
	l.recomputeTotals()

	logger.Infof("entered %s %s qty=%.6f margin=%.2f lev=%dx", d.Direction, d.Symbol, quantity, d.MarginUSD, d.Leverage)
	return pos, nil
}

// ApplyExit closes `fraction` of the position at exitPrice for `reason`,
// returns pro-rata margin plus realized pnl to cash, and appends a closed
// trade. fraction must be in (0,1].
func (l *Ledger) ApplyExit(symbol string, exitPrice float64, reason string, fraction float64) (*ClosedTrade, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("invalid close fraction %.4f for %s", fraction, symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.portfolio.Positions[symbol]
	if !ok {
		return nil, fmt.Errorf("no open position for %s", symbol)
	}

	closedQty := pos.Quantity * fraction
	var pnl float64
	if pos.Direction == Long {
		pnl = (exitPrice - pos.EntryPrice) * closedQty
	} else {
		pnl = (pos.EntryPrice - exitPrice) * closedQty
	}

	marginReturned := pos.MarginUSD * fraction
	l.portfolio.CurrentBalance += marginReturned + pnl

	trade := ClosedTrade{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Direction:   pos.Direction,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    closedQty,
		NotionalUSD: closedQty * exitPrice,
		RealizedPnL: pnl,
		EntryTime:   pos.EntryTime,
		ExitTime:    time.Now(),
		Leverage:    pos.Leverage,
		CloseReason: reason,
	}
	l.appendTrade(trade)
	l.updateDirectionalBiasLocked(trade)

	if fraction == 1 {
		delete(l.portfolio.Positions, symbol)
	} else {
		remaining := 1 - fraction
		pos.Quantity *= remaining
		pos.MarginUSD *= remaining
		pos.NotionalUSD = pos.Quantity * pos.CurrentPrice
	}

	l.recomputeTotals()
	logger.Infof("closed %s fraction=%.2f reason=%q pnl=%.2f", symbol, fraction, reason, pnl)
	return &trade, nil
}

func (l *Ledger) appendTrade(trade ClosedTrade) {
	l.portfolio.TradeHistory = append(l.portfolio.TradeHistory, trade)
	if len(l.portfolio.TradeHistory) > TradeHistoryWindow {
		l.portfolio.TradeHistory = l.portfolio.TradeHistory[len(l.portfolio.TradeHistory)-TradeHistoryWindow:]
	}
}

func (l *Ledger) updateDirectionalBiasLocked(trade ClosedTrade) {
	bias := l.portfolio.DirectionalBias[trade.Direction]
	if bias == nil {
		bias = &DirectionalBias{}
		l.portfolio.DirectionalBias[trade.Direction] = bias
	}
	bias.RecentPnL = append(bias.RecentPnL, trade.RealizedPnL)
	if len(bias.RecentPnL) > DirectionalBiasWindow {
		bias.RecentPnL = bias.RecentPnL[len(bias.RecentPnL)-DirectionalBiasWindow:]
	}
	bias.NetPnL += trade.RealizedPnL
	bias.Trades++
	if trade.RealizedPnL > 0 {
		bias.Wins++
		bias.ConsecutiveLosses = 0
	} else {
		bias.Losses++
		bias.ConsecutiveLosses++
	}
}

// DirectionalBiasSnapshot returns a copy of the current bias aggregates.
func (l *Ledger) DirectionalBiasSnapshot(dir Direction) DirectionalBias {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bias := l.portfolio.DirectionalBias[dir]; bias != nil {
		return *bias
	}
	return DirectionalBias{}
}

// UpdateTrendState classifies trend from (price - ema20)/ema20 against the
// neutral band, with the 3-minute momentum/RSI downgrade rule, and advances
// last_flip_cycle on a change.
func (l *Ledger) UpdateTrendState(coin string, htfPrice, htfEMA20 float64, ltfPrice, ltfEMA20, ltfRSI float64, cycle int) TrendState {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.portfolio.TrendStates[coin]
	if !ok {
		state = &TrendState{Trend: Unknown}
		l.portfolio.TrendStates[coin] = state
	}

	newTrend := classifyTrend(htfPrice, htfEMA20, l.neutralBand)

	if newTrend == Bearish && ltfPrice > ltfEMA20 && ltfRSI >= l.rsiHigh {
		newTrend = Neutral
	}
	if newTrend == Bullish && ltfPrice < ltfEMA20 && ltfRSI <= l.rsiLow {
		newTrend = Neutral
	}

	if newTrend != state.Trend && state.Trend != Unknown {
		state.LastFlipCycle = cycle
	}
	state.Trend = newTrend
	state.LastSeenCycle = cycle

	return *state
}

func classifyTrend(price, ema20, band float64) Trend {
	if ema20 == 0 {
		return Unknown
	}
	deviation := (price - ema20) / ema20
	switch {
	case deviation > band:
		return Bullish
	case deviation < -band:
		return Bearish
	default:
		return Neutral
	}
}

// RecentFlip reports whether coin has flipped trend recently.
func (l *Ledger) RecentFlip(coin string, cycle int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.portfolio.TrendStates[coin]
	if !ok {
		return false
	}
	return state.RecentFlip(cycle)
}

// CurrentBalance, TotalValue, PositionCount, SumMargin are small read
// accessors for the validator and risk gates.
func (l *Ledger) CurrentBalance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portfolio.CurrentBalance
}

func (l *Ledger) TotalValue() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portfolio.TotalValue
}

func (l *Ledger) PositionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.portfolio.Positions)
}

func (l *Ledger) SumMarginLocked() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portfolio.SumMargin()
}

func (l *Ledger) HasPosition(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.portfolio.Positions[symbol]
	return ok
}

func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.portfolio.Positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// PositionsByDirection counts open positions in dir, used by the
// same-direction saturation gate.
func (l *Ledger) PositionsByDirection(dir Direction) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, pos := range l.portfolio.Positions {
		if pos.Direction == dir {
			n++
		}
	}
	return n
}

// UpdateExitPlan replaces a position's exit plan and trailing state,
// e.g. after a trailing-stop tightening.
func (l *Ledger) UpdateExitPlan(symbol string, plan ExitPlan, trailing TrailingState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.portfolio.Positions[symbol]; ok {
		pos.ExitPlan = plan
		pos.TrailingState = trailing
	}
}

// SetProfitLevelsTaken records how many tiered-profit levels have already
// fired for symbol, so a level never fires twice.
func (l *Ledger) SetProfitLevelsTaken(symbol string, levels int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.portfolio.Positions[symbol]; ok && levels > pos.ProfitLevelsTaken {
		pos.ProfitLevelsTaken = levels
	}
}

func (l *Ledger) SetCycleNumber(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.portfolio.CycleNumber = n
}

func (l *Ledger) CycleNumber() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portfolio.CycleNumber
}

// Restore replaces the ledger's in-memory portfolio with a value reloaded
// from durable storage, preserving whatever TradeHistory/TrendStates the
// caller has already populated on p (RestoreTradeHistory is the usual
// second step, since trade_history.json is a separate document).
func (l *Ledger) Restore(p Portfolio) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Positions == nil {
		p.Positions = make(map[string]*Position)
	}
	if p.DirectionalBias == nil {
		p.DirectionalBias = map[Direction]*DirectionalBias{Long: {}, Short: {}}
	}
	if p.TrendStates == nil {
		p.TrendStates = make(map[string]*TrendState)
	}
	l.portfolio = &p
}

// RestoreTradeHistory seeds the ledger's in-memory closed-trade log from a
// separately-loaded trade_history.json.
func (l *Ledger) RestoreTradeHistory(history []ClosedTrade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.portfolio.TradeHistory = history
}
