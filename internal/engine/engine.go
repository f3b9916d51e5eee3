// Package engine owns the composed trading-engine struct and the
// per-cycle pipeline: fetch prices and indicators, mark-to-market,
// auto-exits, then AI closes and validated entries, and persist. State is
// loaded once, by LoadState at startup. One struct owns every subsystem; the two loops share only the
// ledger.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nof1ai/perpengine/internal/config"
	"github.com/nof1ai/perpengine/internal/decision"
	"github.com/nof1ai/perpengine/internal/exchange"
	"github.com/nof1ai/perpengine/internal/exitmonitor"
	"github.com/nof1ai/perpengine/internal/llm"
	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/market"
	"github.com/nof1ai/perpengine/internal/metrics"
	"github.com/nof1ai/perpengine/internal/performance"
	"github.com/nof1ai/perpengine/internal/portfolio"
	"github.com/nof1ai/perpengine/internal/risk"
	"github.com/nof1ai/perpengine/internal/store"
)

// MarketData is the slice of the market provider the engine consumes,
// narrowed to an interface so cycle tests can script prices and indicators.
type MarketData interface {
	Prices(ctx context.Context, positionPrices map[string]float64) map[string]float64
	Indicators(ctx context.Context, coin, interval string) (market.Indicators, error)
	FundingRate(ctx context.Context, coin string) (float64, error)
	OpenInterest(ctx context.Context, coin string) (float64, error)
	SetLastKnownPrice(coin string, price float64)
}

// Engine composes every subsystem into one owning struct. It holds no
// exported mutable state beyond what Ledger itself guards; cycleNumber and
// invocationCount are only ever touched from the decision loop's single
// goroutine.
type Engine struct {
	cfg   config.Config
	store *store.Store

	ledger   *portfolio.Ledger
	market   MarketData
	risk     *risk.Manager
	exitMon  *exitmonitor.Monitor
	llm      llm.Adapter
	exchange exchange.Adapter // nil in simulation mode
	perf     *performance.Analyzer

	cycleNumber     int
	invocationCount int
}

func New(cfg config.Config, st *store.Store, ledger *portfolio.Ledger, mkt MarketData, riskMgr *risk.Manager, exitMon *exitmonitor.Monitor, llmAdapter llm.Adapter, exch exchange.Adapter, perf *performance.Analyzer) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		ledger:   ledger,
		market:   mkt,
		risk:     riskMgr,
		exitMon:  exitMon,
		llm:      llmAdapter,
		exchange: exch,
		perf:     perf,
	}
	if exch != nil && exitMon != nil {
		exitMon.SetMirror(e.mirrorExit)
	}
	return e
}

// mirrorExit replicates an exit-monitor close on the live exchange; partial
// closes reduce the position, full closes also cancel resting TP/SL orders.
func (e *Engine) mirrorExit(symbol string, qty float64, fullClose bool) {
	ctx := context.Background()
	if _, err := e.exchange.ClosePosition(ctx, symbol, qty); err != nil {
		logger.Errorf("live exit mirror failed for %s: %v", symbol, err)
		return
	}
	if fullClose {
		if err := e.exchange.CancelAllOrders(ctx, symbol); err != nil {
			logger.Warnf("cancelling resting orders for %s: %v", symbol, err)
		}
	}
}

// LoadState hydrates the ledger from the last persisted portfolio and
// primes the market provider's price fallback cache, run once at startup.
// Subsequent cycles read only the manual-override and bot-control
// documents, not the whole portfolio, since the ledger is this process's
// single writer.
func (e *Engine) LoadState() error {
	var p portfolio.Portfolio
	if err := e.store.Read(store.PortfolioState, &p); err != nil {
		return fmt.Errorf("loading portfolio state: %w", err)
	}
	if p.InitialBalance > 0 {
		e.ledger.Restore(p)
		for symbol, pos := range p.Positions {
			e.market.SetLastKnownPrice(symbol, pos.CurrentPrice)
		}
	}

	var history []portfolio.ClosedTrade
	if err := e.store.Read(store.TradeHistory, &history); err != nil {
		return fmt.Errorf("loading trade history: %w", err)
	}
	e.ledger.RestoreTradeHistory(history)

	// cycle numbering continues from the persisted count on restart
	var cycles []store.CycleRecordDoc
	if err := e.store.Read(store.CycleHistory, &cycles); err != nil {
		return fmt.Errorf("loading cycle history: %w", err)
	}
	if len(cycles) > 0 {
		e.cycleNumber = cycles[len(cycles)-1].Number
	}

	return nil
}

// CycleNumber returns the last completed (or in-flight) cycle number.
func (e *Engine) CycleNumber() int { return e.cycleNumber }

// RunCycle executes one full decision cycle and returns its history record.
// Errors from sub-steps are caught here and folded into the record;
// every failure mode today is recoverable at cycle granularity, so the
// loop never stops on a bad cycle.
func (e *Engine) RunCycle(ctx context.Context) *store.CycleRecordDoc {
	e.cycleNumber++
	e.ledger.SetCycleNumber(e.cycleNumber)
	started := time.Now()
	record := &store.CycleRecordDoc{ID: uuid.NewString(), Number: e.cycleNumber, Timestamp: started}
	defer func() {
		metrics.CycleDurationSeconds.Observe(time.Since(started).Seconds())
	}()

	prices := e.market.Prices(ctx, e.positionPrices())
	e.ledger.MarkToMarket(prices, true)

	record.AutoExits = e.exitMon.Tick(prices)
	if len(record.AutoExits) > 0 {
		for range record.AutoExits {
			metrics.TradesClosedTotal.WithLabelValues("auto", "exit_monitor").Inc()
		}
		e.persist(record)
		return record
	}

	// the override replaces only the AI-decision phase; mark-to-market and
	// the exit monitor above have already run for every position
	var override store.ManualOverrideDoc
	hasOverride, err := e.store.ReadAndDelete(store.ManualOverride, &override)
	if err != nil {
		logger.Warnf("reading manual override: %v", err)
	}
	if hasOverride {
		record.ManualOverride = true
		e.applyManualOverride(ctx, prices, override)
		e.persist(record)
		return record
	}

	e.invocationCount++
	if err := e.decideAndApply(ctx, prices, record); err != nil {
		record.Error = err.Error()
		logger.Errorf("cycle %d: %v", e.cycleNumber, err)
	}

	e.persist(record)

	if e.perf != nil && e.cycleNumber%10 == 0 {
		if _, err := e.perf.Analyze(e.ledger.Snapshot()); err != nil {
			logger.Warnf("periodic performance analysis: %v", err)
		}
	}
	return record
}

func (e *Engine) positionPrices() map[string]float64 {
	snap := e.ledger.Snapshot()
	out := make(map[string]float64, len(snap.Positions))
	for symbol, pos := range snap.Positions {
		out[symbol] = pos.CurrentPrice
	}
	return out
}

// applyManualOverride bypasses validation entirely; the operator decided.
func (e *Engine) applyManualOverride(ctx context.Context, prices map[string]float64, override store.ManualOverrideDoc) {
	for coin, action := range override.Decisions {
		if action.Signal != "close_position" {
			continue
		}
		price := prices[coin]
		if !e.ledger.HasPosition(coin) || price <= 0 {
			continue
		}
		e.closePosition(ctx, coin, price, "manual override")
	}
}

func (e *Engine) closePosition(ctx context.Context, coin string, price float64, reason string) {
	trade, err := e.ledger.ApplyExit(coin, price, reason, 1.0)
	if err != nil {
		logger.Warnf("closing %s: %v", coin, err)
		return
	}
	metrics.TradesClosedTotal.WithLabelValues(string(trade.Direction), reason).Inc()
	if e.exchange != nil {
		if _, err := e.exchange.ClosePosition(ctx, coin, trade.Quantity); err != nil {
			logger.Errorf("live close mirror failed for %s: %v", coin, err)
		}
		if err := e.exchange.CancelAllOrders(ctx, coin); err != nil {
			logger.Warnf("cancelling resting orders for %s: %v", coin, err)
		}
	}
}

// decideAndApply builds the LLM snapshot, calls the adapter, and runs the
// close-first, ramp-up-capped entry pipeline.
func (e *Engine) decideAndApply(ctx context.Context, prices map[string]float64, record *store.CycleRecordDoc) error {
	snap, ltfByCoin, htfByCoin, err := e.buildSnapshot(ctx, prices)
	if err != nil {
		return fmt.Errorf("building snapshot: %w", err)
	}
	record.PromptSummary = fmt.Sprintf("%d coins, %d open positions, regime %s, invocation %d",
		len(snap.Indicators), len(snap.Portfolio.Positions), snap.MarketRegime, e.invocationCount)

	decisions, err := e.llm.Decide(ctx, snap)
	if err != nil {
		metrics.LLMCallTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("llm decide: %w", err)
	}
	metrics.LLMCallTotal.WithLabelValues("ok").Inc()

	record.Decisions = decisionsForRecord(decisions)
	record.ChainOfThought = justificationsOf(decisions)

	// AI close_position signals execute before any entry is considered
	for coin, d := range decisions {
		if d.Signal != decision.ClosePosition {
			continue
		}
		if price := prices[coin]; price > 0 && e.ledger.HasPosition(coin) {
			e.closePosition(ctx, coin, price, "ai close_position")
		}
	}

	regime := e.ledger.MarketRegime()
	allowed := e.cycleNumber
	if allowed > e.cfg.MaxPositions {
		allowed = e.cfg.MaxPositions
	}

	for coin, d := range decisions {
		if d.Signal != decision.BuyToEnter && d.Signal != decision.SellToEnter {
			continue
		}
		if e.ledger.HasPosition(coin) {
			continue // only hold/close honored when a position is already open
		}
		if e.ledger.PositionCount() >= allowed {
			logger.Infof("cycle %d: %s entry rewritten to hold, ramp-up cap %d reached", e.cycleNumber, coin, allowed)
			continue
		}
		e.tryEnter(ctx, coin, d, prices[coin], ltfByCoin[coin], htfByCoin[coin], regime)
	}
	return nil
}

func (e *Engine) tryEnter(ctx context.Context, coin string, d decision.AIDecision, price float64, ltf, htf market.Indicators, regime portfolio.Trend) {
	if price <= 0 {
		return
	}
	dir := portfolio.Long
	if d.Signal == decision.SellToEnter {
		dir = portfolio.Short
	}

	trend := e.ledger.TrendStateFor(coin)
	validated, err := decision.Validate(decision.Inputs{
		Decision:         d,
		HTF:              htf,
		LTF:              ltf,
		Trend:            trend.Trend,
		RecentFlip:       trend.RecentFlip(e.cycleNumber),
		Bias:             e.ledger.DirectionalBiasSnapshot(dir),
		CoinSLMultiplier: e.cfg.Strategy.CoinStopLossMultiplier[coin],
		MaxLeverage:      e.cfg.MaxLeverage,
		MinConfidence:    e.cfg.MinConfidence,
		ShortEnhancement: e.cfg.Strategy.ShortEnhancementMultiplier,
	})
	if err != nil {
		metrics.DecisionVetoTotal.WithLabelValues("validator", err.Error()).Inc()
		e.ledger.Alert("decision_veto", fmt.Sprintf("%s entry vetoed: %v", coin, err),
			map[string]interface{}{"symbol": coin, "stage": "validator"})
		return
	}

	margin, err := e.risk.Evaluate(risk.Candidate{
		Symbol:        coin,
		Direction:     validated.Direction,
		Confidence:    validated.Confidence,
		PartialMargin: validated.PartialMargin,
	}, e.cycleNumber, risk.RegimeFromTrend(regime))
	if err != nil {
		metrics.DecisionVetoTotal.WithLabelValues("risk", err.Error()).Inc()
		e.ledger.Alert("risk_veto", fmt.Sprintf("%s entry vetoed: %v", coin, err),
			map[string]interface{}{"symbol": coin, "stage": "risk"})
		return
	}
	margin *= validated.SizingMultiplier

	riskUSD := 0.0
	if d.RiskUSD != nil {
		riskUSD = *d.RiskUSD
	}

	pos, err := e.ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol:     coin,
		Direction:  validated.Direction,
		Price:      price,
		MarginUSD:  margin,
		Leverage:   validated.Leverage,
		Confidence: validated.Confidence,
		RiskUSD:    riskUSD,
		ExitPlan:   validated.ExitPlan,
		Trend:      trend.Trend,
		Cycle:      e.cycleNumber,
	})
	if err != nil {
		logger.Warnf("entry for %s rejected by ledger: %v", coin, err)
		return
	}

	if e.exchange != nil {
		if _, err := e.exchange.PlaceMarketOrder(ctx, coin, validated.Direction, pos.Quantity, validated.Leverage, price, false); err != nil {
			logger.Errorf("live order mirror failed for %s: %v", coin, err)
			return
		}
		if tp := validated.ExitPlan.ProfitTarget; tp != nil {
			if _, err := e.exchange.PlaceTakeProfitOrder(ctx, coin, validated.Direction, pos.Quantity, *tp); err != nil {
				logger.Warnf("placing take-profit for %s: %v", coin, err)
			}
		}
		if sl := validated.ExitPlan.StopLoss; sl != nil {
			if _, err := e.exchange.PlaceStopLossOrder(ctx, coin, validated.Direction, pos.Quantity, *sl); err != nil {
				logger.Warnf("placing stop-loss for %s: %v", coin, err)
			}
		}
	}
}

func decisionsForRecord(d llm.Decisions) map[string]interface{} {
	out := make(map[string]interface{}, len(d))
	for coin, dec := range d {
		out[coin] = dec
	}
	return out
}

// justificationsOf folds the per-coin justification text into one block for
// the cycle record's chain-of-thought field.
func justificationsOf(d llm.Decisions) string {
	coins := make([]string, 0, len(d))
	for coin, dec := range d {
		if dec.Justification != "" {
			coins = append(coins, coin)
		}
	}
	sort.Strings(coins)
	var b strings.Builder
	for _, coin := range coins {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", coin, d[coin].Justification)
	}
	return b.String()
}

func (e *Engine) persist(record *store.CycleRecordDoc) {
	snap := e.ledger.Snapshot()

	metrics.Equity.Set(snap.TotalValue)
	metrics.CashBalance.Set(snap.CurrentBalance)
	metrics.SharpeRatio.Set(snap.SharpeRatio)
	metrics.OpenPositions.Set(float64(len(snap.Positions)))
	unrealized := 0.0
	for _, pos := range snap.Positions {
		unrealized += pos.UnrealizedPnL
	}
	metrics.UnrealizedPnL.Set(unrealized)

	if err := e.store.Write(store.PortfolioState, snap); err != nil {
		logger.Errorf("persisting portfolio state: %v", err)
		if record.Error == "" {
			record.Error = fmt.Sprintf("state-store write failed: %v", err)
		}
	}
	if err := e.store.Write(store.TradeHistory, snap.TradeHistory); err != nil {
		logger.Errorf("persisting trade history: %v", err)
	}

	var cycles []store.CycleRecordDoc
	if err := e.store.Read(store.CycleHistory, &cycles); err != nil {
		logger.Warnf("reading cycle history: %v", err)
	}
	cycles = append(cycles, *record)
	if len(cycles) > portfolio.CycleHistoryWindow {
		cycles = cycles[len(cycles)-portfolio.CycleHistoryWindow:]
	}
	if err := e.store.Write(store.CycleHistory, cycles); err != nil {
		logger.Errorf("persisting cycle history: %v", err)
	}
}
