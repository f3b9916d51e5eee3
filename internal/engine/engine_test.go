package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nof1ai/perpengine/internal/config"
	"github.com/nof1ai/perpengine/internal/decision"
	"github.com/nof1ai/perpengine/internal/exitmonitor"
	"github.com/nof1ai/perpengine/internal/llm"
	"github.com/nof1ai/perpengine/internal/market"
	"github.com/nof1ai/perpengine/internal/portfolio"
	"github.com/nof1ai/perpengine/internal/risk"
	"github.com/nof1ai/perpengine/internal/store"
)

func fptr(v float64) *float64 { return &v }

// fakeMarket serves scripted prices and one bullish indicator bundle for
// every coin, never touching the network.
type fakeMarket struct {
	prices map[string]float64
}

func (f *fakeMarket) Prices(ctx context.Context, positionPrices map[string]float64) map[string]float64 {
	return f.prices
}

func (f *fakeMarket) Indicators(ctx context.Context, coin, interval string) (market.Indicators, error) {
	price := f.prices[coin]
	if interval == "3m" {
		return market.Indicators{
			Coin: coin, Interval: interval,
			Price: price * 1.002, EMA20: fptr(price),
			RSI14: fptr(55), Volume: 1200, AvgVolume20: 1000,
		}, nil
	}
	return market.Indicators{
		Coin: coin, Interval: interval,
		Price: price * 1.03, EMA20: fptr(price),
		RSI14: fptr(58), Volume: 5000, AvgVolume20: 4800,
	}, nil
}

func (f *fakeMarket) FundingRate(ctx context.Context, coin string) (float64, error) {
	return 0, errors.New("not scripted")
}

func (f *fakeMarket) OpenInterest(ctx context.Context, coin string) (float64, error) {
	return 0, errors.New("not scripted")
}

func (f *fakeMarket) SetLastKnownPrice(coin string, price float64) {}

// fakeLLM returns a fixed decisions map and counts invocations.
type fakeLLM struct {
	decisions llm.Decisions
	err       error
	calls     atomic.Int32
}

func (f *fakeLLM) Decide(ctx context.Context, payload llm.PromptPayload) (llm.Decisions, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.decisions, f.err
}

func testConfig() config.Config {
	return config.Config{
		Symbols:      []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		MaxPositions: 5,
		HTFInterval:  "1h",
		Strategy:     config.DefaultStrategy(),
	}
}

func newTestEngine(t *testing.T, ai *fakeLLM, prices map[string]float64) (*Engine, *portfolio.Ledger, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	ledger := portfolio.NewLedger(portfolio.New(1000))
	cfg := testConfig()
	eng := New(cfg, st, ledger,
		&fakeMarket{prices: prices},
		risk.NewManager(ledger, cfg.MaxPositions, cfg.MinMarginUSD),
		exitmonitor.New(ledger, cfg.Strategy.PartialProfitTiers),
		ai, nil, nil)
	return eng, ledger, st
}

func entryDecision(signal decision.Signal, confidence float64) decision.AIDecision {
	return decision.AIDecision{Signal: signal, Confidence: fptr(confidence)}
}

func TestRunCycleRampUpCapsFirstCycleToOneEntry(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{
		"BTCUSDT": entryDecision(decision.BuyToEnter, 0.7),
		"ETHUSDT": entryDecision(decision.BuyToEnter, 0.7),
	}}
	eng, ledger, st := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})

	record := eng.RunCycle(context.Background())

	assert.Empty(t, record.Error)
	assert.Equal(t, 1, record.Number)
	assert.Equal(t, 1, ledger.PositionCount())

	var cycles []store.CycleRecordDoc
	require.NoError(t, st.Read(store.CycleHistory, &cycles))
	require.Len(t, cycles, 1)
	assert.NotEmpty(t, cycles[0].ID)
}

func TestRunCyclePositionCountGrowsWithCycles(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{
		"BTCUSDT": entryDecision(decision.BuyToEnter, 0.6),
		"ETHUSDT": entryDecision(decision.BuyToEnter, 0.6),
		"SOLUSDT": entryDecision(decision.BuyToEnter, 0.6),
	}}
	eng, ledger, _ := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})

	eng.RunCycle(context.Background())
	assert.Equal(t, 1, ledger.PositionCount())

	eng.RunCycle(context.Background())
	assert.LessOrEqual(t, ledger.PositionCount(), 2)
}

func TestRunCycleAIClosesExecuteBeforeEntries(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{
		"BTCUSDT": {Signal: decision.ClosePosition},
		"ETHUSDT": entryDecision(decision.BuyToEnter, 0.7),
	}}
	eng, ledger, _ := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})

	_, err := ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: "BTCUSDT", Direction: portfolio.Long, Price: 49900, MarginUSD: 50, Leverage: 8,
	})
	require.NoError(t, err)

	eng.RunCycle(context.Background())

	// BTC closed first, freeing the cycle-1 slot ETH then takes
	assert.False(t, ledger.HasPosition("BTCUSDT"))
	assert.True(t, ledger.HasPosition("ETHUSDT"))

	snap := ledger.Snapshot()
	require.NotEmpty(t, snap.TradeHistory)
	assert.Equal(t, "ai close_position", snap.TradeHistory[0].CloseReason)
}

func TestRunCycleIgnoresEntryForOpenPosition(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{
		"BTCUSDT": entryDecision(decision.SellToEnter, 0.9),
	}}
	eng, ledger, _ := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})

	_, err := ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: "BTCUSDT", Direction: portfolio.Long, Price: 49900, MarginUSD: 50, Leverage: 8,
	})
	require.NoError(t, err)

	eng.RunCycle(context.Background())

	pos, ok := ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, portfolio.Long, pos.Direction)
}

func TestRunCycleAutoExitSkipsAICall(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{}}
	eng, ledger, _ := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 45000, "ETHUSDT": 3000, "SOLUSDT": 150})

	_, err := ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: "BTCUSDT", Direction: portfolio.Long, Price: 50000, MarginUSD: 100, Leverage: 8,
		ExitPlan: portfolio.ExitPlan{StopLoss: fptr(46000)},
	})
	require.NoError(t, err)

	record := eng.RunCycle(context.Background())

	require.NotEmpty(t, record.AutoExits)
	assert.False(t, ledger.HasPosition("BTCUSDT"))
	assert.Equal(t, int32(0), ai.calls.Load())
}

func TestRunCycleManualOverrideBypassesAI(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{}}
	eng, ledger, st := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})

	_, err := ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: "BTCUSDT", Direction: portfolio.Long, Price: 49900, MarginUSD: 100, Leverage: 8,
	})
	require.NoError(t, err)

	require.NoError(t, st.Write(store.ManualOverride, store.ManualOverrideDoc{
		Decisions: map[string]store.OverrideAction{"BTCUSDT": {Signal: "close_position"}},
	}))

	record := eng.RunCycle(context.Background())

	assert.True(t, record.ManualOverride)
	assert.False(t, ledger.HasPosition("BTCUSDT"))
	assert.Equal(t, int32(0), ai.calls.Load())

	// the override document is consumed
	var gone store.ManualOverrideDoc
	found, err := st.ReadAndDelete(store.ManualOverride, &gone)
	require.NoError(t, err)
	assert.False(t, found)
}

// A manual override replaces only the AI phase: every other position is
// still marked, its loss counters advance, and the exit monitor still runs.
func TestManualOverrideCycleStillProtectsOtherPositions(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{}}
	eng, ledger, st := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 2800, "SOLUSDT": 150})

	// the coin the operator wants closed, in profit but below the first
	// profit tier, so the exit monitor leaves it alone
	_, err := ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: "BTCUSDT", Direction: portfolio.Long, Price: 49900, MarginUSD: 100, Leverage: 8,
	})
	require.NoError(t, err)
	// an unrelated position whose stop the price has crossed
	_, err = ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: "ETHUSDT", Direction: portfolio.Long, Price: 3000, MarginUSD: 100, Leverage: 8,
		ExitPlan: portfolio.ExitPlan{StopLoss: fptr(2900)},
	})
	require.NoError(t, err)
	// a mildly losing position that must keep accruing loss cycles
	_, err = ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: "SOLUSDT", Direction: portfolio.Long, Price: 150.2, MarginUSD: 100, Leverage: 8,
	})
	require.NoError(t, err)

	require.NoError(t, st.Write(store.ManualOverride, store.ManualOverrideDoc{
		Decisions: map[string]store.OverrideAction{"BTCUSDT": {Signal: "close_position"}},
	}))

	// cycle 1: the exit monitor still fires for ETH; the override waits
	record := eng.RunCycle(context.Background())
	require.NotEmpty(t, record.AutoExits)
	assert.False(t, record.ManualOverride)
	assert.False(t, ledger.HasPosition("ETHUSDT"))
	assert.True(t, ledger.HasPosition("BTCUSDT"))
	assert.Equal(t, int32(0), ai.calls.Load())

	// cycle 2: no auto exits left, the override executes, and SOL's loss
	// counter has advanced through both cycles
	record = eng.RunCycle(context.Background())
	assert.True(t, record.ManualOverride)
	assert.False(t, ledger.HasPosition("BTCUSDT"))
	assert.Equal(t, int32(0), ai.calls.Load())

	pos, ok := ledger.Position("SOLUSDT")
	require.True(t, ok)
	assert.Equal(t, 2, pos.LossCycleCount)
}

func TestRunCycleLLMErrorBecomesCycleRecordError(t *testing.T) {
	ai := &fakeLLM{err: errors.New("model melted")}
	eng, ledger, _ := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})

	record := eng.RunCycle(context.Background())

	assert.Contains(t, record.Error, "model melted")
	assert.Equal(t, 0, ledger.PositionCount())
}

func TestRunCyclePersistsPortfolioState(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{"BTCUSDT": entryDecision(decision.BuyToEnter, 0.7)}}
	eng, _, st := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})

	eng.RunCycle(context.Background())

	var p portfolio.Portfolio
	require.NoError(t, st.Read(store.PortfolioState, &p))
	assert.Contains(t, p.Positions, "BTCUSDT")
	assert.Less(t, p.CurrentBalance, 1000.0)
}

func TestLoadStateResumesCycleNumbering(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{}}
	eng, _, st := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})
	require.NoError(t, st.Write(store.CycleHistory, []store.CycleRecordDoc{{Number: 41}, {Number: 42}}))

	require.NoError(t, eng.LoadState())
	record := eng.RunCycle(context.Background())
	assert.Equal(t, 43, record.Number)
}

func TestBackgroundTickMarksWithoutLossCounters(t *testing.T) {
	ai := &fakeLLM{decisions: llm.Decisions{}}
	eng, ledger, _ := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 49990, "ETHUSDT": 3000, "SOLUSDT": 150})

	_, err := ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: "BTCUSDT", Direction: portfolio.Long, Price: 50000, MarginUSD: 500, Leverage: 8,
	})
	require.NoError(t, err)

	eng.BackgroundTick(context.Background())

	pos, ok := ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 0, pos.LossCycleCount)
	assert.Equal(t, 49990.0, pos.CurrentPrice)
}

func TestMeanATR14AveragesAcrossCoins(t *testing.T) {
	ai := &fakeLLM{}
	eng, _, _ := newTestEngine(t, ai, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150})
	// fakeMarket leaves ATR14 nil, so every coin is excluded
	assert.Equal(t, 0.0, eng.MeanATR14(context.Background()))
}
