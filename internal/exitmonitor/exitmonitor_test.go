package exitmonitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nof1ai/perpengine/internal/config"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

func newMonitor(balance float64) (*Monitor, *portfolio.Ledger) {
	ledger := portfolio.NewLedger(portfolio.New(balance))
	return New(ledger, config.DefaultStrategy().PartialProfitTiers), ledger
}

func ptr(v float64) *float64 { return &v }

func enter(t *testing.T, ledger *portfolio.Ledger, symbol string, dir portfolio.Direction, price, margin float64, lev int, plan portfolio.ExitPlan) {
	t.Helper()
	_, err := ledger.ApplyEntry(portfolio.EntryDecision{
		Symbol: symbol, Direction: dir, Price: price, MarginUSD: margin, Leverage: lev, ExitPlan: plan,
	})
	require.NoError(t, err)
}

func TestStallTimeoutClosesAfterTenLossCycles(t *testing.T) {
	m, ledger := newMonitor(1000)
	enter(t, ledger, "BTCUSDT", portfolio.Long, 1.0, 100, 8, portfolio.ExitPlan{})

	for i := 0; i < 10; i++ {
		ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.0}, true)
	}

	fired := m.Tick(map[string]float64{"BTCUSDT": 1.0})
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0], "Position negative for 10 cycles")
	assert.False(t, ledger.HasPosition("BTCUSDT"))

	snap := ledger.Snapshot()
	require.Len(t, snap.TradeHistory, 1)
	assert.Equal(t, "Position negative for 10 cycles", snap.TradeHistory[0].CloseReason)
}

func TestStallTimeoutSparedByPositivePnL(t *testing.T) {
	m, ledger := newMonitor(1000)
	enter(t, ledger, "BTCUSDT", portfolio.Long, 1.0, 100, 8, portfolio.ExitPlan{})

	for i := 0; i < 10; i++ {
		ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.0}, true)
	}
	// price recovers before the monitor looks
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.001}, false)

	fired := m.Tick(map[string]float64{"BTCUSDT": 1.001})
	assert.Empty(t, fired)
	assert.True(t, ledger.HasPosition("BTCUSDT"))
}

func TestMarginLossCutBands(t *testing.T) {
	tests := []struct {
		margin float64
		k      float64
	}{
		{25, 0.08},
		{35, 0.07},
		{45, 0.06},
		{80, 0.05},
	}
	for _, tt := range tests {
		m, ledger := newMonitor(1000)
		enter(t, ledger, "BTCUSDT", portfolio.Long, 100, tt.margin, 8, portfolio.ExitPlan{})

		// price drop producing a loss just under the threshold: survives
		qty := tt.margin * 8 / 100
		under := 100 - (tt.margin*tt.k-0.01)/qty
		ledger.MarkToMarket(map[string]float64{"BTCUSDT": under}, false)
		fired := m.Tick(map[string]float64{"BTCUSDT": under})
		assert.Empty(t, fired, "margin %.0f should survive below threshold", tt.margin)

		// just past the threshold: cut (the exact threshold price can round
		// to a loss a hair under margin*k in float64, e.g. at margin 35)
		at := 100 - (tt.margin*tt.k+0.01)/qty
		ledger.MarkToMarket(map[string]float64{"BTCUSDT": at}, false)
		fired = m.Tick(map[string]float64{"BTCUSDT": at})
		require.Len(t, fired, 1, "margin %.0f should cut at threshold", tt.margin)
		assert.Contains(t, fired[0], "margin loss cut")
	}
}

// Scenario: long at 1.000, $50 margin, notional $200, exit plan TP 1.05 / SL
// 0.95. Level-1 partial at +0.7%, level-2 partial plus a tighter trailing
// stop at +0.9%, then the raised stop fires while the original SL never
// would have.
func TestPartialProfitThenTrailingStop(t *testing.T) {
	m, ledger := newMonitor(1000)
	enter(t, ledger, "BTCUSDT", portfolio.Long, 1.0, 50, 4, portfolio.ExitPlan{
		ProfitTarget: ptr(1.05),
		StopLoss:     ptr(0.95),
	})
	// notional 200 -> second band: triggers 0.7%/0.9%/1.1%

	// gain 0.75% crosses level 1: 25% partial close, remaining margin 37.5
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.0075}, false)
	fired := m.Tick(map[string]float64{"BTCUSDT": 1.0075})
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0], "partial close")

	pos, ok := ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 37.5, pos.MarginUSD, 1e-9)
	assert.GreaterOrEqual(t, pos.MarginUSD, MinRemainingMarginUSD)
	// trailing stop moved to entry * (1 + level1/2)
	require.NotNil(t, pos.ExitPlan.StopLoss)
	assert.InDelta(t, 1.0035, *pos.ExitPlan.StopLoss, 1e-9)
	assert.Equal(t, 1, pos.TrailingState.LastLevel)

	// gain 0.95% crosses level 2: 50% partial, stop raised to entry * (1 + level1)
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.0095}, false)
	fired = m.Tick(map[string]float64{"BTCUSDT": 1.0095})
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0], "level 2")
	pos, ok = ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 18.75, pos.MarginUSD, 1e-9)
	assert.InDelta(t, 1.007, *pos.ExitPlan.StopLoss, 1e-9)
	assert.Equal(t, 2, pos.TrailingState.LastLevel)

	// retrace above the raised stop: no exit
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.0075}, false)
	fired = m.Tick(map[string]float64{"BTCUSDT": 1.0075})
	assert.Empty(t, fired)

	// retrace through the raised stop: full close, well above the original 0.95
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.005}, false)
	fired = m.Tick(map[string]float64{"BTCUSDT": 1.005})
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0], "stop-loss crossed")
	assert.False(t, ledger.HasPosition("BTCUSDT"))
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	m, ledger := newMonitor(1000)
	enter(t, ledger, "BTCUSDT", portfolio.Long, 1.0, 50, 4, portfolio.ExitPlan{StopLoss: ptr(0.95)})

	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.008}, false)
	m.Tick(map[string]float64{"BTCUSDT": 1.008})
	pos, _ := ledger.Position("BTCUSDT")
	raised := *pos.ExitPlan.StopLoss

	// a later, smaller gain must not lower the stop
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.005}, false)
	m.Tick(map[string]float64{"BTCUSDT": 1.005})
	pos, ok := ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, raised, *pos.ExitPlan.StopLoss)
}

func TestTieredProfitEscalatesToFullCloseNearMarginFloor(t *testing.T) {
	m, ledger := newMonitor(1000)
	// margin $18: a 25% partial would leave $13.5 < $15 floor
	enter(t, ledger, "BTCUSDT", portfolio.Long, 1.0, 18, 8, portfolio.ExitPlan{})

	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.008}, false)
	fired := m.Tick(map[string]float64{"BTCUSDT": 1.008})
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0], "full close")
	assert.False(t, ledger.HasPosition("BTCUSDT"))
}

func TestHardTakeProfitAndStopLoss(t *testing.T) {
	m, ledger := newMonitor(1000)
	enter(t, ledger, "BTCUSDT", portfolio.Short, 100, 50, 8, portfolio.ExitPlan{
		ProfitTarget: ptr(90),
		StopLoss:     ptr(105),
	})

	// shorts profit downward
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 89.5}, false)
	fired := m.Tick(map[string]float64{"BTCUSDT": 89.5})
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0], "profit-target crossed")

	// the stop sits close enough to entry that the loss at the crossing
	// ($2.40 on 4 units) stays under the $2.50 margin loss cut, which
	// would otherwise fire first
	m2, ledger2 := newMonitor(1000)
	enter(t, ledger2, "ETHUSDT", portfolio.Short, 100, 50, 8, portfolio.ExitPlan{StopLoss: ptr(100.5)})
	ledger2.MarkToMarket(map[string]float64{"ETHUSDT": 100.6}, false)
	fired = m2.Tick(map[string]float64{"ETHUSDT": 100.6})
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0], "stop-loss crossed")
}

func TestMirrorHookSeesFullAndPartialCloses(t *testing.T) {
	m, ledger := newMonitor(1000)
	type call struct {
		symbol string
		full   bool
	}
	var calls []call
	m.SetMirror(func(symbol string, qty float64, fullClose bool) {
		calls = append(calls, call{symbol, fullClose})
	})

	enter(t, ledger, "BTCUSDT", portfolio.Long, 1.0, 50, 4, portfolio.ExitPlan{StopLoss: ptr(0.95)})

	// partial profit first, then the hard stop
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 1.008}, false)
	m.Tick(map[string]float64{"BTCUSDT": 1.008})
	ledger.MarkToMarket(map[string]float64{"BTCUSDT": 0.94}, false)
	m.Tick(map[string]float64{"BTCUSDT": 0.94})

	require.Len(t, calls, 2)
	assert.Equal(t, call{"BTCUSDT", false}, calls[0])
	assert.Equal(t, call{"BTCUSDT", true}, calls[1])
}

func TestTickSkipsUnknownSymbolsAndZeroPrices(t *testing.T) {
	m, ledger := newMonitor(1000)
	enter(t, ledger, "BTCUSDT", portfolio.Long, 1.0, 50, 8, portfolio.ExitPlan{})

	fired := m.Tick(map[string]float64{"ETHUSDT": 100, "BTCUSDT": 0})
	assert.Empty(t, fired)
	assert.True(t, ledger.HasPosition("BTCUSDT"))
}
