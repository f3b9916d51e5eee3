package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nof1ai/perpengine/internal/market"
	"github.com/nof1ai/perpengine/internal/portfolio"
)

func ptr(v float64) *float64 { return &v }
func intptr(v int) *int      { return &v }

func ltfIndicators(price, ema20, rsi, volume, avgVolume float64) market.Indicators {
	return market.Indicators{
		Coin:        "BTCUSDT",
		Interval:    "3m",
		Price:       price,
		EMA20:       ptr(ema20),
		RSI14:       ptr(rsi),
		Volume:      volume,
		AvgVolume20: avgVolume,
	}
}

func TestTrendFollowingLongBoostsConfidence(t *testing.T) {
	// HTF bullish, 3m above EMA20, volume ratio 1.2 -> +0.05 boost
	in := Inputs{
		Decision: AIDecision{Coin: "BTCUSDT", Signal: BuyToEnter, Confidence: ptr(0.65)},
		LTF:      ltfIndicators(100.2, 100.0, 55, 1200, 1000),
		HTF:      market.Indicators{Price: 100, EMA20: ptr(98)},
		Trend:    portfolio.Bullish,
	}

	v, err := Validate(in)
	require.NoError(t, err)
	assert.InDelta(t, 0.70, v.Confidence, 1e-9)
	assert.False(t, v.PartialMargin)
	assert.False(t, v.CounterTrend)
	assert.Equal(t, portfolio.Long, v.Direction)
	assert.Equal(t, 8, v.Leverage) // unspecified leverage clamps up to 8
}

func TestTrendFollowingModerateVolumeMarksPartialMargin(t *testing.T) {
	in := Inputs{
		Decision: AIDecision{Coin: "BTCUSDT", Signal: BuyToEnter, Confidence: ptr(0.65)},
		LTF:      ltfIndicators(100.2, 100.0, 55, 600, 1000), // ratio 0.6
		Trend:    portfolio.Bullish,
	}

	v, err := Validate(in)
	require.NoError(t, err)
	assert.True(t, v.PartialMargin)
	assert.InDelta(t, 0.65, v.Confidence, 1e-9) // no boost on the partial path
}

func TestCounterTrendShortVetoedByVolumePenalty(t *testing.T) {
	// HTF bullish, volume ratio 0.25: 0.80 * 0.7 = 0.56, below the 0.75 floor
	in := Inputs{
		Decision: AIDecision{Coin: "BTCUSDT", Signal: SellToEnter, Confidence: ptr(0.80)},
		LTF:      ltfIndicators(99.8, 100.0, 45, 250, 1000),
		Trend:    portfolio.Bullish,
	}

	_, err := Validate(in)
	require.Error(t, err)
	var veto *Veto
	require.ErrorAs(t, err, &veto)
	assert.Contains(t, veto.Reason, "floor")
}

func TestVolumePenaltyVetoesBelowMinConfidence(t *testing.T) {
	in := Inputs{
		Decision: AIDecision{Coin: "BTCUSDT", Signal: BuyToEnter, Confidence: ptr(0.50)},
		LTF:      ltfIndicators(100.2, 100.0, 55, 100, 1000), // 0.50 * 0.7 = 0.35 < 0.4
		Trend:    portfolio.Bullish,
	}

	_, err := Validate(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume penalty")
}

func TestCounterTrendLongAcceptedWithFiveConditions(t *testing.T) {
	// HTF bearish, 3m bullish momentum, ratio 1.8, RSI 22, price within 1% of
	// EMA20, MACD line above signal: 5/5 conditions
	ltf := ltfIndicators(100.5, 100.0, 22, 1800, 1000)
	ltf.MACDLine = ptr(0.5)
	ltf.MACDSignal = ptr(0.1)

	in := Inputs{
		Decision:   AIDecision{Coin: "BTCUSDT", Signal: BuyToEnter, Confidence: ptr(0.80)},
		LTF:        ltf,
		HTF:        market.Indicators{Price: 97, EMA20: ptr(100)},
		Trend:      portfolio.Bearish,
		RecentFlip: false,
	}

	v, err := Validate(in)
	require.NoError(t, err)
	assert.True(t, v.CounterTrend)
	assert.Equal(t, portfolio.Long, v.Direction)
	assert.GreaterOrEqual(t, v.Confidence, CounterTrendConfidenceFloor)
}

func TestCounterTrendVetoedByFlipCooldown(t *testing.T) {
	ltf := ltfIndicators(100.5, 100.0, 22, 1800, 1000)
	ltf.MACDLine = ptr(0.5)
	ltf.MACDSignal = ptr(0.1)

	in := Inputs{
		Decision:   AIDecision{Coin: "BTCUSDT", Signal: BuyToEnter, Confidence: ptr(0.80)},
		LTF:        ltf,
		Trend:      portfolio.Bearish,
		RecentFlip: true,
	}

	_, err := Validate(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flip cooldown")
}

func TestCounterTrendVetoedBelowThreeConditions(t *testing.T) {
	// momentum opposes, ratio low, RSI mid, far from EMA, MACD opposes: 0/5
	ltf := ltfIndicators(97.0, 100.0, 50, 500, 1000)
	ltf.MACDLine = ptr(-0.5)
	ltf.MACDSignal = ptr(0.1)

	in := Inputs{
		Decision: AIDecision{Coin: "BTCUSDT", Signal: BuyToEnter, Confidence: ptr(0.90)},
		LTF:      ltf,
		Trend:    portfolio.Bearish,
	}

	_, err := Validate(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "score")
}

func TestCounterTrendScoreConditions(t *testing.T) {
	tests := []struct {
		name   string
		signal Signal
		ltf    func() market.Indicators
		want   int
	}{
		{
			"rsi extreme only counts below 25 for longs",
			BuyToEnter,
			func() market.Indicators { return ltfIndicators(97.0, 100.0, 24, 500, 1000) },
			1,
		},
		{
			"volume ratio above 1.5",
			SellToEnter,
			func() market.Indicators { return ltfIndicators(97.0, 100.0, 50, 1600, 1000) },
			2, // momentum below EMA supports short + volume
		},
		{
			"proximity within one percent",
			BuyToEnter,
			func() market.Indicators { return ltfIndicators(100.9, 100.0, 50, 500, 1000) },
			2, // momentum above EMA + proximity
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, counterTrendScore(tt.signal, tt.ltf(), market.Indicators{}))
		})
	}
}

func TestDirectionalBiasAdjustment(t *testing.T) {
	base := 0.80

	// fresh bias leaves confidence untouched
	got := applyDirectionalBiasAdjustment(base, portfolio.DirectionalBias{}, portfolio.Long, portfolio.Bearish)
	assert.InDelta(t, base, got, 1e-9)

	// consecutive losses and negative rolling average stack
	bias := portfolio.DirectionalBias{Trades: 5, ConsecutiveLosses: 3, RecentPnL: []float64{-10, -5}}
	got = applyDirectionalBiasAdjustment(base, bias, portfolio.Long, portfolio.Bullish)
	assert.InDelta(t, base*0.9*0.93, got, 1e-9)

	// aligned with positive rolling average boosts, clamped to 1.0
	bias = portfolio.DirectionalBias{Trades: 5, RecentPnL: []float64{10, 5}}
	got = applyDirectionalBiasAdjustment(0.98, bias, portfolio.Long, portfolio.Bullish)
	assert.InDelta(t, 1.0, got, 1e-9)

	// misaligned against a non-neutral trend shrinks
	got = applyDirectionalBiasAdjustment(base, bias, portfolio.Short, portfolio.Bullish)
	assert.InDelta(t, base*0.9, got, 1e-9)

	// neutral trend shrinks
	got = applyDirectionalBiasAdjustment(base, bias, portfolio.Long, portfolio.Neutral)
	assert.InDelta(t, base*0.9, got, 1e-9)
}

func TestShortEnhancementMultiplier(t *testing.T) {
	ltf := ltfIndicators(99.0, 100.0, 72, 1600, 1000)
	in := Inputs{
		Decision: AIDecision{Coin: "BTCUSDT", Signal: SellToEnter, Confidence: ptr(0.80)},
		LTF:      ltf,
		Trend:    portfolio.Bearish,
	}

	v, err := Validate(in)
	require.NoError(t, err)
	assert.InDelta(t, 1.15, v.SizingMultiplier, 1e-9)

	// drop any one leg and the multiplier stays at 1.0
	in.LTF = ltfIndicators(99.0, 100.0, 65, 1600, 1000)
	v, err = Validate(in)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.SizingMultiplier, 1e-9)
}

func TestStopLossRescaling(t *testing.T) {
	// long at 100 with AI stop at 98: 2.0 distance * 1.5 -> stop 97
	in := Inputs{
		Decision:         AIDecision{Coin: "SOLUSDT", Signal: BuyToEnter, Confidence: ptr(0.80), StopLoss: ptr(98)},
		LTF:              ltfIndicators(100.0, 100.0, 55, 1200, 1000),
		Trend:            portfolio.Bullish,
		CoinSLMultiplier: 1.5,
	}

	v, err := Validate(in)
	require.NoError(t, err)
	require.NotNil(t, v.ExitPlan.StopLoss)
	assert.InDelta(t, 97.0, *v.ExitPlan.StopLoss, 1e-9)

	// short side widens upward
	in.Decision.Signal = SellToEnter
	in.Decision.StopLoss = ptr(102)
	in.Trend = portfolio.Bearish
	v, err = Validate(in)
	require.NoError(t, err)
	assert.InDelta(t, 103.0, *v.ExitPlan.StopLoss, 1e-9)
}

func TestLeverageClamping(t *testing.T) {
	tests := []struct {
		in   *int
		want int
	}{
		{nil, 8},
		{intptr(5), 8},
		{intptr(9), 9},
		{intptr(20), 10},
	}
	for _, tt := range tests {
		in := Inputs{
			Decision: AIDecision{Coin: "BTCUSDT", Signal: BuyToEnter, Confidence: ptr(0.80), Leverage: tt.in},
			LTF:      ltfIndicators(100.2, 100.0, 55, 1200, 1000),
			Trend:    portfolio.Bullish,
		}
		v, err := Validate(in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v.Leverage)
	}
}

func TestLeverageConfigCapTightensClamp(t *testing.T) {
	in := Inputs{
		Decision:    AIDecision{Coin: "BTCUSDT", Signal: BuyToEnter, Confidence: ptr(0.80), Leverage: intptr(20)},
		LTF:         ltfIndicators(100.2, 100.0, 55, 1200, 1000),
		Trend:       portfolio.Bullish,
		MaxLeverage: 9,
	}
	v, err := Validate(in)
	require.NoError(t, err)
	assert.Equal(t, 9, v.Leverage)
}

func TestNonEntrySignalsVetoed(t *testing.T) {
	for _, sig := range []Signal{Hold, ClosePosition, Signal("nonsense")} {
		_, err := Validate(Inputs{Decision: AIDecision{Signal: sig}})
		assert.Error(t, err)
	}
}
