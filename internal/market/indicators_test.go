package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func klinesFromCloses(closes ...float64) []Kline {
	out := make([]Kline, len(closes))
	for i, c := range closes {
		out[i] = Kline{Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 2000}
	}
	return out
}

func TestEMAShortSeriesReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, EMA(klinesFromCloses(1, 2, 3), 5))
	assert.Equal(t, 0.0, EMA(nil, 20))
}

func TestEMAConstantSeries(t *testing.T) {
	kl := klinesFromCloses(50, 50, 50, 50, 50, 50, 50, 50)
	assert.InDelta(t, 50.0, EMA(kl, 5), 1e-9)
}

func TestEMAConvergesTowardRecentPrices(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	for i := 50; i < 60; i++ {
		closes[i] = 110
	}
	ema := EMA(klinesFromCloses(closes...), 20)
	assert.Greater(t, ema, 100.0)
	assert.Less(t, ema, 110.0)
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	assert.InDelta(t, 100.0, RSI(klinesFromCloses(closes...), 14), 1e-9)
}

func TestRSIAlternatingSeriesIsMidRange(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 100
		} else {
			closes[i] = 101
		}
	}
	rsi := RSI(klinesFromCloses(closes...), 14)
	assert.Greater(t, rsi, 30.0)
	assert.Less(t, rsi, 70.0)
}

func TestRSIInsufficientHistory(t *testing.T) {
	assert.Equal(t, 0.0, RSI(klinesFromCloses(1, 2, 3), 14))
}

func TestATRConstantRange(t *testing.T) {
	// every candle spans exactly 2.0 with no gaps
	kl := make([]Kline, 30)
	for i := range kl {
		kl[i] = Kline{Open: 100, High: 101, Low: 99, Close: 100, Volume: 2000}
	}
	assert.InDelta(t, 2.0, ATR(kl, 14), 1e-9)
}

func TestATRRespondsToGaps(t *testing.T) {
	kl := make([]Kline, 30)
	for i := range kl {
		kl[i] = Kline{Open: 100, High: 101, Low: 99, Close: 100, Volume: 2000}
	}
	// one gapped candle inflates true range via |high - prevClose|
	kl[25] = Kline{Open: 110, High: 111, Low: 109, Close: 110, Volume: 2000}
	assert.Greater(t, ATR(kl, 14), 2.0)
}

func TestMACDNeedsTwentySixCandles(t *testing.T) {
	assert.Equal(t, 0.0, MACD(klinesFromCloses(1, 2, 3)))
}

func TestMACDSignOfTrend(t *testing.T) {
	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	assert.Positive(t, MACD(klinesFromCloses(rising...)))

	falling := make([]float64, 60)
	for i := range falling {
		falling[i] = 200 - float64(i)
	}
	assert.Negative(t, MACD(klinesFromCloses(falling...)))
}

func TestValidateCandlesRefusals(t *testing.T) {
	valid := klinesFromCloses(100, 101, 102, 103, 104)

	tests := []struct {
		name   string
		mutate func([]Kline) []Kline
		reason string
	}{
		{"empty payload", func([]Kline) []Kline { return nil }, "empty"},
		{"non-positive OHLC", func(kl []Kline) []Kline { kl[2].Low = -1; return kl }, "non-positive"},
		{"stuck feed", func([]Kline) []Kline { return klinesFromCloses(100, 100, 100, 100) }, "unique closes"},
		{"zero volume", func(kl []Kline) []Kline {
			for i := range kl {
				kl[i].Volume = 0
			}
			return kl
		}, "volume"},
		{"thin volume", func(kl []Kline) []Kline {
			for i := range kl {
				kl[i].Volume = 500
			}
			return kl
		}, "below 1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := append([]Kline(nil), valid...)
			err := validateCandles(tt.mutate(cp))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}

	assert.NoError(t, validateCandles(valid))
}

func TestBuildIndicatorsBundle(t *testing.T) {
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i)/5)*3 + float64(i)*0.05
	}
	kl := klinesFromCloses(closes...)

	ind := buildIndicators("BTCUSDT", "3m", kl)

	assert.Equal(t, "BTCUSDT", ind.Coin)
	assert.Equal(t, kl[len(kl)-1].Close, ind.Price)
	require.NotNil(t, ind.EMA20)
	require.NotNil(t, ind.EMA50)
	require.NotNil(t, ind.RSI14)
	require.NotNil(t, ind.RSI7) // 3m interval carries the fast RSI
	require.NotNil(t, ind.MACDLine)
	require.NotNil(t, ind.MACDSignal)
	require.NotNil(t, ind.ATR14)
	assert.Nil(t, ind.ATR3) // only on the higher timeframe
	assert.Len(t, ind.PriceTail, 10)
	assert.Len(t, ind.EMA20Tail, 10)
	assert.Len(t, ind.RSI7Tail, 10)
	assert.InDelta(t, *ind.EMA20, ind.EMA20Tail[len(ind.EMA20Tail)-1], 1e-9)
	assert.Equal(t, 2000.0, ind.AvgVolume20)
	assert.InDelta(t, 1.0, ind.VolumeRatio(), 1e-9)

	htf := buildIndicators("BTCUSDT", "4h", kl)
	assert.Nil(t, htf.RSI7)
	require.NotNil(t, htf.ATR3)
}

func TestVolumeRatioUndefinedIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Indicators{Volume: 100}.VolumeRatio())
}

func TestInsufficientDataErrorMessage(t *testing.T) {
	err := &ErrInsufficientData{Coin: "BTCUSDT", Reason: "stuck feed"}
	assert.Contains(t, err.Error(), "BTCUSDT")
	assert.Contains(t, err.Error(), "stuck feed")
}
