package market

import "math"

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// EMA computes the exponential moving average over period, seeding with a
// simple average of the first `period` closes.
func EMA(klines []Kline, period int) float64 {
	if len(klines) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += klines[i].Close
	}
	ema := sum / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close-ema)*multiplier + ema
	}
	return ema
}

// MACD returns EMA12 - EMA26 over klines; the signal line is the EMA9 of a
// caller-supplied MACD series (MACDSignal below).
func MACD(klines []Kline) float64 {
	if len(klines) < 26 {
		return 0
	}
	return EMA(klines, 12) - EMA(klines, 26)
}

// MACDSignal computes the 9-period EMA of a rolling MACD series that the
// caller has already built, one MACD sample per trailing kline window.
func MACDSignal(macdSeries []float64) float64 {
	if len(macdSeries) < 9 {
		return 0
	}
	sum := 0.0
	for i := 0; i < 9; i++ {
		sum += macdSeries[i]
	}
	sig := sum / 9
	mult := 2.0 / 10.0
	for i := 9; i < len(macdSeries); i++ {
		sig = (macdSeries[i]-sig)*mult + sig
	}
	return sig
}

// RSI computes the Wilder-smoothed relative strength index.
func RSI(klines []Kline, period int) float64 {
	if len(klines) <= period || period <= 0 {
		return 0
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			avgGain = (avgGain*float64(period-1) + change) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) + (-change)) / float64(period)
		}
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR computes the Wilder-smoothed average true range.
func ATR(klines []Kline, period int) float64 {
	if len(klines) <= period || period <= 0 {
		return 0
	}

	trs := make([]float64, len(klines))
	for i := 1; i < len(klines); i++ {
		high, low, prevClose := klines[i].High, klines[i].Low, klines[i-1].Close
		tr1 := high - low
		tr2 := math.Abs(high - prevClose)
		tr3 := math.Abs(low - prevClose)
		trs[i] = math.Max(tr1, math.Max(tr2, tr3))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)

	for i := period + 1; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}
