package market

import "fmt"

// Indicators is the full bundle computed for one coin/interval pair.
type Indicators struct {
	Coin          string
	Interval      string
	Price         float64
	EMA20         *float64
	EMA50         *float64
	RSI14         *float64
	RSI7          *float64 // only populated on the 3-minute interval
	MACDLine      *float64
	MACDSignal    *float64
	MACDHist      *float64
	ATR14         *float64
	ATR3          *float64 // only populated on the higher timeframe
	Volume        float64
	AvgVolume20   float64
	PriceTail     []float64
	EMA20Tail     []float64
	MACDTail      []float64
	RSI7Tail      []float64
}

// VolumeRatio returns Volume/AvgVolume20, or 0 if undefined.
func (i Indicators) VolumeRatio() float64 {
	if i.AvgVolume20 <= 0 {
		return 0
	}
	return i.Volume / i.AvgVolume20
}

// ErrInsufficientData signals "skip this coin this cycle". It is never
// interpreted as a trading signal.
type ErrInsufficientData struct {
	Coin   string
	Reason string
}

func (e *ErrInsufficientData) Error() string {
	return fmt.Sprintf("insufficient data for %s: %s", e.Coin, e.Reason)
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}
