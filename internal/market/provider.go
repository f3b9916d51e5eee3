package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"github.com/nof1ai/perpengine/internal/logger"
)

// Provider fetches OHLCV candles, open interest and funding rate, and
// computes the indicator bundle the validator and exit monitor consume.
type Provider struct {
	client   *futures.Client
	coins    []string
	rate     time.Duration
	lastCall map[string]time.Time
	mu       sync.Mutex

	// lastGood caches the most recent successfully-fetched price per coin,
	// used as the final rung of the price fallback ladder.
	lastGood map[string]float64
}

func NewProvider(apiKey, apiSecret string, coins []string) *Provider {
	futures.UseTestnet = false
	return &Provider{
		client:   futures.NewClient(apiKey, apiSecret),
		coins:    coins,
		rate:     100 * time.Millisecond,
		lastCall: make(map[string]time.Time),
		lastGood: make(map[string]float64),
	}
}

// SetLastKnownPrice seeds the fallback cache, e.g. from a reloaded position.
func (p *Provider) SetLastKnownPrice(coin string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastGood[coin] = price
}

func (p *Provider) throttle(coin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastCall[coin]; ok {
		if wait := p.rate - time.Since(last); wait > 0 {
			time.Sleep(wait)
		}
	}
	p.lastCall[coin] = time.Now()
}

// Prices returns a best-effort price for every configured coin, falling
// back through 1m close, 3m close, last known position price, the last
// good 1m close cached for the coin, then 0.0.
func (p *Provider) Prices(ctx context.Context, positionPrices map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(p.coins))
	for _, coin := range p.coins {
		out[coin] = p.priceFor(ctx, coin, positionPrices[coin])
	}
	return out
}

func (p *Provider) priceFor(ctx context.Context, coin string, positionPrice float64) float64 {
	p.throttle(coin)
	if kl, err := p.fetchKlines(ctx, coin, "1m", 1); err == nil && len(kl) > 0 {
		price := kl[len(kl)-1].Close
		p.mu.Lock()
		p.lastGood[coin] = price
		p.mu.Unlock()
		return price
	}

	p.throttle(coin)
	if kl, err := p.fetchKlines(ctx, coin, "3m", 1); err == nil && len(kl) > 0 {
		return kl[len(kl)-1].Close
	}

	if positionPrice > 0 {
		return positionPrice
	}

	p.mu.Lock()
	last, ok := p.lastGood[coin]
	p.mu.Unlock()
	if ok {
		return last
	}

	logger.Warnf("no price available for %s, returning 0.0", coin)
	return 0
}

// Indicators computes the full bundle for one coin/interval, retrying up to
// 3 times with exponential backoff on a quarantined feed.
func (p *Provider) Indicators(ctx context.Context, coin, interval string) (Indicators, error) {
	const warmup = 50
	const history = 10
	limit := warmup + history + 50

	var klines []Kline
	var err error
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		p.throttle(coin)
		klines, err = p.fetchKlines(ctx, coin, interval, limit)
		if err == nil {
			if verr := validateCandles(klines); verr == nil {
				break
			} else {
				err = verr
			}
		}
		logger.Warnf("market data quarantined for %s/%s (attempt %d): %v", coin, interval, attempt+1, err)
		select {
		case <-ctx.Done():
			return Indicators{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return Indicators{}, &ErrInsufficientData{Coin: coin, Reason: err.Error()}
	}

	return buildIndicators(coin, interval, klines), nil
}

func (p *Provider) fetchKlines(ctx context.Context, coin, interval string, limit int) ([]Kline, error) {
	raw, err := p.client.NewKlinesService().
		Symbol(coin).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching klines for %s: %w", coin, err)
	}
	out := make([]Kline, 0, len(raw))
	for _, k := range raw {
		kline, err := parseBinanceKline(k)
		if err != nil {
			continue
		}
		out = append(out, kline)
	}
	return out, nil
}

func parseBinanceKline(k *futures.Kline) (Kline, error) {
	var out Kline
	var err error
	if out.Open, err = parseFloat(k.Open); err != nil {
		return out, err
	}
	if out.High, err = parseFloat(k.High); err != nil {
		return out, err
	}
	if out.Low, err = parseFloat(k.Low); err != nil {
		return out, err
	}
	if out.Close, err = parseFloat(k.Close); err != nil {
		return out, err
	}
	if out.Volume, err = parseFloat(k.Volume); err != nil {
		return out, err
	}
	out.OpenTime = k.OpenTime
	out.CloseTime = k.CloseTime
	return out, nil
}

// validateCandles refuses a stuck or empty feed: non-positive OHLC, fewer
// than three unique closes, zero total volume, or mean volume under 1000.
func validateCandles(klines []Kline) error {
	if len(klines) == 0 {
		return fmt.Errorf("empty candle payload")
	}
	uniqueCloses := make(map[float64]struct{})
	totalVolume := 0.0
	for _, k := range klines {
		if k.Open <= 0 || k.High <= 0 || k.Low <= 0 || k.Close <= 0 {
			return fmt.Errorf("non-positive OHLC")
		}
		uniqueCloses[k.Close] = struct{}{}
		totalVolume += k.Volume
	}
	if len(uniqueCloses) < 3 {
		return fmt.Errorf("stuck feed: fewer than 3 unique closes")
	}
	if totalVolume == 0 {
		return fmt.Errorf("zero total volume")
	}
	if totalVolume/float64(len(klines)) < 1000 {
		return fmt.Errorf("rolling mean volume below 1000")
	}
	return nil
}

// OpenInterest returns the latest open interest for coin.
func (p *Provider) OpenInterest(ctx context.Context, coin string) (float64, error) {
	p.throttle(coin)
	oi, err := p.client.NewGetOpenInterestService().Symbol(coin).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching open interest for %s: %w", coin, err)
	}
	return parseFloat(oi.OpenInterest)
}

// FundingRate returns the latest funding rate for coin.
func (p *Provider) FundingRate(ctx context.Context, coin string) (float64, error) {
	p.throttle(coin)
	rates, err := p.client.NewPremiumIndexService().Symbol(coin).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching funding rate for %s: %w", coin, err)
	}
	if len(rates) == 0 {
		return 0, fmt.Errorf("no premium index entries for %s", coin)
	}
	return parseFloat(rates[0].LastFundingRate)
}

func buildIndicators(coin, interval string, klines []Kline) Indicators {
	ind := Indicators{
		Coin:     coin,
		Interval: interval,
		Price:    klines[len(klines)-1].Close,
	}

	if v := EMA(klines, 20); v != 0 {
		ind.EMA20 = &v
	}
	if v := EMA(klines, 50); v != 0 {
		ind.EMA50 = &v
	}
	if v := RSI(klines, 14); v != 0 {
		ind.RSI14 = &v
	}
	if interval == "3m" {
		if v := RSI(klines, 7); v != 0 {
			ind.RSI7 = &v
		}
	}
	if len(klines) >= 26 {
		macd := MACD(klines)
		ind.MACDLine = &macd

		series := make([]float64, 0, len(klines)-25)
		for i := 26; i <= len(klines); i++ {
			series = append(series, MACD(klines[:i]))
		}
		sig := MACDSignal(series)
		ind.MACDSignal = &sig
		hist := macd - sig
		ind.MACDHist = &hist
		ind.MACDTail = tail(series, 10)
	}
	if v := ATR(klines, 14); v != 0 {
		ind.ATR14 = &v
	}
	if interval != "3m" {
		if v := ATR(klines, 3); v != 0 {
			ind.ATR3 = &v
		}
	}

	ind.Volume = klines[len(klines)-1].Volume
	window := tail(volumesOf(klines), 20)
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	if len(window) > 0 {
		ind.AvgVolume20 = sum / float64(len(window))
	}

	ind.PriceTail = tail(closesOf(klines), 10)
	if ind.EMA20 != nil {
		ind.EMA20Tail = seriesTail(klines, 10, func(kl []Kline) float64 { return EMA(kl, 20) })
	}
	if ind.RSI7 != nil {
		ind.RSI7Tail = seriesTail(klines, 10, func(kl []Kline) float64 { return RSI(kl, 7) })
	}

	return ind
}

// seriesTail evaluates f over growing kline prefixes to produce the last n
// samples of a rolling indicator series.
func seriesTail(klines []Kline, n int, f func([]Kline) float64) []float64 {
	start := len(klines) - n + 1
	if start < 1 {
		start = 1
	}
	out := make([]float64, 0, n)
	for i := start; i <= len(klines); i++ {
		out = append(out, f(klines[:i]))
	}
	return out
}

func volumesOf(klines []Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Volume
	}
	return out
}

func closesOf(klines []Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	if err != nil {
		return 0, fmt.Errorf("parsing %q as float: %w", s, err)
	}
	return f, nil
}
