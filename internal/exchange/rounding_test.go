package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btcFilter = SymbolFilter{
	Symbol:      "BTCUSDT",
	LotStep:     0.001,
	TickSize:    0.1,
	MinQty:      0.001,
	MinNotional: 100,
}

func TestRoundQuantityFloorsToLotStep(t *testing.T) {
	qty, err := RoundQuantity(0.0129, 50000, btcFilter)
	require.NoError(t, err)
	assert.Equal(t, 0.012, qty)
}

func TestRoundQuantityExactStepUnchanged(t *testing.T) {
	qty, err := RoundQuantity(0.012, 50000, btcFilter)
	require.NoError(t, err)
	assert.Equal(t, 0.012, qty)
}

func TestRoundQuantityRejectsBelowMinQty(t *testing.T) {
	_, err := RoundQuantity(0.0009, 50000, btcFilter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")
}

func TestRoundQuantityRejectsBelowMinNotional(t *testing.T) {
	// 0.001 BTC at $50 = $0.05 notional
	_, err := RoundQuantity(0.0015, 50, btcFilter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notional")
}

func TestRoundQuantitySkipsNotionalWithoutPriceRef(t *testing.T) {
	// reduce-only closes carry no reference price
	qty, err := RoundQuantity(0.0015, 0, btcFilter)
	require.NoError(t, err)
	assert.Equal(t, 0.001, qty)
}

func TestRoundQuantityNoFilterPassthrough(t *testing.T) {
	qty, err := RoundQuantity(0.0129, 50000, SymbolFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0.0129, qty)
}

func TestRoundPriceSnapsToTick(t *testing.T) {
	assert.Equal(t, 50000.1, RoundPrice(50000.12, btcFilter))
	assert.Equal(t, 50000.2, RoundPrice(50000.16, btcFilter))
	assert.Equal(t, 123.45, RoundPrice(123.45, SymbolFilter{}))
}
