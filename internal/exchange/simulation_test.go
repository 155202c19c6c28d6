package exchange

import (
	"context"
	"testing"
	"time"

	"hourbuy/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.ZapLogger {
	l, _ := logging.New("ERROR")
	return l
}

func TestSimExchange_PlaceLimitBuy_FillsImmediately(t *testing.T) {
	sim := newSimExchange(testLogger())
	ctx := context.Background()

	id, err := sim.PlaceLimitBuy(ctx, "BTC-USDT", decimal.NewFromFloat(65000), decimal.NewFromFloat(0.001), "stable_B_1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	info, err := sim.GetOrder(ctx, "BTC-USDT", id)
	require.NoError(t, err)
	assert.Equal(t, "filled", info.State)
	assert.True(t, info.FillPrice.Equal(decimal.NewFromFloat(65000)))
	assert.True(t, info.HasFillTime)
}

func TestSimExchange_PlaceLimitBuy_IdempotentOnClientOrderID(t *testing.T) {
	sim := newSimExchange(testLogger())
	ctx := context.Background()

	id1, err := sim.PlaceLimitBuy(ctx, "BTC-USDT", decimal.NewFromFloat(1), decimal.NewFromFloat(1), "dup")
	require.NoError(t, err)
	id2, err := sim.PlaceLimitBuy(ctx, "BTC-USDT", decimal.NewFromFloat(2), decimal.NewFromFloat(2), "dup")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestSimExchange_MarketSell_UsesLastTicker(t *testing.T) {
	sim := newSimExchange(testLogger())
	ctx := context.Background()

	sim.PushTicker("ETH-USDT", decimal.NewFromFloat(3000), time.Now())

	id, err := sim.PlaceMarketSell(ctx, "ETH-USDT", decimal.NewFromFloat(2), "")
	require.NoError(t, err)

	info, err := sim.GetOrder(ctx, "ETH-USDT", id)
	require.NoError(t, err)
	assert.True(t, info.FillPrice.Equal(decimal.NewFromFloat(3000)))
}

func TestSimExchange_SubscribeTickers_InvokesCallback(t *testing.T) {
	sim := newSimExchange(testLogger())
	ctx := context.Background()

	received := make(chan decimal.Decimal, 1)
	err := sim.SubscribeTickers(ctx, []string{"BTC-USDT"}, func(instrument string, price decimal.Decimal, at time.Time) {
		received <- price
	})
	require.NoError(t, err)

	sim.PushTicker("BTC-USDT", decimal.NewFromFloat(42), time.Now())

	select {
	case p := <-received:
		assert.True(t, p.Equal(decimal.NewFromFloat(42)))
	case <-time.After(time.Second):
		t.Fatal("ticker callback was not invoked")
	}
}

func TestGateway_SimulationMode_IsSimulated(t *testing.T) {
	g := &Gateway{sim: newSimExchange(testLogger())}
	assert.True(t, g.IsSimulated())
}
