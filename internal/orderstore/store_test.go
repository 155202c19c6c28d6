package orderstore

import (
	"context"
	"path/filepath"
	"testing"

	"hourbuy/internal/core"
	"hourbuy/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orders.db")
	logger, _ := logging.New("ERROR")
	store, err := Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_InsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := core.OrderLogRow{
		Instrument:   "BTC-USDT",
		Strategy:     core.StrategyHourLimit,
		OrderID:      "ord-1",
		CreateTimeMs: 1000,
		OrderType:    "limit",
		State:        core.OrderStatePlaced,
		Price:        decimal.NewFromFloat(98.9),
		Size:         decimal.NewFromFloat(1.011),
		SellTimeMs:   2000,
		Side:         core.SideBuy,
	}
	require.NoError(t, store.InsertBuy(ctx, row))

	got, ok, err := store.Get(ctx, "BTC-USDT", "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OrderStatePlaced, got.State)
	assert.False(t, got.HasSellPrice)
	assert.True(t, got.Price.Equal(decimal.NewFromFloat(98.9)))
}

func TestStore_InsertBuy_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := core.OrderLogRow{Instrument: "BTC-USDT", OrderID: "ord-1", Side: core.SideBuy}
	require.NoError(t, store.InsertBuy(ctx, row))
	require.NoError(t, store.InsertBuy(ctx, row)) // duplicate insert must not error
}

func TestStore_MarkSoldOut_OnlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := core.OrderLogRow{
		Instrument: "BTC-USDT", OrderID: "ord-1", State: core.OrderStateFilled, Side: core.SideBuy,
	}
	require.NoError(t, store.InsertBuy(ctx, row))
	require.NoError(t, store.UpdateBuyFill(ctx, "BTC-USDT", "ord-1", core.OrderStateFilled, decimal.NewFromFloat(98.9), decimal.NewFromFloat(1), 2000))

	require.NoError(t, store.MarkSoldOut(ctx, "BTC-USDT", "ord-1", decimal.NewFromFloat(99.1)))

	// A second sell-out attempt on an already-sold row is a no-op failure,
	// since sell_price is non-empty and the WHERE clause excludes it.
	err := store.MarkSoldOut(ctx, "BTC-USDT", "ord-1", decimal.NewFromFloat(100))
	assert.Error(t, err)

	got, ok, err := store.Get(ctx, "BTC-USDT", "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OrderStateSoldOut, got.State)
	assert.True(t, got.SellPrice.Equal(decimal.NewFromFloat(99.1)))
}

func TestStore_UnsoldEligible_FiltersBySellTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	due := core.OrderLogRow{Instrument: "BTC-USDT", OrderID: "due", State: core.OrderStateFilled, SellTimeMs: 100, Side: core.SideBuy}
	notDue := core.OrderLogRow{Instrument: "BTC-USDT", OrderID: "not-due", State: core.OrderStateFilled, SellTimeMs: 9999, Side: core.SideBuy}
	require.NoError(t, store.InsertBuy(ctx, due))
	require.NoError(t, store.InsertBuy(ctx, notDue))
	require.NoError(t, store.UpdateBuyFill(ctx, "BTC-USDT", "due", core.OrderStateFilled, decimal.NewFromInt(1), decimal.NewFromInt(1), 100))
	require.NoError(t, store.UpdateBuyFill(ctx, "BTC-USDT", "not-due", core.OrderStateFilled, decimal.NewFromInt(1), decimal.NewFromInt(1), 9999))

	rows, err := store.UnsoldEligible(ctx, "BTC-USDT", 500)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "due", rows[0].OrderID)
}

func TestStore_RecoveryWindow_CapsByLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		row := core.OrderLogRow{
			Instrument: "BTC-USDT", OrderID: "ord-" + string(rune('a'+i)),
			State: core.OrderStateFilled, CreateTimeMs: int64(i), Side: core.SideBuy,
		}
		require.NoError(t, store.InsertBuy(ctx, row))
	}

	rows, err := store.RecoveryWindow(ctx, 0, 3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
