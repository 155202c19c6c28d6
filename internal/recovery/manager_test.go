package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hourbuy/internal/core"
	"hourbuy/internal/logging"
	"hourbuy/internal/orderstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.ZapLogger {
	l, _ := logging.New("ERROR")
	return l
}

func testStore(t *testing.T) *orderstore.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orders.db")
	store, err := orderstore.Open(dbPath, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeExchangeR struct {
	core.IExchange
	fillTimes map[string]time.Time
}

func (f *fakeExchangeR) GetOrder(ctx context.Context, instrument, orderID string) (core.OrderInfo, error) {
	if t, ok := f.fillTimes[orderID]; ok {
		return core.OrderInfo{OrderID: orderID, HasFillTime: true, FillTime: t}, nil
	}
	return core.OrderInfo{OrderID: orderID}, nil
}

type fakeLifecycleR struct {
	adopted  []*core.ActiveOrder
	evicted  []string
	triggers []string
}

func (f *fakeLifecycleR) All() []*core.ActiveOrder { return f.adopted }
func (f *fakeLifecycleR) AdoptRecovered(order *core.ActiveOrder) {
	f.adopted = append(f.adopted, order)
}
func (f *fakeLifecycleR) EvictSoldOut(strategy core.StrategyTag, orderID string) {
	f.evicted = append(f.evicted, orderID)
	for i, o := range f.adopted {
		if o.BuyOrderID == orderID {
			f.adopted = append(f.adopted[:i], f.adopted[i+1:]...)
			break
		}
	}
}
func (f *fakeLifecycleR) TriggerSell(ctx context.Context, instrument string) {
	f.triggers = append(f.triggers, instrument)
}

func insertFilledRow(t *testing.T, store *orderstore.Store, instrument, orderID string, createTimeMs, sellTimeMs int64) {
	t.Helper()
	row := core.OrderLogRow{
		Instrument:   instrument,
		Strategy:     core.StrategyHourLimit,
		OrderID:      orderID,
		CreateTimeMs: createTimeMs,
		OrderType:    "limit",
		State:        core.OrderStateFilled,
		Price:        decimal.NewFromFloat(100),
		Size:         decimal.NewFromFloat(1),
		SellTimeMs:   sellTimeMs,
		Side:         core.SideBuy,
	}
	require.NoError(t, store.InsertBuy(context.Background(), row))
	require.NoError(t, store.UpdateBuyFill(context.Background(), instrument, orderID, core.OrderStateFilled, row.Price, row.Size, sellTimeMs))
}

func TestRecoverFromDB_AdoptsUnknownRowAndTriggersPastDueSell(t *testing.T) {
	store := testStore(t)
	exchange := &fakeExchangeR{fillTimes: map[string]time.Time{}}
	lc := &fakeLifecycleR{}
	cfg := DefaultConfig()

	past := time.Now().Add(-2 * time.Hour)
	insertFilledRow(t, store, "BTC-USDT", "ord-1", past.UnixMilli(), past.Add(55*time.Minute).UnixMilli())

	m := New(cfg, store, exchange, lc, testLogger())
	m.recoverFromDB(context.Background(), cfg.FastWindow, cfg.FastLimit)

	require.Len(t, lc.adopted, 1)
	assert.Equal(t, "ord-1", lc.adopted[0].BuyOrderID)
	assert.Equal(t, []string{"BTC-USDT"}, lc.triggers, "a recovered row whose exit window already passed must trigger an immediate sell")
}

func TestRecoverFromDB_SkipsAlreadyKnownOrder(t *testing.T) {
	store := testStore(t)
	exchange := &fakeExchangeR{}
	future := time.Now().Add(time.Hour)
	lc := &fakeLifecycleR{adopted: []*core.ActiveOrder{
		{Instrument: "BTC-USDT", Strategy: core.StrategyHourLimit, BuyOrderID: "ord-1", NextHourClose: future},
	}}
	cfg := DefaultConfig()

	insertFilledRow(t, store, "BTC-USDT", "ord-1", time.Now().UnixMilli(), time.Now().UnixMilli())

	m := New(cfg, store, exchange, lc, testLogger())
	m.recoverFromDB(context.Background(), cfg.FastWindow, cfg.FastLimit)

	assert.Len(t, lc.adopted, 1, "an already-tracked order must not be re-adopted")
	assert.Empty(t, lc.triggers)
}

func TestRecoverFromDB_FutureExitWindowDoesNotTriggerSell(t *testing.T) {
	store := testStore(t)
	exchange := &fakeExchangeR{}
	lc := &fakeLifecycleR{}
	cfg := DefaultConfig()

	now := time.Now()
	insertFilledRow(t, store, "BTC-USDT", "ord-1", now.UnixMilli(), now.Add(time.Hour).UnixMilli())

	m := New(cfg, store, exchange, lc, testLogger())
	m.recoverFromDB(context.Background(), cfg.FastWindow, cfg.FastLimit)

	require.Len(t, lc.adopted, 1)
	assert.Empty(t, lc.triggers)
}

func TestRecoverFromDB_UsesExchangeFillTimeWhenAvailable(t *testing.T) {
	store := testStore(t)
	fillTime := time.Now().Add(-3 * time.Hour)
	exchange := &fakeExchangeR{fillTimes: map[string]time.Time{"ord-1": fillTime}}
	lc := &fakeLifecycleR{}
	cfg := DefaultConfig()

	insertFilledRow(t, store, "BTC-USDT", "ord-1", fillTime.Add(-time.Minute).UnixMilli(), fillTime.UnixMilli())

	m := New(cfg, store, exchange, lc, testLogger())
	m.recoverFromDB(context.Background(), cfg.FastWindow, cfg.FastLimit)

	require.Len(t, lc.adopted, 1)
	assert.True(t, lc.adopted[0].FillTime.Equal(fillTime))
}

func TestRecoverFromDB_RespectsLookupBudget(t *testing.T) {
	store := testStore(t)
	exchange := &fakeExchangeR{}
	lc := &fakeLifecycleR{}
	cfg := DefaultConfig()
	cfg.LookupBudgetPerCycle = 1

	now := time.Now().Add(-time.Hour)
	insertFilledRow(t, store, "BTC-USDT", "ord-1", now.UnixMilli(), now.UnixMilli())
	insertFilledRow(t, store, "ETH-USDT", "ord-2", now.Add(time.Millisecond).UnixMilli(), now.UnixMilli())

	m := New(cfg, store, exchange, lc, testLogger())
	m.recoverFromDB(context.Background(), cfg.FastWindow, cfg.FastLimit)

	assert.Len(t, lc.adopted, 1, "only one row may be reconstructed within a budget of 1")
}

func TestSyncMemoryToDB_EvictsSoldOutOrder(t *testing.T) {
	store := testStore(t)
	exchange := &fakeExchangeR{}
	cfg := DefaultConfig()

	row := core.OrderLogRow{
		Instrument: "BTC-USDT", Strategy: core.StrategyHourLimit, OrderID: "ord-1",
		State: core.OrderStateFilled, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(1), Side: core.SideBuy,
	}
	require.NoError(t, store.InsertBuy(context.Background(), row))
	require.NoError(t, store.UpdateBuyFill(context.Background(), "BTC-USDT", "ord-1", core.OrderStateFilled, row.Price, row.Size, 0))
	require.NoError(t, store.MarkSoldOut(context.Background(), "BTC-USDT", "ord-1", decimal.NewFromFloat(101)))

	lc := &fakeLifecycleR{adopted: []*core.ActiveOrder{
		{Instrument: "BTC-USDT", Strategy: core.StrategyHourLimit, BuyOrderID: "ord-1"},
	}}

	m := New(cfg, store, exchange, lc, testLogger())
	m.syncMemoryToDB(context.Background())

	assert.Empty(t, lc.adopted)
	assert.Equal(t, []string{"ord-1"}, lc.evicted)
}

func TestSyncMemoryToDB_KeepsStillLiveOrder(t *testing.T) {
	store := testStore(t)
	exchange := &fakeExchangeR{}
	cfg := DefaultConfig()

	row := core.OrderLogRow{
		Instrument: "BTC-USDT", Strategy: core.StrategyHourLimit, OrderID: "ord-1",
		State: core.OrderStateFilled, Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(1), Side: core.SideBuy,
	}
	require.NoError(t, store.InsertBuy(context.Background(), row))
	require.NoError(t, store.UpdateBuyFill(context.Background(), "BTC-USDT", "ord-1", core.OrderStateFilled, row.Price, row.Size, 0))

	lc := &fakeLifecycleR{adopted: []*core.ActiveOrder{
		{Instrument: "BTC-USDT", Strategy: core.StrategyHourLimit, BuyOrderID: "ord-1"},
	}}

	m := New(cfg, store, exchange, lc, testLogger())
	m.syncMemoryToDB(context.Background())

	assert.Len(t, lc.adopted, 1)
	assert.Empty(t, lc.evicted)
}
