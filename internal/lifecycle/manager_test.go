package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hourbuy/internal/core"
	"hourbuy/internal/logging"
	"hourbuy/internal/orderstore"
	"hourbuy/pkg/concurrency"

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

func testPool(t *testing.T) *concurrency.WorkerPool {
	t.Helper()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test"}, testLogger())
	t.Cleanup(pool.Stop)
	return pool
}

// fakeExchange is a minimal in-test core.IExchange; unimplemented methods
// panic if ever called, so a test that exercises an unexpected path fails
// loudly instead of silently returning a zero value.
type fakeExchange struct {
	core.IExchange

	mu sync.Mutex

	precision    core.InstrumentPrecision
	placeBuyErr  error
	placeSellErr error
	cancelErr    error
	simulated    bool
	ticker       decimal.Decimal

	orders     map[string]*core.OrderInfo
	cancels    []string
	buyCalls   int
	sellCalls  int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		precision: core.InstrumentPrecision{
			TickSize: decimal.NewFromFloat(0.01),
			LotSize:  decimal.NewFromFloat(0.0001),
			MinSize:  decimal.NewFromFloat(0.0001),
		},
		orders: make(map[string]*core.OrderInfo),
	}
}

func (f *fakeExchange) GetInstrumentPrecision(ctx context.Context, instrument string) (core.InstrumentPrecision, error) {
	return f.precision, nil
}

func (f *fakeExchange) PlaceLimitBuy(ctx context.Context, instrument string, price, size decimal.Decimal, clientOrderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buyCalls++
	if f.placeBuyErr != nil {
		return "", f.placeBuyErr
	}
	f.orders[clientOrderID] = &core.OrderInfo{OrderID: clientOrderID, State: "live", RequestedSize: size}
	return clientOrderID, nil
}

func (f *fakeExchange) PlaceMarketSell(ctx context.Context, instrument string, size decimal.Decimal, clientOrderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sellCalls++
	if f.placeSellErr != nil {
		return "", f.placeSellErr
	}
	f.orders[clientOrderID] = &core.OrderInfo{
		OrderID:       clientOrderID,
		State:         "filled",
		AvgPrice:      f.ticker,
		FillPrice:     f.ticker,
		AccFillSize:   size,
		RequestedSize: size,
	}
	return clientOrderID, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, instrument, orderID string) (core.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		return *o, nil
	}
	return core.OrderInfo{}, assert.AnError
}

func (f *fakeExchange) CancelOrder(ctx context.Context, instrument, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return f.cancelErr
}

func (f *fakeExchange) GetTicker(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return f.ticker, nil
}

func (f *fakeExchange) IsSimulated() bool { return f.simulated }

func (f *fakeExchange) setOrderState(orderID string, mutate func(*core.OrderInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		mutate(o)
	}
}

type fakeRegistryL struct {
	inst        core.Instrument
	missing     bool
	blacklisted bool
}

func (r *fakeRegistryL) Snapshot() []core.Instrument { return []core.Instrument{r.inst} }
func (r *fakeRegistryL) Get(symbol string) (core.Instrument, bool) {
	if r.missing {
		return core.Instrument{}, false
	}
	return r.inst, symbol == r.inst.Symbol
}
func (r *fakeRegistryL) IsBlacklisted(baseAsset string) bool { return r.blacklisted }
func (r *fakeRegistryL) OnAdded(fn func(core.Instrument))    {}
func (r *fakeRegistryL) OnRemoved(fn func(string))           {}

type fakePricesL struct {
	last    decimal.Decimal
	hasLast bool
}

func (p *fakePricesL) OnTick(string, decimal.Decimal, time.Time) {}
func (p *fakePricesL) LastPrice(instrument string) (decimal.Decimal, bool) {
	return p.last, p.hasLast
}
func (p *fakePricesL) ReferenceFor(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	return decimal.Zero, false
}
func (p *fakePricesL) TwoHourGainFilter(ctx context.Context, instrument string, currentOpen decimal.Decimal) (bool, decimal.Decimal) {
	return false, decimal.Zero
}
func (p *fakePricesL) RefreshAllAtHourBoundary(ctx context.Context) {}

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeReleaser) Release(instrument string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, instrument)
}
func (f *fakeReleaser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type fakeBatchNotifier struct {
	mu      sync.Mutex
	filled  []string
	failed  []string
}

func (f *fakeBatchNotifier) NotifyFilled(instrument string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = append(f.filled, instrument)
}
func (f *fakeBatchNotifier) NotifyFailed(instrument string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, instrument)
}

func longConfig() Config {
	cfg := DefaultConfig()
	cfg.FillPollDelay = 0
	cfg.CancelTimeout = time.Hour // never fires during a test's lifetime
	cfg.SellPollAttempts = 3
	cfg.SellPollDelay = 0
	return cfg
}

func newTestManager(t *testing.T, exchange core.IExchange, store core.IOrderStore, registry core.InstrumentRegistry, prices core.PriceSource, hooks Hooks) *Manager {
	return New(longConfig(), exchange, store, registry, prices, testPool(t), testLogger(), hooks)
}

func testInstrument() core.Instrument {
	return core.Instrument{Symbol: "BTC-USDT", LimitPercent: decimal.NewFromFloat(0.02)}
}

func testSignal(strategy core.StrategyTag) core.BuySignal {
	return core.BuySignal{
		Instrument: "BTC-USDT",
		Strategy:   strategy,
		LimitPrice: decimal.NewFromFloat(100),
		USDTAmount: decimal.NewFromFloat(50),
		At:         time.Now(),
	}
}

func TestRunBuy_PlacesAndRecordsActiveOrder(t *testing.T) {
	exchange := newFakeExchange()
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}
	releaser := &fakeReleaser{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{HourLimit: releaser})

	signal := testSignal(core.StrategyHourLimit)
	m.runBuy(context.Background(), signal)

	assert.Equal(t, 1, exchange.buyCalls)
	assert.Equal(t, 0, releaser.count(), "a live order must not release the guard")

	active := m.ActiveOrders(core.StrategyHourLimit)
	require.Len(t, active, 1)
	assert.Equal(t, "BTC-USDT", active[0].Instrument)
	assert.True(t, active[0].FillPrice.IsPositive())

	row, ok, err := store.Get(context.Background(), "BTC-USDT", active[0].BuyOrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OrderStatePlaced, row.State)
}

func TestRunBuy_AbortsWhenInstrumentMissing(t *testing.T) {
	exchange := newFakeExchange()
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument(), missing: true}
	prices := &fakePricesL{}
	releaser := &fakeReleaser{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{HourLimit: releaser})
	m.runBuy(context.Background(), testSignal(core.StrategyHourLimit))

	assert.Equal(t, 0, exchange.buyCalls)
	assert.Equal(t, 1, releaser.count())
}

func TestRunBuy_RejectsSizeBelowMinSize(t *testing.T) {
	exchange := newFakeExchange()
	exchange.precision.MinSize = decimal.NewFromFloat(10) // far above what $50/$100 buys
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}
	releaser := &fakeReleaser{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{HourLimit: releaser})
	m.runBuy(context.Background(), testSignal(core.StrategyHourLimit))

	assert.Equal(t, 0, exchange.buyCalls)
	assert.Equal(t, 1, releaser.count())
}

func TestRunBuy_PlacementFailureMarksCanceledAndReleases(t *testing.T) {
	exchange := newFakeExchange()
	exchange.placeBuyErr = assert.AnError
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}
	releaser := &fakeReleaser{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{HourLimit: releaser})
	m.runBuy(context.Background(), testSignal(core.StrategyHourLimit))

	assert.Equal(t, 1, releaser.count())
	assert.Empty(t, m.ActiveOrders(core.StrategyHourLimit))
}

func TestResolveBuyTimeout_BatchStrategyNotifiedOnFill(t *testing.T) {
	exchange := newFakeExchange()
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}
	batch := &fakeBatchNotifier{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{Batch: batch})

	signal := testSignal(core.StrategyBatch)
	m.runBuy(context.Background(), signal)

	active := m.ActiveOrders(core.StrategyBatch)
	require.Len(t, active, 1)
	exchange.setOrderState(active[0].BuyOrderID, func(info *core.OrderInfo) {
		info.State = "filled"
		info.AccFillSize = info.RequestedSize
		info.FillPrice = decimal.NewFromFloat(99)
	})

	m.resolveBuyTimeout(context.Background(), signal, active[0].BuyOrderID, active[0].NextHourClose)

	assert.Len(t, batch.filled, 1)
	row, ok, err := store.Get(context.Background(), "BTC-USDT", active[0].BuyOrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OrderStateFilled, row.State)
}

func TestRunBuy_BatchSlotsShareFirstFillExitDeadline(t *testing.T) {
	exchange := newFakeExchange()
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}
	batch := &fakeBatchNotifier{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{Batch: batch})

	// Slot 1 fills first, at an arbitrary time; its fill sets the shared
	// exit deadline for every later slot.
	slot1 := testSignal(core.StrategyBatch)
	slot1.BatchSlot = 1
	m.runBuy(context.Background(), slot1)

	active := m.ActiveOrders(core.StrategyBatch)
	require.Len(t, active, 1)
	slot1OrderID := active[0].BuyOrderID

	firstFillAt := time.Now().Add(37 * time.Minute)
	exchange.setOrderState(slot1OrderID, func(info *core.OrderInfo) {
		info.State = "filled"
		info.AccFillSize = info.RequestedSize
		info.FillPrice = decimal.NewFromFloat(99)
		info.FillTime = firstFillAt
		info.HasFillTime = true
	})
	m.resolveBuyTimeout(context.Background(), slot1, slot1OrderID, active[0].NextHourClose)

	slot1Active := m.ActiveOrders(core.StrategyBatch)
	require.Len(t, slot1Active, 1)
	wantDeadline := Minute55After(firstFillAt)
	assert.True(t, slot1Active[0].NextHourClose.Equal(wantDeadline))

	// Slots 2 and 3 fill at different real times, but both carry slot 1's
	// fill time forward; their exit deadline must match slot 1's exactly,
	// not one computed from their own (later) fill.
	for slot := 2; slot <= 3; slot++ {
		sig := testSignal(core.StrategyBatch)
		sig.BatchSlot = slot
		sig.HasBatchFirstFill = true
		sig.BatchFirstFillTime = firstFillAt

		m.runBuy(context.Background(), sig)

		all := m.ActiveOrders(core.StrategyBatch)
		var thisOrderID string
		for _, a := range all {
			if a.BatchSlot == slot {
				thisOrderID = a.BuyOrderID
				assert.True(t, a.NextHourClose.Equal(wantDeadline), "slot %d's initial deadline must match slot 1's", slot)
			}
		}
		require.NotEmpty(t, thisOrderID)

		ownFillAt := firstFillAt.Add(time.Duration(slot) * 13 * time.Minute)
		exchange.setOrderState(thisOrderID, func(info *core.OrderInfo) {
			info.State = "filled"
			info.AccFillSize = info.RequestedSize
			info.FillPrice = decimal.NewFromFloat(99)
			info.FillTime = ownFillAt
			info.HasFillTime = true
		})
		m.resolveBuyTimeout(context.Background(), sig, thisOrderID, wantDeadline)

		all = m.ActiveOrders(core.StrategyBatch)
		for _, a := range all {
			if a.BatchSlot == slot {
				assert.True(t, a.NextHourClose.Equal(wantDeadline), "slot %d's post-fill deadline must still match slot 1's", slot)
			}
		}
	}
}

func TestResolveBuyTimeout_UnfilledCancelsAndReleases(t *testing.T) {
	exchange := newFakeExchange()
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}
	releaser := &fakeReleaser{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{HourLimit: releaser})
	signal := testSignal(core.StrategyHourLimit)
	m.runBuy(context.Background(), signal)

	active := m.ActiveOrders(core.StrategyHourLimit)
	require.Len(t, active, 1)
	orderID := active[0].BuyOrderID
	exchange.setOrderState(orderID, func(info *core.OrderInfo) { info.State = "live" })

	m.resolveBuyTimeout(context.Background(), signal, orderID, active[0].NextHourClose)

	assert.Contains(t, exchange.cancels, orderID)
	assert.Equal(t, 1, releaser.count())
	assert.Empty(t, m.ActiveOrders(core.StrategyHourLimit))

	row, ok, err := store.Get(context.Background(), "BTC-USDT", orderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OrderStateCanceled, row.State)
}

func TestTriggerSell_PlacesMarketSellAndMarksSoldOut(t *testing.T) {
	exchange := newFakeExchange()
	exchange.ticker = decimal.NewFromFloat(101)
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}
	releaser := &fakeReleaser{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{Stable: releaser})

	row := core.OrderLogRow{
		Instrument:   "BTC-USDT",
		Strategy:     core.StrategyStable,
		OrderID:      "ord-1",
		CreateTimeMs: time.Now().UnixMilli(),
		OrderType:    "limit",
		State:        core.OrderStateFilled,
		Price:        decimal.NewFromFloat(100),
		Size:         decimal.NewFromFloat(1),
		SellTimeMs:   time.Now().Add(-time.Minute).UnixMilli(),
		Side:         core.SideBuy,
	}
	require.NoError(t, store.InsertBuy(context.Background(), row))
	require.NoError(t, store.UpdateBuyFill(context.Background(), row.Instrument, row.OrderID, core.OrderStateFilled, row.Price, row.Size, row.SellTimeMs))
	m.active.put(core.StrategyStable, row.OrderID, &core.ActiveOrder{Instrument: row.Instrument, Strategy: row.Strategy, BuyOrderID: row.OrderID})

	m.TriggerSell(context.Background(), "BTC-USDT")

	assert.Equal(t, 1, exchange.sellCalls)
	assert.Equal(t, 1, releaser.count())
	_, stillActive := m.active.get(core.StrategyStable, row.OrderID)
	assert.False(t, stillActive)

	got, ok, err := store.Get(context.Background(), "BTC-USDT", "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OrderStateSoldOut, got.State)
	assert.True(t, got.SellPrice.Equal(decimal.NewFromFloat(101)))
}

func TestTriggerSell_SecondConcurrentSweepIsNoOp(t *testing.T) {
	exchange := newFakeExchange()
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{})

	lock, ok := m.sellLocks.tryLock("BTC-USDT")
	require.True(t, ok)
	defer lock.Unlock()

	m.TriggerSell(context.Background(), "BTC-USDT")

	assert.Equal(t, 0, exchange.sellCalls, "a sweep already in flight must not be re-entered")
}

func TestTriggerSell_SkipsRowWithNoSize(t *testing.T) {
	exchange := newFakeExchange()
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{})

	row := core.OrderLogRow{
		Instrument:   "BTC-USDT",
		Strategy:     core.StrategyHourLimit,
		OrderID:      "ord-zero",
		CreateTimeMs: time.Now().UnixMilli(),
		State:        core.OrderStateFilled,
		Size:         decimal.Zero,
		SellTimeMs:   time.Now().Add(-time.Minute).UnixMilli(),
		Side:         core.SideBuy,
	}
	require.NoError(t, store.InsertBuy(context.Background(), row))
	require.NoError(t, store.UpdateBuyFill(context.Background(), row.Instrument, row.OrderID, core.OrderStateFilled, decimal.NewFromFloat(100), decimal.Zero, row.SellTimeMs))

	m.TriggerSell(context.Background(), "BTC-USDT")

	assert.Equal(t, 0, exchange.sellCalls)
}

func TestReleaseGuard_DispatchesPerStrategy(t *testing.T) {
	exchange := newFakeExchange()
	store := testStore(t)
	registry := &fakeRegistryL{inst: testInstrument()}
	prices := &fakePricesL{}
	hourLimit := &fakeReleaser{}
	batch := &fakeBatchNotifier{}

	m := newTestManager(t, exchange, store, registry, prices, Hooks{HourLimit: hourLimit, Batch: batch})

	m.releaseGuard(testSignal(core.StrategyHourLimit))
	m.releaseGuard(testSignal(core.StrategyBatch))

	assert.Equal(t, 1, hourLimit.count())
	assert.Len(t, batch.failed, 1)
}

func TestMinute55After(t *testing.T) {
	at := time.Date(2026, 7, 29, 14, 12, 0, 0, time.UTC)
	got := minute55After(at)
	want := time.Date(2026, 7, 29, 15, 55, 0, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
}
