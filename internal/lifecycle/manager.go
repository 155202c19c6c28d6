// Package lifecycle implements the Order Lifecycle Manager (spec §4.5):
// the buy path from admitted BuySignal through fill resolution, and the
// sell path from sell-eligible log row through a confirmed sold-out
// state. It owns the per-strategy ActiveOrder maps the sell scheduler
// (C6), candle dispatcher (C8), and recovery manager (C7) all read and
// mutate, grounded on order/executor_adapter.go's retrying PlaceOrder and
// safety/order_cleaner.go's ticker-driven sweep idiom.
package lifecycle

import (
	"context"
	"time"

	"hourbuy/internal/core"
	"hourbuy/internal/telemetry"
	"hourbuy/pkg/concurrency"
	"hourbuy/pkg/orderid"
	"hourbuy/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// releaser is satisfied by the hour-limit and stable strategies: both
// clear a single per-instrument admission guard once their buy resolves.
type releaser interface {
	Release(instrument string)
}

// batchNotifier is satisfied by the batch strategy, which advances a
// per-instrument slot sequence instead of a single guard.
type batchNotifier interface {
	NotifyFilled(instrument string, at time.Time)
	NotifyFailed(instrument string)
}

// gapNotifier is satisfied by the original-gap strategy, whose cooldown
// is global rather than per-instrument.
type gapNotifier interface {
	NotifyFilled(at time.Time)
	NotifyFailed()
}

// Hooks wires the lifecycle manager back to each strategy's admission
// state so a resolved buy (filled or canceled) releases the guard that
// let the strategy submit it in the first place.
type Hooks struct {
	HourLimit   releaser
	Stable      releaser
	Batch       batchNotifier
	OriginalGap gapNotifier
}

// Config holds the lifecycle manager's bounded-delay knobs (spec §4.5, §5).
type Config struct {
	FillPollDelay    time.Duration // ~500ms after placement, spec §4.5 step 4
	CancelTimeout    time.Duration // bounded-delay cancellation, default 60s
	SellPollAttempts int           // bounded poll count on a placed sell
	SellPollDelay    time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		FillPollDelay:    500 * time.Millisecond,
		CancelTimeout:    60 * time.Second,
		SellPollAttempts: 5,
		SellPollDelay:    time.Second,
	}
}

// Manager implements core.BuySubmitter and owns the buy and sell paths
// of spec §4.5.
type Manager struct {
	cfg      Config
	exchange core.IExchange
	store    core.IOrderStore
	registry core.InstrumentRegistry
	prices   core.PriceSource
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	hooks    Hooks

	active *activeOrders

	sellLocks *instrumentLocks
}

// New builds a lifecycle Manager.
func New(cfg Config, exchange core.IExchange, store core.IOrderStore, registry core.InstrumentRegistry, prices core.PriceSource, pool *concurrency.WorkerPool, logger core.ILogger, hooks Hooks) *Manager {
	return &Manager{
		cfg:       cfg,
		exchange:  exchange,
		store:     store,
		registry:  registry,
		prices:    prices,
		pool:      pool,
		logger:    logger.WithField("component", "lifecycle"),
		hooks:     hooks,
		active:    newActiveOrders(),
		sellLocks: newInstrumentLocks(),
	}
}

// SetHooks wires the strategy admission-guard callbacks after construction,
// breaking the lifecycle↔strategy cyclic dependency (spec §9): strategies
// are built with this Manager as their core.BuySubmitter, so their
// releaser/notifier implementations only exist once the Manager itself
// already does. Call it once, before any subscription feeds a tick.
func (m *Manager) SetHooks(hooks Hooks) {
	m.hooks = hooks
}

// Submit implements core.BuySubmitter: a strategy hands off a signal and
// placement runs on the bounded worker pool so the strategy's own
// tick-handling goroutine never blocks on REST I/O (spec §5).
func (m *Manager) Submit(signal core.BuySignal) {
	if err := m.pool.Submit(func() { m.runBuy(context.Background(), signal) }); err != nil {
		m.logger.Error("buy dispatch rejected", "instrument", signal.Instrument, "error", err.Error())
		m.releaseGuard(signal)
	}
}

// minute55After returns minute 55 of the hour immediately following t,
// i.e. always +1h from t's own hour (spec §4.5 step 3, §4.7(ii)).
func minute55After(t time.Time) time.Time {
	nextHour := t.Truncate(time.Hour).Add(time.Hour)
	return nextHour.Add(55 * time.Minute)
}

// Minute55After exports the same rule for the recovery manager, which
// reconstructs an ActiveOrder's exit window from a fill time read back out
// of the log (spec §4.7(ii)).
func Minute55After(t time.Time) time.Time {
	return minute55After(t)
}

func (m *Manager) runBuy(ctx context.Context, signal core.BuySignal) {
	inst, ok := m.registry.Get(signal.Instrument)
	if !ok || m.registry.IsBlacklisted(inst.BaseAsset()) {
		m.logger.Warn("buy aborted: instrument no longer tradable", "instrument", signal.Instrument)
		m.releaseGuard(signal)
		return
	}

	last, hasLast := m.prices.LastPrice(signal.Instrument)
	effectivePrice := signal.LimitPrice
	if hasLast && last.LessThan(effectivePrice) {
		effectivePrice = last
	}
	if !effectivePrice.IsPositive() {
		m.logger.Warn("buy aborted: no usable price", "instrument", signal.Instrument)
		m.releaseGuard(signal)
		return
	}

	precision, err := m.exchange.GetInstrumentPrecision(ctx, signal.Instrument)
	if err != nil {
		m.logger.Error("buy aborted: precision lookup failed", "instrument", signal.Instrument, "error", err.Error())
		m.releaseGuard(signal)
		return
	}

	price := tradingutils.RoundToStep(effectivePrice, precision.TickSize)
	if !price.IsPositive() {
		m.logger.Warn("buy aborted: rounded price is zero", "instrument", signal.Instrument)
		m.releaseGuard(signal)
		return
	}
	size := tradingutils.RoundToStep(signal.USDTAmount.Div(price), precision.LotSize)
	if size.LessThan(precision.MinSize) {
		m.logger.Warn("buy rejected: size below minSize", "instrument", signal.Instrument, "size", size.String(), "minSize", precision.MinSize.String())
		m.releaseGuard(signal)
		return
	}

	now := time.Now()
	sellTime := minute55After(now)
	// Batch slots 2 and 3 inherit slot 1's fill time, so all three exit
	// together at slot 1's deadline rather than each computing its own
	// (spec §4.4 strategy 3).
	if signal.HasBatchFirstFill {
		sellTime = minute55After(signal.BatchFirstFillTime)
	}
	clientOrderID := orderid.Generate(string(signal.Strategy), string(core.SideBuy))

	row := core.OrderLogRow{
		Instrument:   signal.Instrument,
		Strategy:     signal.Strategy,
		OrderID:      clientOrderID,
		CreateTimeMs: now.UnixMilli(),
		OrderType:    "limit",
		State:        core.OrderStatePlaced,
		Price:        price,
		Size:         size,
		SellTimeMs:   sellTime.UnixMilli(),
		Side:         core.SideBuy,
	}
	if err := m.store.InsertBuy(ctx, row); err != nil {
		m.logger.Error("buy aborted: order log insert failed", "instrument", signal.Instrument, "error", err.Error())
		m.releaseGuard(signal)
		return
	}

	if _, err := m.exchange.PlaceLimitBuy(ctx, signal.Instrument, price, size, clientOrderID); err != nil {
		m.logger.Warn("buy placement failed", "instrument", signal.Instrument, "order_id", clientOrderID, "error", err.Error())
		if cErr := m.store.MarkCanceled(ctx, signal.Instrument, clientOrderID); cErr != nil {
			m.logger.Error("failed to mark placement failure canceled", "order_id", clientOrderID, "error", cErr.Error())
		}
		m.releaseGuard(signal)
		return
	}
	telemetry.GetGlobalMetrics().RecordOrderPlaced(ctx, string(signal.Strategy), string(core.SideBuy))

	time.Sleep(m.cfg.FillPollDelay)
	fillPrice, fillSize := price, size
	if info, err := m.exchange.GetOrder(ctx, signal.Instrument, clientOrderID); err == nil && info.AccFillSize.IsPositive() {
		fillPrice = firstPositive(info.FillPrice, info.AvgPrice, price)
		fillSize = info.AccFillSize
		if uErr := m.store.UpdateBuyFill(ctx, signal.Instrument, clientOrderID, core.OrderStatePartiallyFilled, fillPrice, fillSize, sellTime.UnixMilli()); uErr != nil {
			m.logger.Error("failed to persist immediate fill", "order_id", clientOrderID, "error", uErr.Error())
		}
	}

	record := &core.ActiveOrder{
		Instrument:    signal.Instrument,
		Strategy:      signal.Strategy,
		BuyOrderID:    clientOrderID,
		FillPrice:     fillPrice,
		FilledSize:    fillSize,
		CreateTime:    now,
		NextHourClose: sellTime,
		BatchSlot:     signal.BatchSlot,
	}
	m.active.put(signal.Strategy, clientOrderID, record)

	if err := m.pool.Submit(func() {
		time.Sleep(m.cfg.CancelTimeout)
		m.resolveBuyTimeout(context.Background(), signal, clientOrderID, sellTime)
	}); err != nil {
		m.logger.Error("failed to schedule buy-timeout resolution", "order_id", clientOrderID, "error", err.Error())
	}
}

// resolveBuyTimeout is spec §4.5 step 6: the bounded-delay task that
// settles whatever the order's state is once the cancellation window
// elapses.
func (m *Manager) resolveBuyTimeout(ctx context.Context, signal core.BuySignal, orderID string, sellTime time.Time) {
	info, err := m.exchange.GetOrder(ctx, signal.Instrument, orderID)
	if err != nil {
		m.logger.Error("buy-timeout GetOrder failed, canceling", "order_id", orderID, "error", err.Error())
		m.cancelAndDrop(ctx, signal, orderID)
		return
	}

	switch {
	case isFilledState(info.State):
		fillTime := info.FillTime
		if !info.HasFillTime {
			fillTime = time.Now()
		}
		newSellTime := minute55After(fillTime)
		// Batch slots 2 and 3 inherit slot 1's exit deadline regardless of
		// which path (immediate fill or this timeout resolution) slot 1
		// filled through.
		if signal.HasBatchFirstFill {
			newSellTime = minute55After(signal.BatchFirstFillTime)
		}
		price := firstPositive(info.FillPrice, info.AvgPrice)
		if err := m.store.UpdateBuyFill(ctx, signal.Instrument, orderID, core.OrderStateFilled, price, info.AccFillSize, newSellTime.UnixMilli()); err != nil {
			m.logger.Error("failed to persist buy fill", "order_id", orderID, "error", err.Error())
		}
		m.active.update(signal.Strategy, orderID, func(a *core.ActiveOrder) {
			a.FillPrice = price
			a.FilledSize = info.AccFillSize
			a.FillTime = fillTime
			a.NextHourClose = newSellTime
		})
		m.notifyFilled(signal, fillTime)
		telemetry.GetGlobalMetrics().RecordOrderFilled(ctx, string(signal.Strategy))

	case info.AccFillSize.IsPositive():
		if err := m.exchange.CancelOrder(ctx, signal.Instrument, orderID); err != nil {
			m.logger.Warn("residual cancel failed", "order_id", orderID, "error", err.Error())
		}
		fillTime := info.FillTime
		if !info.HasFillTime {
			fillTime = time.Now()
		}
		price := firstPositive(info.FillPrice, info.AvgPrice)
		if err := m.store.UpdateBuyFill(ctx, signal.Instrument, orderID, core.OrderStatePartiallyFilled, price, info.AccFillSize, sellTime.UnixMilli()); err != nil {
			m.logger.Error("failed to persist partial fill", "order_id", orderID, "error", err.Error())
		}
		m.active.update(signal.Strategy, orderID, func(a *core.ActiveOrder) {
			a.FillPrice = price
			a.FilledSize = info.AccFillSize
			a.FillTime = fillTime
		})
		m.notifyFilled(signal, fillTime)
		telemetry.GetGlobalMetrics().RecordOrderFilled(ctx, string(signal.Strategy))

	default:
		m.cancelAndDrop(ctx, signal, orderID)
	}
}

func (m *Manager) cancelAndDrop(ctx context.Context, signal core.BuySignal, orderID string) {
	if err := m.exchange.CancelOrder(ctx, signal.Instrument, orderID); err != nil {
		m.logger.Warn("cancel-on-timeout failed", "order_id", orderID, "error", err.Error())
	}
	if err := m.store.MarkCanceled(ctx, signal.Instrument, orderID); err != nil {
		m.logger.Error("failed to mark canceled", "order_id", orderID, "error", err.Error())
	}
	m.active.delete(signal.Strategy, orderID)
	m.releaseGuard(signal)
	telemetry.GetGlobalMetrics().RecordOrderCanceled(ctx, string(signal.Strategy))
}

// notifyFilled reports a resolved (filled or partially-filled) buy back
// to the originating strategy so its admission guard reflects reality.
func (m *Manager) notifyFilled(signal core.BuySignal, at time.Time) {
	switch signal.Strategy {
	case core.StrategyHourLimit:
		// hour-limit's guard is released once the order sells out, not on
		// fill, since a new buy must not re-admit while the filled order is
		// still awaiting its sell window; lifecycle's sell path calls
		// Release for this strategy instead.
	case core.StrategyStable:
		// same as hour-limit: released by the sell path.
	case core.StrategyBatch:
		if m.hooks.Batch != nil {
			m.hooks.Batch.NotifyFilled(signal.Instrument, at)
		}
	case core.StrategyOriginalGap:
		if m.hooks.OriginalGap != nil {
			m.hooks.OriginalGap.NotifyFilled(at)
		}
	}
}

// releaseGuard reports a buy that never resolved into a live position
// (rejected, placement failed, or canceled with no fill) back to the
// strategy so its admission guard is cleared for a future attempt.
func (m *Manager) releaseGuard(signal core.BuySignal) {
	switch signal.Strategy {
	case core.StrategyHourLimit:
		if m.hooks.HourLimit != nil {
			m.hooks.HourLimit.Release(signal.Instrument)
		}
	case core.StrategyStable:
		if m.hooks.Stable != nil {
			m.hooks.Stable.Release(signal.Instrument)
		}
	case core.StrategyBatch:
		if m.hooks.Batch != nil {
			m.hooks.Batch.NotifyFailed(signal.Instrument)
		}
	case core.StrategyOriginalGap:
		if m.hooks.OriginalGap != nil {
			m.hooks.OriginalGap.NotifyFailed()
		}
	}
}

// ReleaseSold reports a sold-out hour-limit or stable order back to its
// strategy, called by the sell path once a row reaches "sold out".
func (m *Manager) ReleaseSold(strategy core.StrategyTag, instrument string) {
	switch strategy {
	case core.StrategyHourLimit:
		if m.hooks.HourLimit != nil {
			m.hooks.HourLimit.Release(instrument)
		}
	case core.StrategyStable:
		if m.hooks.Stable != nil {
			m.hooks.Stable.Release(instrument)
		}
	}
}

func isFilledState(state string) bool {
	switch state {
	case "filled", "FILLED", "Filled":
		return true
	default:
		return false
	}
}

func firstPositive(values ...decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if v.IsPositive() {
			return v
		}
	}
	return decimal.Zero
}

// ActiveOrders exposes the per-strategy snapshot used by the sell
// scheduler (C6) and candle dispatcher (C8) to find orders whose exit
// window has arrived.
func (m *Manager) ActiveOrders(strategy core.StrategyTag) []*core.ActiveOrder {
	return m.active.snapshot(strategy)
}

// ActiveOrdersForInstrument returns every strategy's active orders for one
// instrument, used by the sell path to sweep all unresolved buys at once.
func (m *Manager) ActiveOrdersForInstrument(instrument string) []*core.ActiveOrder {
	return m.active.snapshotInstrument(instrument)
}

// All returns every in-memory ActiveOrder across every strategy, used by
// the recovery manager's memory→DB sync (spec §4.7(i)).
func (m *Manager) All() []*core.ActiveOrder {
	return m.active.all()
}

// MarkSellTriggered sets the dedup fence described in spec §4.6/§4.8:
// sell_triggered is set true before the sell task is actually dispatched.
// Returns false if the order was already triggered or is no longer known.
func (m *Manager) MarkSellTriggered(strategy core.StrategyTag, orderID string) bool {
	return m.active.markTriggered(strategy, orderID)
}

// ResetSellTriggered clears the dedup fence after a failed dispatch so the
// next scheduler cycle may retry (spec §4.6).
func (m *Manager) ResetSellTriggered(strategy core.StrategyTag, orderID string) {
	m.active.update(strategy, orderID, func(a *core.ActiveOrder) { a.SellTriggered = false })
}

// AdoptRecovered inserts an ActiveOrder reconstructed by the recovery
// manager (spec §4.7) without touching any strategy admission guard,
// since the order was already resolved before this process started.
func (m *Manager) AdoptRecovered(order *core.ActiveOrder) {
	m.active.put(order.Strategy, order.BuyOrderID, order)
}

// EvictSoldOut drops an ActiveOrder already confirmed sold-out in the log
// (spec §4.7(i) memory→DB sync).
func (m *Manager) EvictSoldOut(strategy core.StrategyTag, orderID string) {
	m.active.delete(strategy, orderID)
}
