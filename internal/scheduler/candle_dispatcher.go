package scheduler

import (
	"context"
	"time"

	"hourbuy/internal/core"
	"hourbuy/pkg/concurrency"
)

// CandleDispatcher is C8, the happy-path sell trigger: it reacts to a
// confirmed 1H candle the instant it arrives instead of waiting for the
// sell scheduler's next minute-55/59 wakeup.
type CandleDispatcher struct {
	lifecycle lifecycleManager
	pool      *concurrency.WorkerPool
	logger    core.ILogger
}

// NewCandleDispatcher builds a CandleDispatcher. Its OnCandle method is
// meant to be passed as the core.CandleCallback to the exchange gateway's
// SubscribeCandles.
func NewCandleDispatcher(lifecycle lifecycleManager, pool *concurrency.WorkerPool, logger core.ILogger) *CandleDispatcher {
	return &CandleDispatcher{
		lifecycle: lifecycle,
		pool:      pool,
		logger:    logger.WithField("component", "candle_dispatcher"),
	}
}

// OnCandle implements spec §4.8: only a confirmed candle matters, and an
// ActiveOrder whose next_hour_close_time is still in the future is left
// alone even on a confirmed candle, guarding against a late-delivered
// prior-hour candle triggering an early sell.
func (d *CandleDispatcher) OnCandle(candle core.Candle) {
	if !candle.Confirmed {
		return
	}

	now := time.Now()
	var batch []pendingOrder
	for _, order := range d.lifecycle.ActiveOrdersForInstrument(candle.Instrument) {
		if !isDue(order, now) {
			continue
		}
		if !d.lifecycle.MarkSellTriggered(order.Strategy, order.BuyOrderID) {
			continue
		}
		batch = append(batch, pendingOrder{order.Strategy, order.BuyOrderID})
	}
	if len(batch) == 0 {
		return
	}
	dispatch(context.Background(), d.lifecycle, d.pool, d.logger, map[string][]pendingOrder{candle.Instrument: batch})
}
