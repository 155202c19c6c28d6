// Package scheduler implements the Sell Scheduler (spec §4.6) and the
// Candle-Boundary Dispatcher (spec §4.8): the two independent triggers
// that advance an ActiveOrder from "filled" to "sell submitted" once its
// exit window arrives, grounded on safety/order_cleaner.go's
// ticker-driven periodic sweep idiom.
package scheduler

import (
	"context"
	"time"

	"hourbuy/internal/core"
	"hourbuy/pkg/concurrency"

	"github.com/google/uuid"
)

var strategies = []core.StrategyTag{
	core.StrategyHourLimit,
	core.StrategyStable,
	core.StrategyBatch,
	core.StrategyOriginalGap,
}

// lifecycleManager is the narrow slice of *lifecycle.Manager both the sell
// scheduler and the candle dispatcher depend on.
type lifecycleManager interface {
	ActiveOrders(strategy core.StrategyTag) []*core.ActiveOrder
	ActiveOrdersForInstrument(instrument string) []*core.ActiveOrder
	MarkSellTriggered(strategy core.StrategyTag, orderID string) bool
	ResetSellTriggered(strategy core.StrategyTag, orderID string)
	TriggerSell(ctx context.Context, instrument string)
}

// pendingOrder identifies one ActiveOrder whose sell_triggered fence was
// just set, so it can be unwound if the dispatch itself never happens.
type pendingOrder struct {
	strategy core.StrategyTag
	orderID  string
}

// dispatch submits one TriggerSell sweep per instrument found due, and
// resets the sell_triggered fence for every order batched into a dispatch
// the pool rejected (spec §4.6: "failure... is permitted to reset
// sell_triggered... so the next cycle may retry").
func dispatch(ctx context.Context, lifecycle lifecycleManager, pool *concurrency.WorkerPool, logger core.ILogger, due map[string][]pendingOrder) {
	for instrument, orders := range due {
		instrument, orders := instrument, orders
		correlationID := uuid.New().String()
		logger.Debug("sell dispatch submitted", "instrument", instrument, "correlation_id", correlationID, "orders", len(orders))
		if err := pool.Submit(func() { lifecycle.TriggerSell(ctx, instrument) }); err != nil {
			logger.Error("sell dispatch rejected", "instrument", instrument, "correlation_id", correlationID, "error", err.Error())
			for _, o := range orders {
				lifecycle.ResetSellTriggered(o.strategy, o.orderID)
			}
		}
	}
}

func isDue(order *core.ActiveOrder, now time.Time) bool {
	return !order.SellTriggered && !order.NextHourClose.After(now)
}
