package scheduler

import (
	"context"
	"time"

	"hourbuy/internal/core"
	"hourbuy/pkg/concurrency"

	"github.com/robfig/cron/v3"
)

// SellScheduler is C6: a fallback sweep for whatever the candle dispatcher
// missed. Its cron fires only at minute 55 and minute 59 of each hour,
// when it walks every strategy's ActiveOrder map for entries
// whose exit window has arrived.
type SellScheduler struct {
	cron      *cron.Cron
	lifecycle lifecycleManager
	pool      *concurrency.WorkerPool
	logger    core.ILogger
}

// NewSellScheduler builds a SellScheduler. Call Start to begin the cron.
func NewSellScheduler(lifecycle lifecycleManager, pool *concurrency.WorkerPool, logger core.ILogger) *SellScheduler {
	return &SellScheduler{
		cron:      cron.New(),
		lifecycle: lifecycle,
		pool:      pool,
		logger:    logger.WithField("component", "sell_scheduler"),
	}
}

// Start registers the minute-55 and minute-59 triggers and starts the cron
// goroutine. Returns an error only if the fixed cron expressions fail to
// parse, which would be a programming error.
func (s *SellScheduler) Start() error {
	if _, err := s.cron.AddFunc("55 * * * *", s.sweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("59 * * * *", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop blocks until any sweep already in flight completes.
func (s *SellScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// sweep is spec §4.6's scan: every strategy's ActiveOrder map, deduped via
// the sell_triggered fence, collapsed to one TriggerSell dispatch per
// distinct instrument found due (TriggerSell itself re-scans every
// unsold-eligible row for that instrument in one pass).
func (s *SellScheduler) sweep() {
	now := time.Now()
	due := make(map[string][]pendingOrder)
	for _, strategy := range strategies {
		for _, order := range s.lifecycle.ActiveOrders(strategy) {
			if !isDue(order, now) {
				continue
			}
			if !s.lifecycle.MarkSellTriggered(strategy, order.BuyOrderID) {
				continue
			}
			due[order.Instrument] = append(due[order.Instrument], pendingOrder{strategy, order.BuyOrderID})
		}
	}
	dispatch(context.Background(), s.lifecycle, s.pool, s.logger, due)
}
