package lifecycle

import (
	"context"
	"sync"
	"time"

	"hourbuy/internal/core"
	"hourbuy/internal/telemetry"
	"hourbuy/pkg/orderid"

	"github.com/shopspring/decimal"
)

// instrumentLocks hands out one try-lock per instrument, the idempotency
// primitive spec §4.5/§5 requires to guard concurrent sell attempts: a
// second concurrent attempt for the same instrument exits immediately
// instead of blocking.
type instrumentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstrumentLocks() *instrumentLocks {
	return &instrumentLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *instrumentLocks) tryLock(instrument string) (*sync.Mutex, bool) {
	l.mu.Lock()
	lk, ok := l.locks[instrument]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[instrument] = lk
	}
	l.mu.Unlock()
	return lk, lk.TryLock()
}

// TriggerSell is the sell path of spec §4.5: it sweeps every sell-eligible
// row for instrument and, for each, independently advances it toward
// "sold out". The per-instrument try-lock means a second caller arriving
// while a sweep is already in flight is a no-op, not a blocked wait — the
// in-flight sweep will itself pick up whatever became eligible meanwhile
// on the next scheduler tick.
func (m *Manager) TriggerSell(ctx context.Context, instrument string) {
	lock, ok := m.sellLocks.tryLock(instrument)
	if !ok {
		return
	}
	defer lock.Unlock()

	rows, err := m.store.UnsoldEligible(ctx, instrument, time.Now().UnixMilli())
	if err != nil {
		m.logger.Error("sell sweep: list eligible rows failed", "instrument", instrument, "error", err.Error())
		return
	}
	for _, row := range rows {
		m.sellOne(ctx, row)
	}
}

func (m *Manager) sellOne(ctx context.Context, row core.OrderLogRow) {
	log := m.logger.WithField("instrument", row.Instrument).WithField("order_id", row.OrderID)

	if !row.Size.IsPositive() {
		log.Warn("sell skipped: invalid size")
		return
	}

	if row.State == core.OrderStatePartiallyFilled && !m.exchange.IsSimulated() {
		if info, err := m.exchange.GetOrder(ctx, row.Instrument, row.OrderID); err == nil {
			if info.AccFillSize.IsPositive() && !info.AccFillSize.Equal(row.Size) {
				row.Size = info.AccFillSize
				if err := m.store.SetSize(ctx, row.Instrument, row.OrderID, row.Size); err != nil {
					log.Error("failed to persist corrected size", "error", err.Error())
				}
			}
		}
	}

	if row.SellOrderID != "" {
		done := m.reconcileLinkedSell(ctx, &row, log)
		if done {
			return
		}
	}

	m.placeSell(ctx, row, log)
}

// reconcileLinkedSell handles spec §4.5 sell-path step 3: a previously
// placed sell order already linked to this row. Returns true if the row
// is fully resolved for this cycle (either sold out, or correctly left
// for a later retry) and no new sell should be placed now.
func (m *Manager) reconcileLinkedSell(ctx context.Context, row *core.OrderLogRow, log core.ILogger) bool {
	info, err := m.exchange.GetOrder(ctx, row.Instrument, row.SellOrderID)
	if err != nil {
		log.Warn("linked sell order lookup failed, retrying later", "sell_order_id", row.SellOrderID, "error", err.Error())
		return true
	}

	switch {
	case isFilledState(info.State):
		price := firstPositive(info.AvgPrice, info.FillPrice)
		if !price.IsPositive() {
			log.Error("linked sell filled but price unavailable, retrying later", "sell_order_id", row.SellOrderID)
			return true
		}
		m.finalizeSoldOut(ctx, *row, price, false, log)
		return true

	case isLiveState(info.State):
		return true

	default: // canceled or unknown: inspect partials, clear linkage, fall through to replace
		if info.AccFillSize.IsPositive() {
			row.Size = row.Size.Sub(info.AccFillSize)
			if row.Size.IsNegative() {
				row.Size = decimal.Zero
			}
			if err := m.store.SetSize(ctx, row.Instrument, row.OrderID, row.Size); err != nil {
				log.Error("failed to persist size after partial sell cancel", "error", err.Error())
			}
		}
		if err := m.store.SetSellOrderID(ctx, row.Instrument, row.OrderID, ""); err != nil {
			log.Error("failed to clear sell linkage", "error", err.Error())
		}
		row.SellOrderID = ""
		if !row.Size.IsPositive() {
			log.Warn("sell skipped: no size remains after canceled sell")
			return true
		}
		return false
	}
}

// placeSell is spec §4.5 sell-path step 4: place a market sell for the
// remaining size, persist the linkage before polling, and resolve a price
// through the fallback chain once confirmed filled.
func (m *Manager) placeSell(ctx context.Context, row core.OrderLogRow, log core.ILogger) {
	clientOrderID := orderid.Generate(string(row.Strategy), string(core.SideSell))
	sellOrderID, err := m.exchange.PlaceMarketSell(ctx, row.Instrument, row.Size, clientOrderID)
	if err != nil {
		log.Warn("market sell placement failed, retrying next cycle", "error", err.Error())
		return
	}
	if err := m.store.SetSellOrderID(ctx, row.Instrument, row.OrderID, sellOrderID); err != nil {
		log.Error("failed to persist sell linkage", "error", err.Error())
	}

	for attempt := 0; attempt < m.cfg.SellPollAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(m.cfg.SellPollDelay)
		}
		info, err := m.exchange.GetOrder(ctx, row.Instrument, sellOrderID)
		if err != nil {
			log.Warn("sell poll failed", "attempt", attempt, "error", err.Error())
			continue
		}
		if !isFilledState(info.State) {
			continue
		}
		price, provisional := m.resolveSellPrice(ctx, row.Instrument, info)
		if !price.IsPositive() {
			log.Error("sell confirmed filled but no price resolved, retrying next cycle")
			return
		}
		row.SellOrderID = sellOrderID
		m.finalizeSoldOut(ctx, row, price, provisional, log)
		return
	}
	log.Info("sell not yet confirmed within bounded polls, will recheck next cycle", "sell_order_id", sellOrderID)
}

// resolveSellPrice walks spec §4.5's fallback chain: avgPx → fillPx →
// current last from the Price Manager → a fresh ticker fetch. The second
// return reports whether the price came from one of the latter two
// fallbacks rather than the exchange's own report for this fill, so the
// caller can log the sale as made at a provisional price.
func (m *Manager) resolveSellPrice(ctx context.Context, instrument string, info core.OrderInfo) (decimal.Decimal, bool) {
	if p := firstPositive(info.AvgPrice, info.FillPrice); p.IsPositive() {
		return p, false
	}
	if p, ok := m.prices.LastPrice(instrument); ok && p.IsPositive() {
		return p, true
	}
	if p, err := m.exchange.GetTicker(ctx, instrument); err == nil && p.IsPositive() {
		return p, true
	}
	return decimal.Zero, false
}

func (m *Manager) finalizeSoldOut(ctx context.Context, row core.OrderLogRow, price decimal.Decimal, provisional bool, log core.ILogger) {
	if err := m.store.MarkSoldOut(ctx, row.Instrument, row.OrderID, price); err != nil {
		log.Error("failed to mark sold out", "error", err.Error())
		return
	}
	if provisional {
		log.Warn("sold out at a provisional price", "price", price.String(), "source", "ticker_fallback")
	}
	m.active.delete(row.Strategy, row.OrderID)
	m.ReleaseSold(row.Strategy, row.Instrument)
	telemetry.GetGlobalMetrics().RecordOrderSold(ctx, string(row.Strategy))
}

func isLiveState(state string) bool {
	switch state {
	case "live", "LIVE", "partially_filled", "PARTIALLY_FILLED":
		return true
	default:
		return false
	}
}
