// Package recovery implements the Recovery / Sync Manager (spec §4.7):
// memory→DB eviction of already-sold-out orders, DB→memory reconstruction
// of ActiveOrders the in-memory maps lost (process restart, missed
// events), and a daily deep scan widening the recovery window to catch
// whatever the fast path missed, grounded on
// market_maker/internal/risk/reconciler.go's ticker-driven reconcile loop
// and ghost-order detection idiom.
package recovery

import (
	"context"
	"time"

	"hourbuy/internal/core"
	"hourbuy/internal/lifecycle"

	"github.com/robfig/cron/v3"
)

// lifecycleManager is the narrow slice of *lifecycle.Manager the recovery
// manager depends on.
type lifecycleManager interface {
	All() []*core.ActiveOrder
	AdoptRecovered(order *core.ActiveOrder)
	EvictSoldOut(strategy core.StrategyTag, orderID string)
	TriggerSell(ctx context.Context, instrument string)
}

// Config holds the recovery manager's window/limit knobs (spec §4.7).
type Config struct {
	FastWindow time.Duration // 24h
	FastLimit  int           // 100 rows
	DeepWindow time.Duration // 7 days
	DeepLimit  int           // 500 rows
	// LookupBudgetPerCycle caps how many GetOrder calls one recovery cycle
	// may issue while reconstructing fill times, so a large backlog cannot
	// storm the exchange (spec §4.7(iii): "a rate limit caps API lookups
	// per cycle"). Zero means unbounded.
	LookupBudgetPerCycle int
}

// DefaultConfig returns the spec's stated windows.
func DefaultConfig() Config {
	return Config{
		FastWindow:           24 * time.Hour,
		FastLimit:            100,
		DeepWindow:           7 * 24 * time.Hour,
		DeepLimit:            500,
		LookupBudgetPerCycle: 50,
	}
}

// Manager runs the three duties of spec §4.7 on a cron schedule that
// mirrors the sell scheduler's minute-55/minute-59 wakeups, plus a daily
// deep scan.
type Manager struct {
	cfg       Config
	store     core.IOrderStore
	exchange  core.IExchange
	lifecycle lifecycleManager
	cron      *cron.Cron
	logger    core.ILogger
}

// New builds a recovery Manager.
func New(cfg Config, store core.IOrderStore, exchange core.IExchange, lifecycleMgr lifecycleManager, logger core.ILogger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		exchange:  exchange,
		lifecycle: lifecycleMgr,
		cron:      cron.New(),
		logger:    logger.WithField("component", "recovery"),
	}
}

// RunStartupRecovery is spec §4.7(ii)'s "at startup" trigger: a fast-window
// DB→memory scan run once before the engine starts admitting new buys, so
// a restart never orphans a filled-but-unsold position.
func (m *Manager) RunStartupRecovery(ctx context.Context) {
	m.recoverFromDB(ctx, m.cfg.FastWindow, m.cfg.FastLimit)
}

// Start registers the cron triggers and begins running them.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc("55 * * * *", m.fastCycle); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("59 * * * *", m.fastCycle); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("@daily", m.deepCycle); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop blocks until any cycle already in flight completes.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Manager) fastCycle() {
	ctx := context.Background()
	m.syncMemoryToDB(ctx)
	m.recoverFromDB(ctx, m.cfg.FastWindow, m.cfg.FastLimit)
}

func (m *Manager) deepCycle() {
	m.recoverFromDB(context.Background(), m.cfg.DeepWindow, m.cfg.DeepLimit)
}

// syncMemoryToDB is spec §4.7(i): any in-memory ActiveOrder already sold
// out in the log is stale and is evicted.
func (m *Manager) syncMemoryToDB(ctx context.Context) {
	for _, order := range m.lifecycle.All() {
		row, ok, err := m.store.Get(ctx, order.Instrument, order.BuyOrderID)
		if err != nil {
			m.logger.Error("memory sync: log lookup failed", "order_id", order.BuyOrderID, "error", err.Error())
			continue
		}
		if ok && row.State == core.OrderStateSoldOut {
			m.lifecycle.EvictSoldOut(order.Strategy, order.BuyOrderID)
		}
	}
}

// recoverFromDB is spec §4.7(ii)/(iii): scan the log window for rows not
// already tracked in memory, reconstruct their ActiveOrder, and trigger an
// immediate sell for anything whose exit window has already passed.
func (m *Manager) recoverFromDB(ctx context.Context, window time.Duration, limit int) {
	since := time.Now().Add(-window).UnixMilli()
	rows, err := m.store.RecoveryWindow(ctx, since, limit)
	if err != nil {
		m.logger.Error("recovery scan failed", "error", err.Error())
		return
	}

	known := m.knownOrderIDs()
	lookups := 0
	now := time.Now()

	for _, row := range rows {
		if known[orderKey(row.Instrument, row.OrderID)] {
			continue
		}
		if m.cfg.LookupBudgetPerCycle > 0 && lookups >= m.cfg.LookupBudgetPerCycle {
			m.logger.Warn("recovery lookup budget exhausted, remaining rows deferred to next cycle")
			break
		}
		lookups++

		order := m.reconstruct(ctx, row)
		m.lifecycle.AdoptRecovered(order)
		m.logger.Info("recovered active order", "instrument", order.Instrument, "order_id", order.BuyOrderID)

		if !order.NextHourClose.After(now) {
			m.lifecycle.TriggerSell(ctx, order.Instrument)
		}
	}
}

func (m *Manager) knownOrderIDs() map[string]bool {
	out := make(map[string]bool)
	for _, o := range m.lifecycle.All() {
		out[orderKey(o.Instrument, o.BuyOrderID)] = true
	}
	return out
}

// reconstruct rebuilds an ActiveOrder from a persisted row, preferring the
// exchange's own fill time when reachable (spec §4.7(ii)).
func (m *Manager) reconstruct(ctx context.Context, row core.OrderLogRow) *core.ActiveOrder {
	// Falling back to create_time can put the exit one hour early when the fill came in a later hour.
	fillTime := time.UnixMilli(row.CreateTimeMs)
	if info, err := m.exchange.GetOrder(ctx, row.Instrument, row.OrderID); err == nil && info.HasFillTime {
		fillTime = info.FillTime
	}

	return &core.ActiveOrder{
		Instrument:    row.Instrument,
		Strategy:      row.Strategy,
		BuyOrderID:    row.OrderID,
		FillPrice:     row.Price,
		FilledSize:    row.Size,
		CreateTime:    time.UnixMilli(row.CreateTimeMs),
		FillTime:      fillTime,
		NextHourClose: lifecycle.Minute55After(fillTime),
		SellOrderID:   row.SellOrderID,
	}
}

func orderKey(instrument, orderID string) string {
	return instrument + "|" + orderID
}
