package lifecycle

import (
	"sync"

	"hourbuy/internal/core"
)

// activeOrders is the per-strategy in-memory ActiveOrder map described by
// spec §5: one coarse lock over all cross-task mutable order state, since
// the DB remains the ultimate authority and this is only a cache used to
// avoid re-querying it on every tick.
type activeOrders struct {
	mu    sync.Mutex
	byTag map[core.StrategyTag]map[string]*core.ActiveOrder
}

func newActiveOrders() *activeOrders {
	return &activeOrders{
		byTag: map[core.StrategyTag]map[string]*core.ActiveOrder{
			core.StrategyHourLimit:   {},
			core.StrategyStable:      {},
			core.StrategyBatch:       {},
			core.StrategyOriginalGap: {},
		},
	}
}

func (a *activeOrders) put(strategy core.StrategyTag, orderID string, order *core.ActiveOrder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.byTag[strategy]
	if !ok {
		m = make(map[string]*core.ActiveOrder)
		a.byTag[strategy] = m
	}
	m[orderID] = order
}

func (a *activeOrders) delete(strategy core.StrategyTag, orderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byTag[strategy], orderID)
}

func (a *activeOrders) get(strategy core.StrategyTag, orderID string) (*core.ActiveOrder, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.byTag[strategy][orderID]
	return o, ok
}

func (a *activeOrders) update(strategy core.StrategyTag, orderID string, fn func(*core.ActiveOrder)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.byTag[strategy][orderID]; ok {
		fn(o)
	}
}

// markTriggered sets SellTriggered true iff it was false, the dedup fence
// shared by the sell scheduler (C6) and candle dispatcher (C8).
func (a *activeOrders) markTriggered(strategy core.StrategyTag, orderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.byTag[strategy][orderID]
	if !ok || o.SellTriggered {
		return false
	}
	o.SellTriggered = true
	return true
}

// snapshot returns a shallow copy of the live pointers for one strategy,
// safe to range over without holding the lock.
func (a *activeOrders) snapshot(strategy core.StrategyTag) []*core.ActiveOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.byTag[strategy]
	out := make([]*core.ActiveOrder, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	return out
}

// snapshotInstrument returns every active order for one instrument across
// all four strategies.
func (a *activeOrders) snapshotInstrument(instrument string) []*core.ActiveOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*core.ActiveOrder
	for _, m := range a.byTag {
		for _, o := range m {
			if o.Instrument == instrument {
				out = append(out, o)
			}
		}
	}
	return out
}

// all returns every active order across every strategy, used by the
// memory→DB sync half of the recovery manager (spec §4.7(i)).
func (a *activeOrders) all() []*core.ActiveOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*core.ActiveOrder
	for _, m := range a.byTag {
		for _, o := range m {
			out = append(out, o)
		}
	}
	return out
}
