package strategy

import (
	"context"
	"sync"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

// HourLimit is spec §4.4 strategy 1: stateless, fires on the first
// qualifying tick and then waits for its in-flight buy to resolve before
// firing again for the same instrument.
type HourLimit struct {
	deps Deps

	mu     sync.Mutex
	active map[string]bool
}

func NewHourLimit(deps Deps) *HourLimit {
	return &HourLimit{deps: deps, active: make(map[string]bool)}
}

func (h *HourLimit) Tag() core.StrategyTag { return core.StrategyHourLimit }

func (h *HourLimit) OnTick(ctx context.Context, instrument string, price decimal.Decimal, at time.Time) {
	h.mu.Lock()
	if h.active[instrument] {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	limit, ok := commonGate(ctx, h.deps, instrument, price)
	if !ok {
		return
	}

	h.mu.Lock()
	if h.active[instrument] {
		h.mu.Unlock()
		return
	}
	h.active[instrument] = true
	h.mu.Unlock()

	h.deps.Submitter.Submit(core.BuySignal{
		Instrument: instrument,
		Strategy:   core.StrategyHourLimit,
		LimitPrice: limit,
		USDTAmount: h.deps.TradingUSDT,
		At:         at,
	})
}

// Release clears the active guard once the lifecycle manager resolves
// this instrument's hour-limit order (canceled or rejected, or sold out);
// a fill alone does not release it.
func (h *HourLimit) Release(instrument string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, instrument)
}
