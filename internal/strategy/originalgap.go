package strategy

import (
	"context"
	"sync"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

// OriginalGap is spec §4.4 strategy 4: a single global cooldown across
// all instruments, so at most one gap-strategy buy may be in flight or
// recently filled engine-wide.
type OriginalGap struct {
	deps     Deps
	Cooldown time.Duration

	mu         sync.Mutex
	lastBuyAt  time.Time
	hasLastBuy bool
	pending    bool
}

func NewOriginalGap(deps Deps, cooldown time.Duration) *OriginalGap {
	return &OriginalGap{deps: deps, Cooldown: cooldown}
}

func (g *OriginalGap) Tag() core.StrategyTag { return core.StrategyOriginalGap }

func (g *OriginalGap) OnTick(ctx context.Context, instrument string, price decimal.Decimal, at time.Time) {
	g.mu.Lock()
	if g.pending {
		g.mu.Unlock()
		return
	}
	if g.hasLastBuy && at.Sub(g.lastBuyAt) < g.Cooldown {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	limit, ok := commonGate(ctx, g.deps, instrument, price)
	if !ok {
		return
	}

	g.mu.Lock()
	if g.pending || (g.hasLastBuy && at.Sub(g.lastBuyAt) < g.Cooldown) {
		g.mu.Unlock()
		return
	}
	g.pending = true
	g.mu.Unlock()

	g.deps.Submitter.Submit(core.BuySignal{
		Instrument: instrument,
		Strategy:   core.StrategyOriginalGap,
		LimitPrice: limit,
		USDTAmount: g.deps.TradingUSDT,
		At:         at,
	})
}

// NotifyFilled starts the cooldown once the gap-strategy buy fills.
func (g *OriginalGap) NotifyFilled(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = false
	g.hasLastBuy = true
	g.lastBuyAt = at
}

// NotifyFailed clears the pending guard without starting the cooldown,
// called when the gap buy is canceled rather than filled.
func (g *OriginalGap) NotifyFailed() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = false
}

// RestoreFromLog validates the cooldown against the order log on startup
// (spec §4.4: "validated against the order log on startup").
func (g *OriginalGap) RestoreFromLog(lastBuyAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasLastBuy = true
	g.lastBuyAt = lastBuyAt
}
