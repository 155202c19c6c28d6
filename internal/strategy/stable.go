package strategy

import (
	"context"
	"sync"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

// Stable is spec §4.4 strategy 2: emits a signal only once the price has
// been continuously at-or-below its limit for StableDuration.
type Stable struct {
	deps           Deps
	StableDuration time.Duration

	mu      sync.Mutex
	belowAt map[string]time.Time
	active  map[string]bool
}

func NewStable(deps Deps, stableDuration time.Duration) *Stable {
	return &Stable{
		deps:           deps,
		StableDuration: stableDuration,
		belowAt:        make(map[string]time.Time),
		active:         make(map[string]bool),
	}
}

func (s *Stable) Tag() core.StrategyTag { return core.StrategyStable }

func (s *Stable) OnTick(ctx context.Context, instrument string, price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	if s.active[instrument] {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if priceExceedsLimit(ctx, s.deps, instrument, price) {
		s.mu.Lock()
		delete(s.belowAt, instrument)
		s.mu.Unlock()
		return
	}

	limit, ok := commonGate(ctx, s.deps, instrument, price)
	if !ok {
		// Price is still at-or-below limit (checked above) but the
		// blacklist or gain-filter vetoed admission this tick; the
		// accumulator keeps running since only price itself clears it.
		return
	}

	s.mu.Lock()
	since, tracking := s.belowAt[instrument]
	if !tracking {
		s.belowAt[instrument] = at
		s.mu.Unlock()
		return
	}

	if at.Sub(since) < s.StableDuration {
		s.mu.Unlock()
		return
	}

	delete(s.belowAt, instrument)
	if s.active[instrument] {
		s.mu.Unlock()
		return
	}
	s.active[instrument] = true
	s.mu.Unlock()

	s.deps.Submitter.Submit(core.BuySignal{
		Instrument: instrument,
		Strategy:   core.StrategyStable,
		LimitPrice: limit,
		USDTAmount: s.deps.TradingUSDT,
		At:         at,
	})
}

// Release clears the active guard once the lifecycle manager resolves
// this instrument's stable order.
func (s *Stable) Release(instrument string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, instrument)
}
