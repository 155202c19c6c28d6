// Package strategy implements the four buy-signal evaluators of spec
// §4.4, each fed by every price tick and each owning its own
// per-instrument state, grounded on the per-slot FSM-with-own-mutex
// idiom of internal/trading/grid/slot_manager.go generalized from grid
// slots to buy-admission state.
package strategy

import (
	"context"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

// Evaluator is implemented by each of the four strategies; the engine
// feeds every price tick to every evaluator independently.
type Evaluator interface {
	Tag() core.StrategyTag
	OnTick(ctx context.Context, instrument string, price decimal.Decimal, at time.Time)
}

// Deps bundles the collaborators every strategy needs to run the common
// gate (spec §4.4): reference price, the gain filter, the blacklist, and
// the sink for an admitted signal.
type Deps struct {
	Registry   core.InstrumentRegistry
	Prices     core.PriceSource
	Submitter  core.BuySubmitter
	TradingUSDT decimal.Decimal
}

// commonGate applies spec §4.4's gating shared by all four strategies:
// reference known, price <= limit, gain filter doesn't veto, not
// blacklisted. Returns the limit price and whether the gate passed.
func commonGate(ctx context.Context, deps Deps, instrument string, price decimal.Decimal) (limit decimal.Decimal, ok bool) {
	inst, found := deps.Registry.Get(instrument)
	if !found {
		return decimal.Zero, false
	}
	if deps.Registry.IsBlacklisted(inst.BaseAsset()) {
		return decimal.Zero, false
	}

	reference, known := deps.Prices.ReferenceFor(ctx, instrument)
	if !known {
		return decimal.Zero, false
	}

	limit = reference.Mul(inst.LimitPercent).Div(decimal.NewFromInt(100))
	if price.GreaterThan(limit) {
		return decimal.Zero, false
	}

	skip, _ := deps.Prices.TwoHourGainFilter(ctx, instrument, reference)
	if skip {
		return decimal.Zero, false
	}

	return limit, true
}

// priceExceedsLimit reports whether price is confirmed above instrument's
// current reference-derived limit, independent of the blacklist and
// gain-filter vetoes commonGate also applies. Strategy 2's stability
// accumulator clears only on this condition (spec §4.4: "if price > limit,
// clear it") — a blacklist hit or a gain-filter veto must not reset a
// timer that a still-below-limit price would otherwise keep running. An
// unknown instrument or reference can't confirm price is above the limit,
// so it reports false rather than clearing the accumulator speculatively.
func priceExceedsLimit(ctx context.Context, deps Deps, instrument string, price decimal.Decimal) bool {
	inst, found := deps.Registry.Get(instrument)
	if !found {
		return false
	}
	reference, known := deps.Prices.ReferenceFor(ctx, instrument)
	if !known {
		return false
	}
	limit := reference.Mul(inst.LimitPercent).Div(decimal.NewFromInt(100))
	return price.GreaterThan(limit)
}
