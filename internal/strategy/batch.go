package strategy

import (
	"context"
	"sync"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

// batchSlotFractions are the 30%/30%/40% splits of the per-trade USDT
// amount across the batch strategy's three staggered slots (spec §4.4).
var batchSlotFractions = []decimal.Decimal{
	decimal.NewFromFloat(0.30),
	decimal.NewFromFloat(0.30),
	decimal.NewFromFloat(0.40),
}

type batchState struct {
	nextSlot   int // 0..2; 3 means the sequence is complete
	lastFillAt time.Time
	hasFill    bool
	pending    bool

	// firstFillAt is the first slot's fill time, set once and then
	// threaded into every later slot's BuySignal so all three exit
	// together (spec §4.4 strategy 3), instead of each slot's own fill
	// time setting its own exit deadline.
	firstFillAt  time.Time
	hasFirstFill bool
}

// Batch is spec §4.4 strategy 3: a three-slot sequence per instrument,
// each slot gated by a minimum delay since the previous slot's fill. All
// three fills exit together at the deadline set by the first fill; the
// lifecycle manager is the one holding all three order ids.
type Batch struct {
	deps     Deps
	MinDelay time.Duration

	mu    sync.Mutex
	slots map[string]*batchState
}

func NewBatch(deps Deps, minDelay time.Duration) *Batch {
	return &Batch{deps: deps, MinDelay: minDelay, slots: make(map[string]*batchState)}
}

func (b *Batch) Tag() core.StrategyTag { return core.StrategyBatch }

func (b *Batch) OnTick(ctx context.Context, instrument string, price decimal.Decimal, at time.Time) {
	b.mu.Lock()
	st, ok := b.slots[instrument]
	if !ok {
		st = &batchState{}
		b.slots[instrument] = st
	}
	if st.pending || st.nextSlot >= len(batchSlotFractions) {
		b.mu.Unlock()
		return
	}
	if st.hasFill && at.Sub(st.lastFillAt) < b.MinDelay {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	limit, gateOK := commonGate(ctx, b.deps, instrument, price)
	if !gateOK {
		return
	}

	b.mu.Lock()
	if st.pending || st.nextSlot >= len(batchSlotFractions) {
		b.mu.Unlock()
		return
	}
	slot := st.nextSlot
	st.pending = true
	firstFillAt, hasFirstFill := st.firstFillAt, st.hasFirstFill
	b.mu.Unlock()

	amount := b.deps.TradingUSDT.Mul(batchSlotFractions[slot])
	b.deps.Submitter.Submit(core.BuySignal{
		Instrument:         instrument,
		Strategy:           core.StrategyBatch,
		LimitPrice:         limit,
		USDTAmount:         amount,
		BatchSlot:          slot + 1,
		HasBatchFirstFill:  hasFirstFill,
		BatchFirstFillTime: firstFillAt,
		At:                 at,
	})
}

// NotifyFilled advances the sequence and starts the inter-slot delay
// timer, called by the lifecycle manager once a batch slot's buy fills.
func (b *Batch) NotifyFilled(instrument string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.slots[instrument]
	if !ok {
		return
	}
	st.pending = false
	st.hasFill = true
	st.lastFillAt = at
	if !st.hasFirstFill {
		st.firstFillAt = at
		st.hasFirstFill = true
	}
	st.nextSlot++
}

// NotifyFailed resets the current slot so it may be retried, called when
// a batch slot's buy is canceled (spec §4.5 buy-path timeout branch).
func (b *Batch) NotifyFailed(instrument string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.slots[instrument]; ok {
		st.pending = false
	}
}
