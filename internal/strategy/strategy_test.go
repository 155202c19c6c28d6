package strategy

import (
	"context"
	"testing"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	instruments map[string]core.Instrument
	blacklisted map[string]bool
}

func (r *fakeRegistry) Snapshot() []core.Instrument {
	out := make([]core.Instrument, 0, len(r.instruments))
	for _, i := range r.instruments {
		out = append(out, i)
	}
	return out
}
func (r *fakeRegistry) Get(symbol string) (core.Instrument, bool) {
	i, ok := r.instruments[symbol]
	return i, ok
}
func (r *fakeRegistry) IsBlacklisted(base string) bool  { return r.blacklisted[base] }
func (r *fakeRegistry) OnAdded(fn func(core.Instrument)) {}
func (r *fakeRegistry) OnRemoved(fn func(string))        {}

type fakePrices struct {
	reference decimal.Decimal
	known     bool
	vetoGain  bool
}

func (p *fakePrices) OnTick(instrument string, price decimal.Decimal, at time.Time) {}
func (p *fakePrices) LastPrice(instrument string) (decimal.Decimal, bool)           { return decimal.Zero, false }
func (p *fakePrices) ReferenceFor(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	return p.reference, p.known
}
func (p *fakePrices) TwoHourGainFilter(ctx context.Context, instrument string, currentOpen decimal.Decimal) (bool, decimal.Decimal) {
	return p.vetoGain, decimal.Zero
}
func (p *fakePrices) RefreshAllAtHourBoundary(ctx context.Context) {}

type fakeSubmitter struct {
	signals []core.BuySignal
}

func (s *fakeSubmitter) Submit(signal core.BuySignal) {
	s.signals = append(s.signals, signal)
}

func testDeps(limitPercent float64, reference decimal.Decimal) (Deps, *fakeSubmitter) {
	reg := &fakeRegistry{
		instruments: map[string]core.Instrument{
			"BTC-USDT": {Symbol: "BTC-USDT", LimitPercent: decimal.NewFromFloat(limitPercent)},
		},
		blacklisted: map[string]bool{},
	}
	prices := &fakePrices{reference: reference, known: true}
	sub := &fakeSubmitter{}
	return Deps{Registry: reg, Prices: prices, Submitter: sub, TradingUSDT: decimal.NewFromInt(100)}, sub
}

func TestHourLimit_SubmitsOnceBelowLimit(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	hl := NewHourLimit(deps)

	hl.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98.9), time.Now())
	require.Len(t, sub.signals, 1)
	assert.Equal(t, core.StrategyHourLimit, sub.signals[0].Strategy)

	// Second tick while still active must not resubmit.
	hl.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98.5), time.Now())
	assert.Len(t, sub.signals, 1)

	hl.Release("BTC-USDT")
	hl.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98.5), time.Now())
	assert.Len(t, sub.signals, 2)
}

func TestHourLimit_AboveLimitDoesNotSubmit(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	hl := NewHourLimit(deps)
	hl.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(99.5), time.Now())
	assert.Empty(t, sub.signals)
}

func TestStable_RequiresSustainedDip(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	st := NewStable(deps, 10*time.Second)

	start := time.Now()
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start)
	assert.Empty(t, sub.signals)

	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start.Add(5*time.Second))
	assert.Empty(t, sub.signals)

	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start.Add(11*time.Second))
	require.Len(t, sub.signals, 1)
}

func TestStable_PriceRiseResetsTimer(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	st := NewStable(deps, 10*time.Second)

	start := time.Now()
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start)
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(99.5), start.Add(2*time.Second)) // above limit, resets
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start.Add(11*time.Second))
	assert.Empty(t, sub.signals) // the dip restarted at 11s, so no time has accumulated yet
}

func TestStable_GainFilterVetoDoesNotResetTimer(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	st := NewStable(deps, 10*time.Second)

	start := time.Now()
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start)
	assert.Empty(t, sub.signals)

	// Gain filter vetoes this tick, but price is still at-or-below limit:
	// the accumulator must keep running rather than reset.
	deps.Prices.(*fakePrices).vetoGain = true
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start.Add(5*time.Second))
	assert.Empty(t, sub.signals)

	deps.Prices.(*fakePrices).vetoGain = false
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start.Add(11*time.Second))
	require.Len(t, sub.signals, 1)
}

func TestStable_BlacklistVetoDoesNotResetTimer(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	st := NewStable(deps, 10*time.Second)

	start := time.Now()
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start)
	assert.Empty(t, sub.signals)

	deps.Registry.(*fakeRegistry).blacklisted["BTC"] = true
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start.Add(5*time.Second))
	assert.Empty(t, sub.signals)

	deps.Registry.(*fakeRegistry).blacklisted["BTC"] = false
	st.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), start.Add(11*time.Second))
	require.Len(t, sub.signals, 1)
}

func TestBatch_EmitsThreeSlotsWithFractions(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	b := NewBatch(deps, 10*time.Minute)

	now := time.Now()
	b.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), now)
	require.Len(t, sub.signals, 1)
	assert.Equal(t, 1, sub.signals[0].BatchSlot)
	assert.True(t, sub.signals[0].USDTAmount.Equal(decimal.NewFromInt(30)))

	// Still pending (no fill notification yet): no second signal.
	b.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), now.Add(time.Second))
	assert.Len(t, sub.signals, 1)

	b.NotifyFilled("BTC-USDT", now)
	// Within min delay: still no second slot.
	b.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), now.Add(time.Minute))
	assert.Len(t, sub.signals, 1)

	b.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), now.Add(11*time.Minute))
	require.Len(t, sub.signals, 2)
	assert.Equal(t, 2, sub.signals[1].BatchSlot)
	assert.True(t, sub.signals[1].USDTAmount.Equal(decimal.NewFromInt(30)))
}

func TestOriginalGap_CooldownAfterFill(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	g := NewOriginalGap(deps, 30*time.Minute)

	now := time.Now()
	g.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), now)
	require.Len(t, sub.signals, 1)
	g.NotifyFilled(now)

	g.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), now.Add(time.Minute))
	assert.Len(t, sub.signals, 1)

	g.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), now.Add(31*time.Minute))
	assert.Len(t, sub.signals, 2)
}

func TestCommonGate_BlacklistedInstrumentBlocked(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	deps.Registry.(*fakeRegistry).blacklisted["BTC"] = true
	hl := NewHourLimit(deps)
	hl.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), time.Now())
	assert.Empty(t, sub.signals)
}

func TestCommonGate_GainFilterVetoesBuy(t *testing.T) {
	deps, sub := testDeps(99, decimal.NewFromInt(100))
	deps.Prices.(*fakePrices).vetoGain = true
	hl := NewHourLimit(deps)
	hl.OnTick(context.Background(), "BTC-USDT", decimal.NewFromFloat(98), time.Now())
	assert.Empty(t, sub.signals)
}
