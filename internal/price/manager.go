// Package price implements the Price Manager (spec §4.3): per-instrument
// last-price and hourly-open tracking, exponential-backoff hour-open
// refetch, and the 2-hour gain veto consulted by every strategy.
package price

import (
	"context"
	"math"
	"sync"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

type instrumentState struct {
	last       core.PricePoint
	hasLast    bool
	hourlyOpen core.HourlyOpen
	hasHourly  bool
}

// Manager is the core.PriceSource implementation.
type Manager struct {
	mu       sync.RWMutex
	state    map[string]*instrumentState
	exchange core.IExchange
	logger   core.ILogger

	// GainVetoPercent is the 2-hour gain filter's veto threshold (spec
	// §4.3 default: 5).
	GainVetoPercent decimal.Decimal
}

// New builds a Manager bound to exchange for hour-open and candle fetches.
func New(exchange core.IExchange, gainVetoPercent decimal.Decimal, logger core.ILogger) *Manager {
	return &Manager{
		state:           make(map[string]*instrumentState),
		exchange:        exchange,
		logger:          logger.WithField("component", "price_manager"),
		GainVetoPercent: gainVetoPercent,
	}
}

func (m *Manager) stateFor(instrument string) *instrumentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[instrument]
	if !ok {
		s = &instrumentState{}
		m.state[instrument] = s
	}
	return s
}

// OnTick records the latest traded price and resets the hour-open
// failed-fetch counter, per spec §4.3.
func (m *Manager) OnTick(instrument string, p decimal.Decimal, at time.Time) {
	s := m.stateFor(instrument)
	m.mu.Lock()
	s.last = core.PricePoint{Price: p, At: at}
	s.hasLast = true
	s.hourlyOpen.FailureCount = 0
	m.mu.Unlock()
}

func (m *Manager) LastPrice(instrument string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.state[instrument]
	if !ok || !s.hasLast {
		return decimal.Zero, false
	}
	return s.last.Price, true
}

// ReferenceFor returns the current hourly open if known; otherwise it
// triggers a gated REST fetch, per the backoff formula min(5*2^k, 60)s.
func (m *Manager) ReferenceFor(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	s := m.stateFor(instrument)

	m.mu.RLock()
	if s.hasHourly {
		price := s.hourlyOpen.Price
		m.mu.RUnlock()
		return price, true
	}
	fetchedAt := s.hourlyOpen.FetchedAt
	failures := s.hourlyOpen.FailureCount
	m.mu.RUnlock()

	if !fetchedAt.IsZero() {
		backoff := backoffFor(failures)
		if time.Since(fetchedAt) < backoff {
			return decimal.Zero, false
		}
	}

	candles, err := m.exchange.GetHourlyCandles(ctx, instrument, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.hourlyOpen.FetchedAt = time.Now()
	if err != nil || len(candles) == 0 {
		s.hourlyOpen.FailureCount++
		m.logger.Warn("hour-open fetch failed", "instrument", instrument, "error", errString(err))
		return decimal.Zero, false
	}

	s.hourlyOpen.Price = candles[0].Open
	s.hourlyOpen.FailureCount = 0
	s.hasHourly = true
	return s.hourlyOpen.Price, true
}

// backoffFor returns min(5*2^k, 60) seconds, per spec §4.3.
func backoffFor(failures int) time.Duration {
	secs := 5 * math.Pow(2, float64(failures))
	if secs > 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// TwoHourGainFilter fetches the last two confirmed hourly candles and
// computes gain from the earlier open to currentOpen. Fail-open: any
// fetch error allows the buy (spec §4.3).
func (m *Manager) TwoHourGainFilter(ctx context.Context, instrument string, currentOpen decimal.Decimal) (bool, decimal.Decimal) {
	candles, err := m.exchange.GetHourlyCandles(ctx, instrument, 2)
	if err != nil || len(candles) < 2 {
		return false, decimal.Zero
	}

	earlierOpen := candles[1].Open
	if earlierOpen.IsZero() {
		return false, decimal.Zero
	}

	gain := currentOpen.Sub(earlierOpen).Div(earlierOpen).Mul(decimal.NewFromInt(100))
	veto := m.GainVetoPercent
	if veto.IsZero() {
		veto = decimal.NewFromInt(5)
	}
	return gain.GreaterThan(veto), gain
}

// RefreshAllAtHourBoundary forces every known instrument's hourly-open
// cache to be refetched on the next ReferenceFor call, invoked by the
// Supervisor at minute >= 1 of a new hour (spec §4.9).
func (m *Manager) RefreshAllAtHourBoundary(ctx context.Context) {
	m.mu.Lock()
	for _, s := range m.state {
		s.hasHourly = false
		s.hourlyOpen = core.HourlyOpen{}
	}
	m.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
