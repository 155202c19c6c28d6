package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

// simExchange is an in-memory core.IExchange used in simulation mode and
// by tests, grounded on mock/exchange.go's in-memory order book. Limit
// buys fill immediately at the requested price, or at the last known
// ticker when that is lower; market sells fill immediately at the last
// known ticker, since the engine has no matching-engine depth to simulate
// against.
type simExchange struct {
	mu       sync.Mutex
	orders   map[string]*simOrder
	orderSeq int64

	tickers   map[string]decimal.Decimal
	precision map[string]core.InstrumentPrecision

	tickerCB core.TickerCallback
	candleCB core.CandleCallback
	onResub  []func()

	logger core.ILogger
}

type simOrder struct {
	instrument  string
	side        string
	state       string
	price       decimal.Decimal
	size        decimal.Decimal
	fillPrice   decimal.Decimal
	fillSize    decimal.Decimal
	fillTime    time.Time
	hasFillTime bool
}

func newSimExchange(logger core.ILogger) *simExchange {
	return &simExchange{
		orders:    make(map[string]*simOrder),
		tickers:   make(map[string]decimal.Decimal),
		precision: make(map[string]core.InstrumentPrecision),
		logger:    logger.WithField("component", "simulated_exchange"),
	}
}

func (s *simExchange) nextOrderID() string {
	s.orderSeq++
	return fmt.Sprintf("sim-%d-%d", time.Now().UnixMilli(), s.orderSeq)
}

// orderKey resolves the internal order map key for a request: OKX allows
// looking an order up by its client order id, so our own generated client
// order id (pkg/orderid) doubles as the exchange-facing order id
// throughout this simulated exchange and the real REST client alike. A
// second PlaceLimitBuy/PlaceMarketSell with the same client order id is
// the exchange's own idempotent-resubmit guarantee, not a new order.
func (s *simExchange) orderKey(clientOrderID string) string {
	if clientOrderID != "" {
		return clientOrderID
	}
	return s.nextOrderID()
}

func (s *simExchange) PlaceLimitBuy(ctx context.Context, instrument string, price, size decimal.Decimal, clientOrderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.orderKey(clientOrderID)
	if _, exists := s.orders[id]; exists {
		return id, nil
	}

	fillPrice := price
	if last, ok := s.tickers[instrument]; ok && last.IsPositive() && last.LessThan(price) {
		fillPrice = last
	}

	now := time.Now()
	s.orders[id] = &simOrder{
		instrument:  instrument,
		side:        "buy",
		state:       "filled",
		price:       price,
		size:        size,
		fillPrice:   fillPrice,
		fillSize:    size,
		fillTime:    now,
		hasFillTime: true,
	}
	return id, nil
}

func (s *simExchange) PlaceMarketSell(ctx context.Context, instrument string, size decimal.Decimal, clientOrderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.orderKey(clientOrderID)
	if _, exists := s.orders[id]; exists {
		return id, nil
	}

	price := s.tickers[instrument]
	now := time.Now()
	s.orders[id] = &simOrder{
		instrument:  instrument,
		side:        "sell",
		state:       "filled",
		price:       price,
		size:        size,
		fillPrice:   price,
		fillSize:    size,
		fillTime:    now,
		hasFillTime: true,
	}
	return id, nil
}

func (s *simExchange) GetOrder(ctx context.Context, instrument, orderID string) (core.OrderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return core.OrderInfo{}, errOrderNotFound
	}
	return core.OrderInfo{
		OrderID:       orderID,
		State:         o.state,
		AvgPrice:      o.fillPrice,
		FillPrice:     o.fillPrice,
		AccFillSize:   o.fillSize,
		RequestedSize: o.size,
		FillTime:      o.fillTime,
		HasFillTime:   o.hasFillTime,
	}, nil
}

func (s *simExchange) CancelOrder(ctx context.Context, instrument, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return errOrderNotFound
	}
	if o.state == "filled" {
		return nil
	}
	o.state = "canceled"
	return nil
}

func (s *simExchange) GetTicker(ctx context.Context, instrument string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.tickers[instrument]; ok {
		return p, nil
	}
	return decimal.Zero, nil
}

func (s *simExchange) GetHourlyCandles(ctx context.Context, instrument string, count int) ([]core.Candle, error) {
	s.mu.Lock()
	price := s.tickers[instrument]
	s.mu.Unlock()

	out := make([]core.Candle, 0, count)
	now := time.Now().Truncate(time.Hour)
	for i := 0; i < count; i++ {
		out = append(out, core.Candle{
			Instrument: instrument,
			Timestamp:  now.Add(-time.Duration(i) * time.Hour),
			Open:       price,
			High:       price,
			Low:        price,
			Close:      price,
			Confirmed:  true,
		})
	}
	return out, nil
}

func (s *simExchange) GetInstrumentPrecision(ctx context.Context, instrument string) (core.InstrumentPrecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.precision[instrument]; ok {
		return p, nil
	}
	return core.InstrumentPrecision{
		TickSize: decimal.NewFromFloat(0.0001),
		LotSize:  decimal.NewFromFloat(0.01),
		MinSize:  decimal.NewFromFloat(0.01),
	}, nil
}

func (s *simExchange) SubscribeTickers(ctx context.Context, symbols []string, cb core.TickerCallback) error {
	s.mu.Lock()
	s.tickerCB = cb
	s.mu.Unlock()
	return nil
}

func (s *simExchange) UnsubscribeTicker(symbol string) {}

func (s *simExchange) SubscribeCandles(ctx context.Context, symbols []string, cb core.CandleCallback) error {
	s.mu.Lock()
	s.candleCB = cb
	s.mu.Unlock()
	return nil
}

func (s *simExchange) UnsubscribeCandle(symbol string) {}

func (s *simExchange) OnResubscribed(fn func()) {
	s.mu.Lock()
	s.onResub = append(s.onResub, fn)
	s.mu.Unlock()
}

// PushTicker feeds a synthetic ticker update, used by tests and by a
// simulation-mode driver that replays historical prices.
func (s *simExchange) PushTicker(instrument string, price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	s.tickers[instrument] = price
	cb := s.tickerCB
	s.mu.Unlock()
	if cb != nil {
		cb(instrument, price, at)
	}
}

// PushCandle feeds a synthetic candle, used by tests.
func (s *simExchange) PushCandle(candle core.Candle) {
	s.mu.Lock()
	cb := s.candleCB
	s.mu.Unlock()
	if cb != nil {
		cb(candle)
	}
}

// SetPrecision overrides the default precision used for an instrument,
// used by tests that need specific tick/lot sizes.
func (s *simExchange) SetPrecision(instrument string, p core.InstrumentPrecision) {
	s.mu.Lock()
	s.precision[instrument] = p
	s.mu.Unlock()
}
