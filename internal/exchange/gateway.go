// Package exchange implements the Exchange Gateway (spec §4.1): a single
// core.IExchange facade over the OKX-shaped REST API and its two
// WebSocket streams (public tickers, business candle1H), plus an in-memory simulation
// mode for development and tests.
package exchange

import (
	"context"
	"sync"
	"time"

	"hourbuy/internal/config"
	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

// Gateway is the production core.IExchange implementation. In simulation
// mode it delegates every call to an in-memory simExchange instead of
// touching the network, grounded on mock/exchange.go.
type Gateway struct {
	rest *restClient

	tickerWS  *wsClient
	candleWS  *wsClient

	mu            sync.Mutex
	tickerSyms    map[string]struct{}
	candleSyms    map[string]struct{}
	tickerCB      core.TickerCallback
	candleCB      core.CandleCallback
	onResub       []func()

	precisionMu sync.RWMutex
	precision   map[string]core.InstrumentPrecision

	sim    *simExchange
	logger core.ILogger
}

// New builds a Gateway. When cfg.SimulationMode is set, REST/WS calls are
// served entirely by an in-memory simulator and no network connection is
// ever made.
func New(cfg config.ExchangeConfig, logger core.ILogger) *Gateway {
	g := &Gateway{
		tickerSyms: make(map[string]struct{}),
		candleSyms: make(map[string]struct{}),
		precision:  make(map[string]core.InstrumentPrecision),
		logger:     logger.WithField("component", "exchange_gateway"),
	}

	if cfg.SimulationMode {
		g.sim = newSimExchange(logger)
		return g
	}

	g.rest = newRestClient(cfg, logger)
	g.tickerWS = newWSClient(cfg.WSPublicURL, g.handleTickerMessage, logger)
	g.candleWS = newWSClient(cfg.WSBusinessURL, g.handleCandleMessage, logger)
	g.tickerWS.SetOnConnected(g.resubscribeTickers)
	g.candleWS.SetOnConnected(g.resubscribeCandles)
	g.tickerWS.Start()
	g.candleWS.Start()
	return g
}

// Close tears down the WebSocket connections; a no-op in simulation mode.
func (g *Gateway) Close() {
	if g.sim != nil {
		return
	}
	g.tickerWS.Stop()
	g.candleWS.Stop()
}

// PushSimTicker feeds a synthetic ticker update in simulation mode; it
// panics if called on a live Gateway, and exists only for tests/replay.
func (g *Gateway) PushSimTicker(instrument string, price decimal.Decimal, at time.Time) {
	g.sim.PushTicker(instrument, price, at)
}

// PushSimCandle feeds a synthetic candle in simulation mode.
func (g *Gateway) PushSimCandle(candle core.Candle) {
	g.sim.PushCandle(candle)
}

func (g *Gateway) IsSimulated() bool { return g.sim != nil }

// PlaceLimitBuy returns the client order id, not the exchange-assigned
// ordId: every later lookup (GetOrder, CancelOrder) addresses the order by
// clOrdId, so the id the lifecycle manager persists and the id it uses to
// poll are the same value it generated up front, before the order ever
// reached the exchange.
func (g *Gateway) PlaceLimitBuy(ctx context.Context, instrument string, price, size decimal.Decimal, clientOrderID string) (string, error) {
	if g.sim != nil {
		return g.sim.PlaceLimitBuy(ctx, instrument, price, size, clientOrderID)
	}
	resp, err := g.rest.placeOrder(ctx, orderReqWire{
		InstID:  instrument,
		TdMode:  "cash",
		Side:    "buy",
		OrdType: "limit",
		Sz:      size.String(),
		Px:      price.String(),
		ClOrdID: clientOrderID,
	})
	if err != nil {
		return "", err
	}
	if resp.SCode != "" && resp.SCode != "0" {
		return "", &APIError{Code: resp.SCode, Message: resp.SMsg}
	}
	return clientOrderID, nil
}

func (g *Gateway) PlaceMarketSell(ctx context.Context, instrument string, size decimal.Decimal, clientOrderID string) (string, error) {
	if g.sim != nil {
		return g.sim.PlaceMarketSell(ctx, instrument, size, clientOrderID)
	}
	resp, err := g.rest.placeOrder(ctx, orderReqWire{
		InstID:  instrument,
		TdMode:  "cash",
		Side:    "sell",
		OrdType: "market",
		Sz:      size.String(),
		ClOrdID: clientOrderID,
	})
	if err != nil {
		return "", err
	}
	if resp.SCode != "" && resp.SCode != "0" {
		return "", &APIError{Code: resp.SCode, Message: resp.SMsg}
	}
	return clientOrderID, nil
}

func (g *Gateway) GetOrder(ctx context.Context, instrument, orderID string) (core.OrderInfo, error) {
	if g.sim != nil {
		return g.sim.GetOrder(ctx, instrument, orderID)
	}
	resp, err := g.rest.getOrder(ctx, instrument, orderID)
	if err != nil {
		return core.OrderInfo{}, err
	}
	return toOrderInfo(resp), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, instrument, orderID string) error {
	if g.sim != nil {
		return g.sim.CancelOrder(ctx, instrument, orderID)
	}
	return g.rest.cancelOrder(ctx, instrument, orderID)
}

func (g *Gateway) GetTicker(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if g.sim != nil {
		return g.sim.GetTicker(ctx, instrument)
	}
	t, err := g.rest.getTicker(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(t.Last), nil
}

func (g *Gateway) GetHourlyCandles(ctx context.Context, instrument string, count int) ([]core.Candle, error) {
	if g.sim != nil {
		return g.sim.GetHourlyCandles(ctx, instrument, count)
	}
	return g.rest.getCandles(ctx, instrument, count)
}

func (g *Gateway) GetInstrumentPrecision(ctx context.Context, instrument string) (core.InstrumentPrecision, error) {
	if g.sim != nil {
		return g.sim.GetInstrumentPrecision(ctx, instrument)
	}

	g.precisionMu.RLock()
	p, ok := g.precision[instrument]
	g.precisionMu.RUnlock()
	if ok {
		return p, nil
	}

	inst, err := g.rest.getInstrument(ctx, instrument)
	if err != nil {
		return core.InstrumentPrecision{}, err
	}
	p = core.InstrumentPrecision{
		TickSize: parseDecimal(inst.TickSz),
		LotSize:  parseDecimal(inst.LotSz),
		MinSize:  parseDecimal(inst.MinSz),
	}
	g.precisionMu.Lock()
	g.precision[instrument] = p
	g.precisionMu.Unlock()
	return p, nil
}

func (g *Gateway) SubscribeTickers(ctx context.Context, symbols []string, cb core.TickerCallback) error {
	if g.sim != nil {
		return g.sim.SubscribeTickers(ctx, symbols, cb)
	}
	g.mu.Lock()
	g.tickerCB = cb
	for _, s := range symbols {
		g.tickerSyms[s] = struct{}{}
	}
	g.mu.Unlock()
	return g.sendSub(g.tickerWS, "tickers", symbols)
}

func (g *Gateway) UnsubscribeTicker(symbol string) {
	if g.sim != nil {
		g.sim.UnsubscribeTicker(symbol)
		return
	}
	g.mu.Lock()
	delete(g.tickerSyms, symbol)
	g.mu.Unlock()
	_ = g.sendUnsub(g.tickerWS, "tickers", []string{symbol})
}

func (g *Gateway) SubscribeCandles(ctx context.Context, symbols []string, cb core.CandleCallback) error {
	if g.sim != nil {
		return g.sim.SubscribeCandles(ctx, symbols, cb)
	}
	g.mu.Lock()
	g.candleCB = cb
	for _, s := range symbols {
		g.candleSyms[s] = struct{}{}
	}
	g.mu.Unlock()
	return g.sendSub(g.candleWS, "candle1H", symbols)
}

func (g *Gateway) UnsubscribeCandle(symbol string) {
	if g.sim != nil {
		g.sim.UnsubscribeCandle(symbol)
		return
	}
	g.mu.Lock()
	delete(g.candleSyms, symbol)
	g.mu.Unlock()
	_ = g.sendUnsub(g.candleWS, "candle1H", []string{symbol})
}

func (g *Gateway) OnResubscribed(fn func()) {
	if g.sim != nil {
		g.sim.OnResubscribed(fn)
		return
	}
	g.mu.Lock()
	g.onResub = append(g.onResub, fn)
	g.mu.Unlock()
}

func (g *Gateway) sendSub(ws *wsClient, channel string, symbols []string) error {
	args := make([]wsSubArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, wsSubArg{Channel: channel, InstID: s})
	}
	return ws.Send(wsSubRequest{Op: "subscribe", Args: args})
}

func (g *Gateway) sendUnsub(ws *wsClient, channel string, symbols []string) error {
	args := make([]wsSubArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, wsSubArg{Channel: channel, InstID: s})
	}
	return ws.Send(wsSubRequest{Op: "unsubscribe", Args: args})
}

// resubscribeTickers reissues all tracked ticker subscriptions after a
// (re)connect and fires the onResub hooks, so upstream price/strategy
// state knows a gap may have occurred.
func (g *Gateway) resubscribeTickers() {
	g.mu.Lock()
	symbols := make([]string, 0, len(g.tickerSyms))
	for s := range g.tickerSyms {
		symbols = append(symbols, s)
	}
	hooks := append([]func(){}, g.onResub...)
	g.mu.Unlock()

	if len(symbols) > 0 {
		if err := g.sendSub(g.tickerWS, "tickers", symbols); err != nil {
			g.logger.Error("ticker resubscribe failed", "error", err.Error())
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

func (g *Gateway) resubscribeCandles() {
	g.mu.Lock()
	symbols := make([]string, 0, len(g.candleSyms))
	for s := range g.candleSyms {
		symbols = append(symbols, s)
	}
	g.mu.Unlock()

	if len(symbols) > 0 {
		if err := g.sendSub(g.candleWS, "candle1H", symbols); err != nil {
			g.logger.Error("candle resubscribe failed", "error", err.Error())
		}
	}
}

func (g *Gateway) handleTickerMessage(message []byte) {
	push, data, ok := decodePush(message)
	if !ok || push.Arg.Channel != "tickers" {
		return
	}
	g.mu.Lock()
	cb := g.tickerCB
	g.mu.Unlock()
	if cb == nil {
		return
	}
	for _, raw := range data {
		var t wsTickerData
		if err := unmarshalInto(raw, &t); err != nil {
			g.logger.Warn("malformed ticker push", "error", err.Error())
			continue
		}
		cb(t.InstID, parseDecimal(t.Last), parseMillis(t.Ts))
	}
}

func (g *Gateway) handleCandleMessage(message []byte) {
	push, data, ok := decodePush(message)
	if !ok || push.Arg.Channel != "candle1H" {
		return
	}
	g.mu.Lock()
	cb := g.candleCB
	g.mu.Unlock()
	if cb == nil {
		return
	}
	for _, raw := range data {
		var row wsCandleData
		if err := unmarshalInto(raw, &row); err != nil {
			g.logger.Warn("malformed candle push", "error", err.Error())
			continue
		}
		candle, err := decodeCandleRow(push.Arg.InstID, row)
		if err != nil {
			g.logger.Warn("undecodable candle push", "error", err.Error())
			continue
		}
		cb(candle)
	}
}
