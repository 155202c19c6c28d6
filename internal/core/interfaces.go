package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging contract every component depends on.
// Implemented by internal/logging.ZapLogger.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// TickerCallback receives a last-price update for one instrument.
type TickerCallback func(instrument string, price decimal.Decimal, at time.Time)

// CandleCallback receives a 1H candle update (confirmed or not).
type CandleCallback func(candle Candle)

// IExchange is the narrow interface the rest of the system uses against
// the exchange's REST and WebSocket surface (spec §4.1).
type IExchange interface {
	PlaceLimitBuy(ctx context.Context, instrument string, price, size decimal.Decimal, clientOrderID string) (orderID string, err error)
	PlaceMarketSell(ctx context.Context, instrument string, size decimal.Decimal, clientOrderID string) (orderID string, err error)
	GetOrder(ctx context.Context, instrument, orderID string) (OrderInfo, error)
	CancelOrder(ctx context.Context, instrument, orderID string) error
	GetTicker(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetHourlyCandles(ctx context.Context, instrument string, count int) ([]Candle, error)
	GetInstrumentPrecision(ctx context.Context, instrument string) (InstrumentPrecision, error)

	// SubscribeTickers/SubscribeCandles manage the two long-lived WS
	// streams. Subscribe/Unsubscribe are per-symbol; OnResubscribed fires
	// a synthetic event after every reconnect so upstream components can
	// trigger a resync.
	SubscribeTickers(ctx context.Context, symbols []string, cb TickerCallback) error
	UnsubscribeTicker(symbol string)
	SubscribeCandles(ctx context.Context, symbols []string, cb CandleCallback) error
	UnsubscribeCandle(symbol string)
	OnResubscribed(fn func())

	// IsSimulated reports whether Place/Cancel/Get are emulated in-memory.
	IsSimulated() bool
}

// IOrderStore is the persistent, authoritative order log (spec §3, §6).
type IOrderStore interface {
	InsertBuy(ctx context.Context, row OrderLogRow) error
	UpdateBuyFill(ctx context.Context, instrument, orderID string, state OrderState, price, size decimal.Decimal, sellTimeMs int64) error
	MarkCanceled(ctx context.Context, instrument, orderID string) error
	SetSellOrderID(ctx context.Context, instrument, orderID, sellOrderID string) error
	SetSize(ctx context.Context, instrument, orderID string, size decimal.Decimal) error
	MarkSoldOut(ctx context.Context, instrument, orderID string, sellPrice decimal.Decimal) error
	Get(ctx context.Context, instrument, orderID string) (OrderLogRow, bool, error)
	UnsoldEligible(ctx context.Context, instrument string, nowMs int64) ([]OrderLogRow, error)
	RecoveryWindow(ctx context.Context, sinceMs int64, limit int) ([]OrderLogRow, error)
}

// InstrumentRegistry exposes the read-only snapshot of tradable
// instruments and the blacklist (spec §4.2).
type InstrumentRegistry interface {
	Snapshot() []Instrument
	Get(symbol string) (Instrument, bool)
	IsBlacklisted(baseAsset string) bool
	OnAdded(fn func(Instrument))
	OnRemoved(fn func(symbol string))
}

// PriceSource is consulted by strategies for the current reference price
// and the 2-hour gain veto (spec §4.3).
type PriceSource interface {
	OnTick(instrument string, price decimal.Decimal, at time.Time)
	LastPrice(instrument string) (decimal.Decimal, bool)
	ReferenceFor(ctx context.Context, instrument string) (decimal.Decimal, bool)
	TwoHourGainFilter(ctx context.Context, instrument string, currentOpen decimal.Decimal) (skipBuy bool, gainPct decimal.Decimal)
	RefreshAllAtHourBoundary(ctx context.Context)
}

// BuySubmitter is how a strategy hands a signal to the lifecycle manager
// (spec §9's "typed channel" cyclic-dependency fix).
type BuySubmitter interface {
	Submit(signal BuySignal)
}
