// Package core defines the domain types and interfaces shared across the
// engine: instruments, prices, orders, and the exchange/logger contracts
// every other package depends on.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the exchange order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderState mirrors the persisted order_log state column.
type OrderState string

const (
	OrderStatePlaced          OrderState = ""
	OrderStateFilled          OrderState = "filled"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateCanceled        OrderState = "canceled"
	OrderStateSoldOut         OrderState = "sold out"
)

// StrategyTag partitions orders by originating strategy ("flag" in spec).
type StrategyTag string

const (
	StrategyHourLimit   StrategyTag = "hour_limit"
	StrategyStable      StrategyTag = "stable"
	StrategyBatch       StrategyTag = "batch"
	StrategyOriginalGap StrategyTag = "original_gap"
)

// Instrument is a tradable base-quote pair with its per-instrument buy
// discount and exchange precision.
type Instrument struct {
	Symbol        string          // e.g. BTC-USDT
	LimitPercent  decimal.Decimal // discount from hour-open at which to buy
	TickSize      decimal.Decimal
	LotSize       decimal.Decimal
	MinSize       decimal.Decimal
	PrecisionTTL  time.Time // when the cached precision expires
}

// BaseAsset returns the currency before the hyphen, e.g. "BTC" for
// "BTC-USDT". Used for blacklist checks.
func (i Instrument) BaseAsset() string {
	for idx := 0; idx < len(i.Symbol); idx++ {
		if i.Symbol[idx] == '-' {
			return i.Symbol[:idx]
		}
	}
	return i.Symbol
}

// PricePoint is the last traded price with its observation time.
type PricePoint struct {
	Price decimal.Decimal
	At    time.Time
}

// HourlyOpen is the reference price for the current exchange hour.
type HourlyOpen struct {
	Price        decimal.Decimal
	FetchedAt    time.Time
	FailureCount int
}

// BuySignal is the ephemeral handoff from a strategy to the lifecycle
// manager.
type BuySignal struct {
	Instrument string
	Strategy   StrategyTag
	LimitPrice decimal.Decimal
	USDTAmount decimal.Decimal
	// BatchSlot identifies which of the batch strategy's three slots this
	// signal belongs to; zero for every other strategy.
	BatchSlot int
	// HasBatchFirstFill and BatchFirstFillTime carry the batch strategy's
	// first slot's fill time into slots 2 and 3, so all three exit
	// together at the deadline the first fill set (spec §4.4 strategy 3)
	// instead of each slot computing its own deadline from its own fill.
	HasBatchFirstFill  bool
	BatchFirstFillTime time.Time
	At                 time.Time
}

// ActiveOrder is the in-memory record of a live buy awaiting its exit.
type ActiveOrder struct {
	Instrument    string
	Strategy      StrategyTag
	BuyOrderID    string
	FillPrice     decimal.Decimal
	FilledSize    decimal.Decimal
	CreateTime    time.Time
	FillTime      time.Time
	NextHourClose time.Time
	SellTriggered bool
	LastSellAt    time.Time
	SellOrderID   string

	// BatchSlot mirrors BuySignal.BatchSlot for the batch strategy, which
	// tracks up to three ActiveOrders per instrument.
	BatchSlot int
}

// OrderLogRow is one persisted row of the order log (spec §3, §6).
type OrderLogRow struct {
	Instrument   string
	Strategy     StrategyTag
	OrderID      string
	CreateTimeMs int64
	OrderType    string
	State        OrderState
	Price        decimal.Decimal
	Size         decimal.Decimal
	SellTimeMs   int64 // exit deadline, ms epoch
	Side         Side
	SellOrderID  string // nullable
	SellPrice    decimal.Decimal
	HasSellPrice bool
}

// Candle is one hourly (or sub-hourly) OHLC bar.
type Candle struct {
	Instrument string
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Confirmed  bool
}

// OrderInfo is what the exchange gateway reports back for GetOrder.
type OrderInfo struct {
	OrderID       string
	State         string // exchange-native state string
	AvgPrice      decimal.Decimal
	FillPrice     decimal.Decimal
	AccFillSize   decimal.Decimal
	FillTime      time.Time
	HasFillTime   bool
	RequestedSize decimal.Decimal
}

// InstrumentPrecision is the cacheable per-symbol exchange precision.
type InstrumentPrecision struct {
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
	MinSize  decimal.Decimal
}
