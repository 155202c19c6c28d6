package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
)

// decodePush parses a raw WS frame as a channel push envelope. Frames
// that are not data pushes (subscribe acks, pongs) fail the ok check and
// are silently ignored by the caller.
func decodePush(message []byte) (wsPushMessage, []json.RawMessage, bool) {
	var push wsPushMessage
	if err := json.Unmarshal(message, &push); err != nil {
		return wsPushMessage{}, nil, false
	}
	if push.Arg.Channel == "" || len(push.Data) == 0 {
		return wsPushMessage{}, nil, false
	}
	return push, push.Data, true
}

func unmarshalInto(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// decodeCandleRow turns an OKX candle array
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm] into a core.Candle.
func decodeCandleRow(instID string, row wsCandleData) (core.Candle, error) {
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return core.Candle{}, fmt.Errorf("exchange: bad candle timestamp %q: %w", row[0], err)
	}
	return core.Candle{
		Instrument: instID,
		Timestamp:  time.UnixMilli(ms),
		Open:       parseDecimal(row[1]),
		High:       parseDecimal(row[2]),
		Low:        parseDecimal(row[3]),
		Close:      parseDecimal(row[4]),
		Confirmed:  row[8] == "1",
	}, nil
}

// toOrderInfo translates the wire order representation into the
// exchange-agnostic core.OrderInfo used by the lifecycle manager.
func toOrderInfo(w *orderRespWire) core.OrderInfo {
	info := core.OrderInfo{
		OrderID:       w.OrdID,
		State:         w.State,
		AvgPrice:      parseDecimal(w.AvgPx),
		FillPrice:     parseDecimal(w.FillPx),
		AccFillSize:   parseDecimal(w.AccFillSz),
		RequestedSize: parseDecimal(w.Sz),
	}
	if w.FillTime != "" && w.FillTime != "0" {
		info.FillTime = parseMillis(w.FillTime)
		info.HasFillTime = true
	}
	return info
}
