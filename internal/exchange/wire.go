package exchange

import (
	"encoding/json"
	"fmt"
)

// APIError is a non-2xx or {"code":"..."} response from the REST API,
// grounded on okx.go's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error: status=%d code=%s msg=%s", e.StatusCode, e.Code, e.Message)
}

// envelope is OKX's {"code","msg","data":[...]} response shape.
type envelope struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

// orderReqWire is the wire body for POST /api/v5/trade/order.
type orderReqWire struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	Px      string `json:"px,omitempty"`
	ClOrdID string `json:"clOrdId,omitempty"`
}

// orderRespWire is one element of the order-placement/query response data array.
type orderRespWire struct {
	OrdID       string `json:"ordId"`
	ClOrdID     string `json:"clOrdId"`
	InstID      string `json:"instId"`
	State       string `json:"state"`
	AvgPx       string `json:"avgPx"`
	FillPx      string `json:"fillPx"`
	AccFillSz   string `json:"accFillSz"`
	Sz          string `json:"sz"`
	FillTime    string `json:"fillTime"`
	UTime       string `json:"uTime"`
	SCode       string `json:"sCode"`
	SMsg        string `json:"sMsg"`
}

// tickerWire is one element of GET /api/v5/market/ticker data array.
type tickerWire struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Ts     string `json:"ts"`
}

// instrumentWire is one element of GET /api/v5/public/instruments data array.
type instrumentWire struct {
	InstID  string `json:"instId"`
	TickSz  string `json:"tickSz"`
	LotSz   string `json:"lotSz"`
	MinSz   string `json:"minSz"`
}

// wsSubArg names one subscription channel, e.g. {"channel":"tickers","instId":"BTC-USDT"}.
type wsSubArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsSubRequest struct {
	Op   string     `json:"op"`
	Args []wsSubArg `json:"args"`
}

// wsPushMessage is the generic {"arg":{...},"data":[...]} push envelope.
type wsPushMessage struct {
	Arg  wsSubArg          `json:"arg"`
	Data []json.RawMessage `json:"data"`
}

// wsTickerData is one tickers-channel push element.
type wsTickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Ts     string `json:"ts"`
}

// wsCandleData is a candle1H push element: an array
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
type wsCandleData [9]string
