package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"hourbuy/internal/config"
	"hourbuy/internal/core"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"
)

// restClient wraps net/http with a failsafe retry+circuit-breaker
// pipeline and an order-placement rate limiter, grounded on
// pkg/http/client.go. It signs requests for the OKX-shaped REST API
// (HMAC-SHA256 over timestamp+method+path+body, base64-encoded).
type restClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string
	passphrase string

	pipeline failsafe.Executor[*http.Response]
	limiter  *rate.Limiter

	logger core.ILogger
}

func newRestClient(cfg config.ExchangeConfig, logger core.ILogger) *restClient {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(150*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &restClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     string(cfg.APIKey),
		apiSecret:  string(cfg.APISecret),
		passphrase: string(cfg.APIPassphrase),
		pipeline:   failsafe.With[*http.Response](retryPolicy, breaker),
		// 25 requests / 30s mirrors executor_adapter.go's order-placement
		// limiter; OKX's order-rate limit is per-instrument but a single
		// global budget is a conservative stand-in for the whole engine.
		limiter: rate.NewLimiter(rate.Every(30*time.Second/25), 25),
		logger:  logger.WithField("component", "rest_client"),
	}
}

func (c *restClient) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*envelope, error) {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("exchange: marshal request: %w", err)
		}
	}

	fullPath := path
	if len(query) > 0 {
		fullPath = path + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+fullPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if c.apiKey != "" {
		sig := c.sign(ts, method, fullPath, string(bodyBytes))
		req.Header.Set("OK-ACCESS-KEY", c.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", sig)
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("exchange: decode response: %w", err)
	}
	if env.Code != "" && env.Code != "0" {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}
	return &env, nil
}

// placeOrder submits a single order, waiting on the rate limiter first.
func (c *restClient) placeOrder(ctx context.Context, req orderReqWire) (*orderRespWire, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("exchange: rate limiter: %w", err)
	}
	env, err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, req)
	if err != nil {
		return nil, err
	}
	return decodeFirst[orderRespWire](env)
}

// cancelOrder and getOrder address the order by its client order id rather
// than the exchange-assigned ordId: our client order id (pkg/orderid)
// already uniquely identifies the order and is the value persisted as the
// order log's ordId column, so every later lookup stays keyed on the one
// id the engine itself generated instead of one learned asynchronously
// from the placement response.
func (c *restClient) cancelOrder(ctx context.Context, instID, orderID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, map[string]string{
		"instId":  instID,
		"clOrdId": orderID,
	})
	return err
}

func (c *restClient) getOrder(ctx context.Context, instID, orderID string) (*orderRespWire, error) {
	q := url.Values{"instId": {instID}, "clOrdId": {orderID}}
	env, err := c.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil)
	if err != nil {
		return nil, err
	}
	return decodeFirst[orderRespWire](env)
}

func (c *restClient) getTicker(ctx context.Context, instID string) (*tickerWire, error) {
	q := url.Values{"instId": {instID}}
	env, err := c.do(ctx, http.MethodGet, "/api/v5/market/ticker", q, nil)
	if err != nil {
		return nil, err
	}
	return decodeFirst[tickerWire](env)
}

func (c *restClient) getInstrument(ctx context.Context, instID string) (*instrumentWire, error) {
	q := url.Values{"instType": {"SPOT"}, "instId": {instID}}
	env, err := c.do(ctx, http.MethodGet, "/api/v5/public/instruments", q, nil)
	if err != nil {
		return nil, err
	}
	return decodeFirst[instrumentWire](env)
}

// getCandles fetches up to limit recent 1H candles, most recent first
// (matching OKX's GET /api/v5/market/candles ordering).
func (c *restClient) getCandles(ctx context.Context, instID string, limit int) ([]core.Candle, error) {
	q := url.Values{"instId": {instID}, "bar": {"1H"}, "limit": {strconv.Itoa(limit)}}
	env, err := c.do(ctx, http.MethodGet, "/api/v5/market/candles", q, nil)
	if err != nil {
		return nil, err
	}
	out := make([]core.Candle, 0, len(env.Data))
	for _, raw := range env.Data {
		var row wsCandleData
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("exchange: decode candle: %w", err)
		}
		candle, err := decodeCandleRow(instID, row)
		if err != nil {
			return nil, err
		}
		out = append(out, candle)
	}
	return out, nil
}

func decodeFirst[T any](env *envelope) (*T, error) {
	if len(env.Data) == 0 {
		return nil, errOrderNotFound
	}
	var v T
	if err := json.Unmarshal(env.Data[0], &v); err != nil {
		return nil, fmt.Errorf("exchange: decode response element: %w", err)
	}
	return &v, nil
}
