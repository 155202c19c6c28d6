package exchange

import "errors"

var (
	errNotConnected = errors.New("exchange: websocket not connected")
	errOrderNotFound = errors.New("exchange: order not found")
	errPrecisionUnknown = errors.New("exchange: instrument precision unknown")
)

// isTransient classifies REST errors worth retrying: network-level
// failures, 5xx responses and 429 rate-limit responses, mirrored on
// executor_adapter.go's retry loop. Other API errors (4xx such as
// "insufficient funds") are not transient and surface to the caller
// immediately.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return true
}
