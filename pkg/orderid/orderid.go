// Package orderid generates compact client order IDs that encode the
// strategy and side inline, grounded on utils/orderid.go's
// price/side/timestamp scheme, adapted to tag the strategy instead of
// price (the engine's strategies, not the fill price, are what recovery
// needs to recognize on restart).
package orderid

import (
	"fmt"
	"sync"
	"time"
)

var (
	mu       sync.Mutex
	lastSec  int64
	sequence int
)

func nextSeq() string {
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().Unix()
	if now != lastSec {
		lastSec = now
		sequence = 0
	}
	sequence++
	return fmt.Sprintf("%d%03d", now, sequence)
}

// Generate builds a client order ID of the form
// "{strategy}_{side}_{timestamp}{seq}", e.g. "stable_B_1702468800001".
func Generate(strategy, side string) string {
	sideCode := "B"
	if side == "sell" || side == "SELL" {
		sideCode = "S"
	}
	return fmt.Sprintf("%s_%s_%s", strategy, sideCode, nextSeq())
}

// ParseStrategy extracts the strategy tag from a client order ID
// produced by Generate: everything before the side code, so tags that
// themselves contain '_' (e.g. "hour_limit") come back whole.
func ParseStrategy(clientOrderID string) (strategy string, ok bool) {
	seps := 0
	for i := len(clientOrderID) - 1; i > 0; i-- {
		if clientOrderID[i] == '_' {
			seps++
			if seps == 2 {
				return clientOrderID[:i], true
			}
		}
	}
	return "", false
}
