//go:build !linux

package runtime

import (
	"fmt"
	"time"
)

// NewTicker returns the platform's precise periodic ticker
func NewTicker(period time.Duration) (Ticker, error) {
	if period <= 0 {
		return nil, fmt.Errorf("ticker period must be positive, got %v", period)
	}
	return newGoTicker(period), nil
}
