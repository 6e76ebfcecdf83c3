package infra

import (
	"time"
)

const (
	// Ledger stream reconnect policy
	ReconnectBaseDelay   = 1 * time.Second
	ReconnectMaxDelay    = 30 * time.Second
	MaxReconnectAttempts = 10
)

// CalculateBackoff returns the exponential backoff duration for a given retry count.
// Logic: base * 2^retryCount, capped at max.
// If retryCount is negative, it returns base.
func CalculateBackoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		return base
	}

	// 2^30 seconds is far beyond any sane cap; stop shifting before it overflows.
	if retryCount > 30 {
		return max
	}

	backoff := base * time.Duration(1<<retryCount)
	if backoff > max || backoff <= 0 {
		return max
	}

	return backoff
}
