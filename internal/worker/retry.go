package worker

import (
	"math/rand"
	"time"
)

// RetryConfig bounds automatic reruns after transient pipeline failures.
type RetryConfig struct {
	// MaxRetries is the number of reruns after the first attempt.
	MaxRetries int

	// Base is the backoff ceiling for the first retry; it doubles per
	// attempt up to Cap.
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryConfig retries twice with a 2s base and a 30s ceiling.
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 2,
	Base:       2 * time.Second,
	Cap:        30 * time.Second,
}

// backoff returns a full-jitter delay for attempt (0-based): uniform in
// [0, min(Cap, Base<<attempt)).
func (c RetryConfig) backoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10 // cap the exponent to prevent overflow
	}
	ceil := c.Base << uint(attempt)
	if ceil > c.Cap || ceil <= 0 {
		ceil = c.Cap
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceil)))
}
