package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0).
	Jitter float64
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Retry runs fn until it succeeds, retryable reports false, the attempts are
// exhausted or ctx ends. Only idempotent calls may be wrapped.
func Retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Backoff(attempt)):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}

// Backoff returns the delay before the given attempt (1-based).
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}
