package cluster

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for operations around the dispatch path
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry runs fn until it succeeds, retryable reports false, the attempts are
// exhausted or ctx ends. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, op string, retryable func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		delay := cfg.Delay(attempt)
		log.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_retries", cfg.MaxRetries).
			Dur("delay", delay).
			Msg("operation failed, retrying")
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Delay calculates exponential backoff delay with jitter
func (c RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))

	// Apply jitter (+/-25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
