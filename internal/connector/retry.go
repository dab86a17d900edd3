package connector

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig configures exponential backoff between connection attempts
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, zero or
	// less retries until ctx is done
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig retries forever, from one second up to one minute
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}
}

// Delay returns the backoff before retry number attempt (1 based)
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if d > c.MaxDelay || d <= 0 {
		return c.MaxDelay
	}
	return d
}

// RetryWithBackoff calls fn until it succeeds, the retries are used up or
// ctx is cancelled. onError, if set, sees every failed attempt.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error, onError func(attempt int, err error)) error {
	var lastErr error
	for attempt := 0; cfg.MaxRetries <= 0 || attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
		if onError != nil {
			onError(attempt, err)
		}
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}
