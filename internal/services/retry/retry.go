// Package retry provides bounded exponential backoff for upstream calls
// and queue redelivery. Delay growth is geometric with optional jitter so
// concurrent retriers don't stampede a recovering provider.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config bounds a retry sequence. MaxAttempts counts the initial try.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryableFunc is one attempt of the guarded operation.
type RetryableFunc func(ctx context.Context) error

// IsRetryable classifies an attempt error as transient or permanent.
type IsRetryable func(error) bool

// transientMarkers are substrings of provider and transport errors that
// indicate the next attempt may succeed. Status codes appear as text here
// because upstream SDK errors flatten them into the message.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"429",
	"500",
	"502",
	"503",
	"504",
}

// DefaultIsRetryable retries transient transport and upstream failures.
// Cancellation and deadline errors are never retried: the caller asked
// to stop, retrying would only delay the Cancelled result.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do runs fn until it succeeds, exhausts config.MaxAttempts, hits a
// non-retryable error, or ctx is done. The error returned is the one
// from the final attempt; context errors win if ctx expires while
// sleeping between attempts.
func Do(ctx context.Context, config *Config, fn RetryableFunc, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultConfig()
	}
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == config.MaxAttempts {
			return lastErr
		}

		wait := CalculateBackoff(attempt, config)
		if config.Jitter {
			wait += time.Duration(rand.Float64() * float64(wait) * 0.3)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// CalculateBackoff returns the pre-jitter delay that follows the given
// attempt number. Attempt 1 (and anything below) maps to InitialDelay.
func CalculateBackoff(attempt int, config *Config) time.Duration {
	if config == nil {
		config = DefaultConfig()
	}
	if attempt <= 1 {
		return config.InitialDelay
	}
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1)))
	if delay > config.MaxDelay || delay <= 0 {
		return config.MaxDelay
	}
	return delay
}
