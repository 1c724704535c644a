// Package retry re-invokes failed stage commands with exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	// DefaultBaseDelay is the base delay for exponential backoff.
	DefaultBaseDelay = 2 * time.Second
	// DefaultMaxJitterPercent is the maximum jitter percentage (0-25%).
	DefaultMaxJitterPercent = 25
)

// Config holds retry configuration for one stage.
type Config struct {
	MaxRetries       int // additional attempts after the first failure
	BaseDelay        time.Duration
	MaxJitterPercent int
	OnRetry          func(delay time.Duration, attempt, max int) // optional notification
}

// Result represents the outcome of an operation that can be retried.
type Result struct {
	Success   bool
	Retryable bool // false stops retrying regardless of remaining budget
	Err       error
}

// Operation is a single invocation attempt. attempt starts at 1.
type Operation func(attempt int) Result

// Execute runs op until it succeeds, returns a non-retryable failure, or
// the retry budget is exhausted. It returns the final result and the total
// number of invocations performed. The context cancels the backoff wait.
func Execute(ctx context.Context, cfg Config, op Operation) (Result, int) {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxJitterPercent < 0 || cfg.MaxJitterPercent > 100 {
		cfg.MaxJitterPercent = DefaultMaxJitterPercent
	}

	var last Result
	attempts := 0

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		attempts++
		last = op(attempts)

		if last.Success || !last.Retryable || attempt >= cfg.MaxRetries {
			return last, attempts
		}

		delay := CalculateDelay(cfg.BaseDelay, attempt, cfg.MaxJitterPercent)
		if cfg.OnRetry != nil {
			cfg.OnRetry(delay, attempt+1, cfg.MaxRetries)
		}

		select {
		case <-ctx.Done():
			last.Err = ctx.Err()
			last.Retryable = false
			return last, attempts
		case <-time.After(delay):
		}
	}

	return last, attempts
}

// CalculateDelay returns the delay for a given attempt using exponential backoff with jitter.
// Formula: base * 2^attempt + jitter (0-maxJitterPercent% of calculated delay)
func CalculateDelay(base time.Duration, attempt int, maxJitterPercent int) time.Duration {
	multiplier := 1 << attempt // 2^attempt (1, 2, 4, 8, ...)
	delay := base * time.Duration(multiplier)

	if maxJitterPercent > 0 {
		jitterRange := float64(delay) * float64(maxJitterPercent) / 100.0
		jitter := time.Duration(rand.Float64() * jitterRange)
		delay += jitter
	}

	return delay
}
