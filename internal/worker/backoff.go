package worker

import (
	"math"
	"math/rand"
	"time"

	"prototype-queue/internal/config"
)

// Backoff returns the pause before retry number attempt (1-indexed).
type Backoff func(attempt int) time.Duration

// ConstantBackoff always waits d.
func ConstantBackoff(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles base per attempt up to max, with jitter over the upper half.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration { return backoffWithJitter(base, max, attempt) }
}

// BackoffFromConfig selects the strategy named by RETRY_BACKOFF.
func BackoffFromConfig(cfg config.Config) Backoff {
	if cfg.RetryBackoff == "exponential" {
		return ExponentialBackoff(cfg.RetryDelay, cfg.RetryBackoffMax)
	}
	return ConstantBackoff(cfg.RetryDelay)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
