package sync

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy computes the delay before the next attempt of an item:
// min(MaxDelay, BaseDelay * Multiplier^retryCount), randomized by ±Jitter.
type RetryPolicy struct {
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	// Jitter is the randomization factor in [0, 1).
	Jitter float64 `mapstructure:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before the attempt following retryCount failures.
// A server-provided retryAfter is honored when it is longer.
func (p RetryPolicy) Delay(retryCount int, retryAfter time.Duration) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = b.NextBackOff()
	}
	if retryAfter > d {
		return retryAfter
	}
	return d
}
