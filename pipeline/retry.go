package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides when a failed pending message is attempted again
// and when it gives up. Delays grow exponentially with jitter, capped at
// MaxInterval.
type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxRetries is the terminal reject threshold: a transient error on
	// attempt MaxRetries+1 rejects instead of rescheduling.
	MaxRetries int
}

// DefaultRetryPolicy mirrors the production defaults: ~1s first delay
// doubling up to 5 minutes, ten attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		MaxRetries:          10,
	}
}

// NextAttempt returns when attempt number retries (1-based) should run.
func (p RetryPolicy) NextAttempt(retries int, now time.Time) time.Time {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for i := 1; i < retries; i++ {
		delay = b.NextBackOff()
	}
	return now.Add(delay)
}

// Exhausted reports whether a message that already failed retries times
// should be rejected instead of rescheduled.
func (p RetryPolicy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}
