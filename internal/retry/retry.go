// Package retry runs an operation a bounded number of times, sleeping an
// exponentially growing delay between attempts.  Whether a failure is worth
// another attempt is decided by a caller-supplied predicate; anything the
// predicate rejects is returned immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds the loop.
type Policy struct {
	Attempts     int           // total attempts including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap for any single delay
	Multiplier   float64       // growth factor between delays
	Jitter       float64       // randomization factor in [0,1)
}

// DefaultPolicy keeps delays short so a retried transaction does not pin a
// pooled connection for long.
var DefaultPolicy = Policy{
	Attempts:     3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     400 * time.Millisecond,
	Multiplier:   2,
	Jitter:       0.2,
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Delay returns the pause that follows the given failed attempt (1-based),
// for callers that schedule the next attempt instead of sleeping.
func (p Policy) Delay(attempt int) time.Duration {
	b := p.backOff()
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do calls op until it succeeds, returns an error retryable rejects, the
// attempts are used up, or ctx is done.  The last error is returned as is.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := p.backOff()
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay < 0 {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
