package queue

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: exponential in the number of
// attempts already spent, capped, with jitter so that a batch of jobs
// failing together does not retry in lockstep.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoffPolicy matches the queue config defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base: 500 * time.Millisecond,
		Max:  5 * time.Minute,
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made (>= 1 when a retry is being scheduled).
//
// The uncapped delay doubles per attempt: base, 2*base, 4*base, and so on.
// After capping at Max the delay is jittered into [d/2, d), so it never
// exceeds Max and never collapses to zero.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}

	// Jitter: [d/2, d)
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// NextRetryAt returns the absolute retry time for a job that has spent
// the given number of attempts.
func (p BackoffPolicy) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.UTC().Add(p.Delay(attempts))
}
