package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	p := BackoffPolicy{Base: 500 * time.Millisecond, Max: 5 * time.Minute}

	for attempts := 1; attempts <= 12; attempts++ {
		uncapped := p.Base << (attempts - 1)
		expected := uncapped
		if uncapped > p.Max || uncapped < p.Base { // shift overflow guard
			expected = p.Max
		}

		for i := 0; i < 50; i++ {
			d := p.Delay(attempts)
			assert.GreaterOrEqual(t, d, expected/2,
				"attempt %d: jitter floor is half the computed delay", attempts)
			assert.LessOrEqual(t, d, expected,
				"attempt %d: jitter never exceeds the computed delay", attempts)
		}
	}
}

func TestBackoffDoublesPerAttemptUntilCap(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: time.Hour}

	// Compare jitter ceilings: each attempt's maximum possible delay
	// doubles until the cap.
	prevCeiling := time.Duration(0)
	for attempts := 1; attempts <= 10; attempts++ {
		ceiling := p.Base << (attempts - 1)
		assert.Greater(t, ceiling, prevCeiling, "backoff grows with attempts")
		prevCeiling = ceiling
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	p := BackoffPolicy{Base: 500 * time.Millisecond, Max: 5 * time.Minute}

	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, p.Delay(1000), p.Max)
	}
}

func TestBackoffHandlesZeroAttempts(t *testing.T) {
	p := DefaultBackoffPolicy()

	d := p.Delay(0)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, p.Base)
}

func TestNextRetryAtIsInTheFuture(t *testing.T) {
	p := DefaultBackoffPolicy()
	now := time.Now()

	at := p.NextRetryAt(now, 1)
	assert.True(t, at.After(now))
	assert.LessOrEqual(t, at.Sub(now), p.Base)
}
