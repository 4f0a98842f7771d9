package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stormlinehq/stormline/errors"
)

func TestUnclassifiedErrorsAreRetryable(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("network blip")))
}

func TestPermanentClassification(t *testing.T) {
	err := Permanent(errors.New("malformed payload"))
	assert.True(t, IsPermanent(err))
	assert.Equal(t, "malformed payload", err.Error())
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	inner := Permanent(errors.New("bad photo"))
	wrapped := errors.Wrap(inner, "failed to analyze photo 2 of 5")
	assert.True(t, IsPermanent(wrapped))
}

func TestRetryableOverridesInnerPermanent(t *testing.T) {
	inner := Permanent(errors.New("provider said 400"))
	// A layer above knows the 400 is a transient provider bug.
	overridden := Retryable(inner)
	assert.False(t, IsPermanent(overridden))
}

func TestNilErrorClassification(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Retryable(nil))
	assert.False(t, IsPermanent(nil))
}

func TestPermanentfFormats(t *testing.T) {
	err := Permanentf("no handler registered for job type: %s", "nope")
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "nope")
}
