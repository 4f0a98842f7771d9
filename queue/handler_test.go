package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormlinehq/stormline/errors"
)

type namedHandler struct {
	name string
	fn   func(ctx context.Context, jc *JobContext) (json.RawMessage, error)
}

func (h *namedHandler) Name() string { return h.name }
func (h *namedHandler) Execute(ctx context.Context, jc *JobContext) (json.RawMessage, error) {
	if h.fn == nil {
		return nil, nil
	}
	return h.fn(ctx, jc)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	h := &namedHandler{name: "echo"}
	r.Register(h)

	assert.True(t, r.Has("echo"))
	assert.Same(t, Handler(h), r.Get("echo"))
	assert.Nil(t, r.Get("missing"))
	assert.ElementsMatch(t, []string{"echo"}, r.Names())
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(&namedHandler{name: "echo"})

	assert.Panics(t, func() {
		r.Register(&namedHandler{name: "echo"})
	})
}

type decodeTarget struct {
	ClaimID string `json:"claim_id"`
	Count   int    `json:"count"`
}

func (d *decodeTarget) Validate() error {
	if d.ClaimID == "" {
		return errors.New("claim_id is required")
	}
	return nil
}

func TestDecodePayload(t *testing.T) {
	got, err := DecodePayload[decodeTarget](json.RawMessage(`{"claim_id":"c-1","count":3}`))
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.ClaimID)
	assert.Equal(t, 3, got.Count)
}

func TestDecodePayloadEmptyIsPermanent(t *testing.T) {
	_, err := DecodePayload[decodeTarget](nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDecodePayloadUnknownFieldIsPermanent(t *testing.T) {
	_, err := DecodePayload[decodeTarget](json.RawMessage(`{"claim_id":"c-1","typo_field":1}`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "schema drift must not burn the retry budget")
}

func TestDecodePayloadValidationIsPermanent(t *testing.T) {
	_, err := DecodePayload[decodeTarget](json.RawMessage(`{"count":3}`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "claim_id is required")
}
