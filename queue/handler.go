package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stormlinehq/stormline/errors"
)

// Handler defines the interface for executing a specific job type.
// Domain packages implement this interface to handle their job types;
// the worker pool executes jobs through it without knowing domain details.
type Handler interface {
	// Execute runs the job and returns an optional result document.
	// The handler should:
	// - Decode jc.Job.Payload with DecodePayload
	// - Call jc.Heartbeat() between long steps to keep the lease alive
	// - Classify unrecoverable failures with Permanent
	//
	// Context cancellation: handlers MUST check ctx.Done() between steps
	// and exit; an abandoned job's lease expires and the reaper requeues it.
	Execute(ctx context.Context, jc *JobContext) (json.RawMessage, error)

	// Name returns the job type this handler serves
	// (e.g., "damage-analyze", "weather-ingest").
	Name() string
}

// Registry manages job handlers by job type.
// Thread-safe for concurrent handler registration and lookup.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name; duplicate
// registration is a wiring bug, not a runtime condition.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a job type.
// Returns nil if no handler is registered.
func (r *Registry) Get(jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Names returns all registered job types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Validator is implemented by payloads that carry their own invariants.
// DecodePayload calls it after decoding.
type Validator interface {
	Validate() error
}

// DecodePayload decodes a job payload into a typed struct. Unknown fields
// are rejected so that producer and handler schemas cannot drift silently.
//
// All returned errors are Permanent: a payload that does not decode today
// will not decode on retry either.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var payload T

	if len(raw) == 0 {
		return payload, Permanent(errors.New("job payload is empty"))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return payload, Permanent(errors.Wrap(err, "failed to decode job payload"))
	}

	if v, ok := any(&payload).(Validator); ok {
		if err := v.Validate(); err != nil {
			return payload, Permanent(errors.Wrap(err, "invalid job payload"))
		}
	}

	return payload, nil
}
