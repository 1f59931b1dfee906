package replay

import (
	"fmt"

	"github.com/roach88/chronicle/internal/event"
)

// Apply folds one envelope into a state. It must be pure.
type Apply[S any] func(state S, env event.Envelope) (S, error)

// Handlers dispatches envelopes to per-type apply functions.
//
// Types without a handler go to the fallback; without a fallback they fail
// with an UNHANDLED_EVENT_TYPE error. Nothing is ever skipped silently.
type Handlers[S any] struct {
	byType   map[string]Apply[S]
	fallback Apply[S]
}

// NewHandlers creates an empty handler table.
func NewHandlers[S any]() *Handlers[S] {
	return &Handlers[S]{byType: make(map[string]Apply[S])}
}

// On registers fn for eventType, replacing any earlier registration.
func (h *Handlers[S]) On(eventType string, fn Apply[S]) *Handlers[S] {
	h.byType[eventType] = fn
	return h
}

// Fallback registers fn for every type without a handler.
func (h *Handlers[S]) Fallback(fn Apply[S]) *Handlers[S] {
	h.fallback = fn
	return h
}

// Ignore registers a handler that leaves the state unchanged for each type.
func (h *Handlers[S]) Ignore(eventTypes ...string) *Handlers[S] {
	for _, t := range eventTypes {
		h.byType[t] = func(s S, _ event.Envelope) (S, error) { return s, nil }
	}
	return h
}

// Handles reports whether eventType has its own handler.
func (h *Handlers[S]) Handles(eventType string) bool {
	_, ok := h.byType[eventType]
	return ok
}

// Covers reports whether Apply can handle eventType, through its own
// handler or the fallback.
func (h *Handlers[S]) Covers(eventType string) bool {
	return h.Handles(eventType) || h.fallback != nil
}

// Apply dispatches env. It has the Apply signature, so h.Apply can be
// passed wherever an Apply is expected.
func (h *Handlers[S]) Apply(state S, env event.Envelope) (S, error) {
	fn, ok := h.byType[env.Type]
	if !ok {
		fn = h.fallback
	}
	if fn == nil {
		return state, event.NewUnhandledEventTypeError(env)
	}
	return fn(state, env)
}

// Fold applies envs in order without verifying them. On error it returns the
// zero state.
func Fold[S any](initial S, envs []event.Envelope, apply Apply[S]) (S, error) {
	state := initial
	for _, env := range envs {
		next, err := apply(state, env)
		if err != nil {
			var zero S
			return zero, applyError(env, err)
		}
		state = next
	}
	return state, nil
}

// applyError keeps *event.Error as is and wraps anything else with the
// envelope's identity.
func applyError(env event.Envelope, err error) error {
	if _, ok := event.AsError(err); ok {
		return err
	}
	return fmt.Errorf("apply %s v%d (%s, event %s): %w", env.AggregateID, env.Version, env.Type, env.EventID, err)
}
