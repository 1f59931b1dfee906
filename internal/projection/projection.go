// Package projection maintains named read models derived from aggregate
// streams.
//
// A projection is kept per (name, aggregate). Envelopes arrive through
// Engine.Handle, usually from the publish topic with at-least-once
// delivery, and are applied only in strict version order:
//
//   - a version at or below the last applied one is ignored (re-delivery)
//   - the next version is applied, or only recorded when the projection
//     does not subscribe to its type
//   - a version further ahead marks the projection stale
//
// A stale projection keeps its last good state and stays stale until
// Rebuild replays the verified stream through the same step function used
// for incremental updates.
package projection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/chronicle/internal/canonical"
	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/replay"
)

// Projection folds envelopes into a JSON state.
type Projection interface {
	Name() string

	// Accepts reports whether the projection is kept for aggregateID.
	Accepts(aggregateID string) bool

	// Subscribes reports whether envelopes of eventType change the state.
	Subscribes(eventType string) bool

	// Initial returns the canonical state before the first envelope.
	Initial() (json.RawMessage, error)

	// Apply folds env into state and returns the canonical new state. It
	// must be pure.
	Apply(state json.RawMessage, env event.Envelope) (json.RawMessage, error)
}

// Snapshot is the stored state of one projection for one aggregate.
type Snapshot struct {
	Name               string          `json:"name"`
	AggregateID        string          `json:"aggregate_id"`
	State              json.RawMessage `json:"state"`
	LastAppliedVersion int64           `json:"last_applied_version"`

	// Stale is set when a version gap was observed. The state is the last
	// one built without gaps.
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Typed is a Projection over a Go state type. State is kept as canonical
// JSON, so S must round-trip through encoding/json.
type Typed[S any] struct {
	name     string
	initial  S
	handlers *replay.Handlers[S]
	accepts  func(string) bool
}

// TypedOption configures a Typed projection.
type TypedOption[S any] func(*Typed[S])

// ForAggregates restricts the projection to aggregates matching fn.
func ForAggregates[S any](fn func(aggregateID string) bool) TypedOption[S] {
	return func(t *Typed[S]) { t.accepts = fn }
}

// Define creates a projection named name. The types it subscribes to are
// the ones handlers covers.
func Define[S any](name string, initial S, handlers *replay.Handlers[S], opts ...TypedOption[S]) *Typed[S] {
	t := &Typed[S]{name: name, initial: initial, handlers: handlers}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements Projection.
func (t *Typed[S]) Name() string { return t.name }

// Accepts implements Projection.
func (t *Typed[S]) Accepts(aggregateID string) bool {
	return t.accepts == nil || t.accepts(aggregateID)
}

// Subscribes implements Projection.
func (t *Typed[S]) Subscribes(eventType string) bool {
	return t.handlers.Covers(eventType)
}

// Initial implements Projection.
func (t *Typed[S]) Initial() (json.RawMessage, error) {
	return encodeState(t.name, t.initial)
}

// Apply implements Projection.
func (t *Typed[S]) Apply(state json.RawMessage, env event.Envelope) (json.RawMessage, error) {
	var s S
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("projection %s: decode state at %s v%d: %w", t.name, env.AggregateID, env.Version, err)
	}
	next, err := t.handlers.Apply(s, env)
	if err != nil {
		return nil, err
	}
	return encodeState(t.name, next)
}

// Decode unmarshals a snapshot's state into S.
func Decode[S any](snap Snapshot) (S, error) {
	var s S
	if err := json.Unmarshal(snap.State, &s); err != nil {
		return s, fmt.Errorf("projection %s: decode %s: %w", snap.Name, snap.AggregateID, err)
	}
	return s, nil
}

func encodeState(name string, s any) (json.RawMessage, error) {
	raw, err := canonical.MarshalJSONValue(s)
	if err != nil {
		return nil, fmt.Errorf("projection %s: encode state: %w", name, err)
	}
	return json.RawMessage(raw), nil
}

// step is the single fold used both incrementally and by Rebuild.
// Unsubscribed types leave the state untouched.
func step(p Projection, state json.RawMessage, env event.Envelope) (json.RawMessage, error) {
	if !p.Subscribes(env.Type) {
		return state, nil
	}
	return p.Apply(state, env)
}
