// Package correlation follows causation and correlation links between
// envelopes.
//
// Every envelope may name the event that directly caused it
// (causation_id) and the business transaction it belongs to
// (correlation_id). The causation links form a forest: a cycle, or a chain
// that loops back on itself, can only come from corrupted or forged data
// and is reported as a CORRUPTION error.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/query"
	"github.com/roach88/chronicle/internal/store"
)

// DefaultMaxDepth bounds how far CausalChain and Descendants walk.
const DefaultMaxDepth = 10_000

// Source is what the tracker reads. *store.Store implements it.
type Source interface {
	query.Scanner
	Get(ctx context.Context, eventID string) (event.Envelope, error)
	Children(ctx context.Context, eventID string) ([]event.Envelope, error)
}

// Tracker answers correlation questions over a Source.
type Tracker struct {
	src      Source
	queries  *query.Engine
	maxDepth int
	logger   *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxDepth bounds chain walks.
func WithMaxDepth(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithPageSize sets the page size of scans.
func WithPageSize(n int) Option {
	return func(t *Tracker) { t.queries = query.New(t.src, query.WithPageSize(n)) }
}

// New creates a Tracker.
func New(src Source, opts ...Option) *Tracker {
	t := &Tracker{
		src:      src,
		queries:  query.New(src),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Chain is the causal history of one event.
type Chain struct {
	// Events runs from the root cause to the requested event.
	Events []event.Envelope

	// DanglingCause is set when the root's causation_id names an event that
	// is not in the store, for example one recorded by another system.
	DanglingCause string
}

// IDs returns the event ids of the chain in order.
func (c Chain) IDs() []string {
	ids := make([]string, len(c.Events))
	for i, env := range c.Events {
		ids[i] = env.EventID
	}
	return ids
}

// CausalChain follows causation_id backwards from eventID until an event
// without a cause. An unknown eventID returns store.ErrNotFound. A chain
// that revisits an event, or exceeds the maximum depth, is a CORRUPTION
// error.
func (t *Tracker) CausalChain(ctx context.Context, eventID string) (Chain, error) {
	env, err := t.src.Get(ctx, eventID)
	if err != nil {
		return Chain{}, fmt.Errorf("causal chain of %s: %w", eventID, err)
	}

	var chain Chain
	seen := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return Chain{}, err
		}
		if seen[env.EventID] {
			ids := append(chain.IDs(), env.EventID)
			slices.Reverse(ids)
			return Chain{}, t.corruption(ctx, "causation chain loops back on itself", map[string]string{
				"event_id": eventID,
				"cycle":    strings.Join(ids, " -> "),
			})
		}
		if len(chain.Events) >= t.maxDepth {
			return Chain{}, t.corruption(ctx, "causation chain exceeds the maximum depth", map[string]string{
				"event_id":  eventID,
				"max_depth": fmt.Sprint(t.maxDepth),
			})
		}
		seen[env.EventID] = true
		chain.Events = append(chain.Events, env)

		if env.CausationID == "" {
			break
		}
		cause, err := t.src.Get(ctx, env.CausationID)
		if errors.Is(err, store.ErrNotFound) {
			chain.DanglingCause = env.CausationID
			break
		}
		if err != nil {
			return Chain{}, fmt.Errorf("causal chain of %s: %w", eventID, err)
		}
		env = cause
	}
	slices.Reverse(chain.Events)
	return chain, nil
}

// Effects returns the events directly caused by eventID.
func (t *Tracker) Effects(ctx context.Context, eventID string) ([]event.Envelope, error) {
	return t.src.Children(ctx, eventID)
}

// Descendants returns every event transitively caused by eventID, breadth
// first.
func (t *Tracker) Descendants(ctx context.Context, eventID string) ([]event.Envelope, error) {
	out := []event.Envelope{}
	seen := map[string]bool{eventID: true}
	frontier := []string{eventID}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= t.maxDepth {
			return nil, t.corruption(ctx, "causation tree exceeds the maximum depth", map[string]string{
				"event_id":  eventID,
				"max_depth": fmt.Sprint(t.maxDepth),
			})
		}
		var next []string
		for _, id := range frontier {
			children, err := t.src.Children(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("descendants of %s: %w", eventID, err)
			}
			for _, child := range children {
				if seen[child.EventID] {
					return nil, t.corruption(ctx, "causation tree loops back on itself", map[string]string{
						"event_id": eventID,
						"revisits": child.EventID,
					})
				}
				seen[child.EventID] = true
				out = append(out, child)
				next = append(next, child.EventID)
			}
		}
		frontier = next
	}
	return out, nil
}

// Correlated returns every event of one business transaction in global
// order.
func (t *Tracker) Correlated(ctx context.Context, correlationID string) ([]event.Envelope, error) {
	if correlationID == "" {
		return []event.Envelope{}, nil
	}
	return t.queries.Collect(ctx, query.Filter{CorrelationID: correlationID})
}

func (t *Tracker) corruption(ctx context.Context, message string, details map[string]string) error {
	attrs := []any{"reason", message}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	t.logger.ErrorContext(ctx, "correlation data is corrupt", attrs...)
	return event.NewCorruptionError(message, details)
}
