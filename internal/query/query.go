// Package query provides lazy, filtered reads over the event log.
//
// A query is an iter.Seq2 that pages through the store on demand. Each
// iteration re-issues the filter from the start, so the same query can be
// ranged over repeatedly and yields the same envelopes, plus any appended
// since.
package query

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/store"
)

// DefaultPageSize is the number of envelopes fetched per store round trip.
const DefaultPageSize = 256

// Scanner reads one page of envelopes. *store.Store implements it.
type Scanner interface {
	Scan(ctx context.Context, f store.Filter, after store.Cursor, limit int) ([]event.Envelope, error)
}

// TimeRange bounds recorded_at. Since is inclusive, Until exclusive; zero
// values are unbounded.
type TimeRange struct {
	Since time.Time
	Until time.Time
}

// Filter selects envelopes. Empty fields match everything.
type Filter struct {
	AggregateID   string
	EventType     string
	CorrelationID string
	TimeRange     TimeRange

	// Limit caps the number of envelopes yielded. Zero means no cap.
	Limit int
}

// Scoped reports whether the filter is restricted to one aggregate, in
// which case results are in version order rather than recorded_at order.
func (f Filter) Scoped() bool {
	return f.AggregateID != ""
}

func (f Filter) validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("query: limit must not be negative")
	}
	if !f.TimeRange.Since.IsZero() && !f.TimeRange.Until.IsZero() && f.TimeRange.Until.Before(f.TimeRange.Since) {
		return fmt.Errorf("query: time range ends before it starts")
	}
	return nil
}

func (f Filter) storeFilter() store.Filter {
	return store.Filter{
		AggregateID:   f.AggregateID,
		EventType:     f.EventType,
		CorrelationID: f.CorrelationID,
		Since:         f.TimeRange.Since,
		Until:         f.TimeRange.Until,
	}
}

// Engine runs queries against a Scanner.
type Engine struct {
	src      Scanner
	pageSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the page size. Values below 1 are ignored.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// New creates an Engine.
func New(src Scanner, opts ...Option) *Engine {
	e := &Engine{src: src, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Query returns the envelopes matching f. Ordering is by version when the
// filter names an aggregate, otherwise by (recorded_at, aggregate_id,
// version). An error ends the sequence.
func (e *Engine) Query(ctx context.Context, f Filter) iter.Seq2[event.Envelope, error] {
	return func(yield func(event.Envelope, error) bool) {
		if err := f.validate(); err != nil {
			yield(event.Envelope{}, err)
			return
		}
		sf := f.storeFilter()
		var (
			after   store.Cursor
			yielded int
		)
		for {
			if err := ctx.Err(); err != nil {
				yield(event.Envelope{}, err)
				return
			}
			limit := e.pageSize
			if f.Limit > 0 && f.Limit-yielded < limit {
				limit = f.Limit - yielded
			}
			page, err := e.src.Scan(ctx, sf, after, limit)
			if err != nil {
				yield(event.Envelope{}, err)
				return
			}
			for _, env := range page {
				if !yield(env, nil) {
					return
				}
				yielded++
			}
			if len(page) < limit || (f.Limit > 0 && yielded >= f.Limit) {
				return
			}
			after = store.CursorOf(page[len(page)-1])
		}
	}
}

// Collect runs f to completion.
func (e *Engine) Collect(ctx context.Context, f Filter) ([]event.Envelope, error) {
	out := []event.Envelope{}
	for env, err := range e.Query(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// ByType is shorthand for a query on event type.
func (e *Engine) ByType(ctx context.Context, eventType string) iter.Seq2[event.Envelope, error] {
	return e.Query(ctx, Filter{EventType: eventType})
}

// ByCorrelation is shorthand for a query on correlation id.
func (e *Engine) ByCorrelation(ctx context.Context, correlationID string) iter.Seq2[event.Envelope, error] {
	return e.Query(ctx, Filter{CorrelationID: correlationID})
}

// Between is shorthand for a query on a recorded_at range.
func (e *Engine) Between(ctx context.Context, since, until time.Time) iter.Seq2[event.Envelope, error] {
	return e.Query(ctx, Filter{TimeRange: TimeRange{Since: since, Until: until}})
}
