package store

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/chronicle/internal/event"
)

// ErrNotFound is returned by lookups of a single record that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateEventID is returned by a Backend when the event_id of a put is
// already stored.
var ErrDuplicateEventID = errors.New("store: duplicate event_id")

// Backend is the durable storage the Store is written against.
//
// Implementations must make PutIfVersion atomic per aggregate: of several
// concurrent puts with the same expected version, at most one succeeds.
// Puts for different aggregates must not serialize on a shared lock.
type Backend interface {
	// PutIfVersion stores env if the aggregate's highest version equals
	// expected. It returns false, nil when the version moved.
	PutIfVersion(ctx context.Context, aggregateID string, expected int64, env event.Envelope) (bool, error)

	// GetRange returns versions from..to inclusive in version order.
	// to == 0 means through the latest version.
	GetRange(ctx context.Context, aggregateID string, from, to int64) ([]event.Envelope, error)

	// GetByEventID returns the envelope with the given id or ErrNotFound.
	GetByEventID(ctx context.Context, eventID string) (event.Envelope, error)

	// Head returns the highest-version envelope of the aggregate, or the
	// zero Envelope when the aggregate has none.
	Head(ctx context.Context, aggregateID string) (event.Envelope, error)

	// Scan returns up to limit envelopes matching f that sort after the
	// cursor, in the order described by Filter.
	Scan(ctx context.Context, f Filter, after Cursor, limit int) ([]event.Envelope, error)

	// Children returns the envelopes whose causation_id is eventID, in
	// global order.
	Children(ctx context.Context, eventID string) ([]event.Envelope, error)

	// Aggregates lists every aggregate id, sorted.
	Aggregates(ctx context.Context) ([]string, error)

	Close() error
}

// Filter selects envelopes for Scan. Empty fields match everything.
// Since is inclusive and Until exclusive, both on recorded_at.
//
// With AggregateID set, results are ordered by version. Otherwise they are
// ordered by (recorded_at, aggregate_id, version).
type Filter struct {
	AggregateID   string
	EventType     string
	CorrelationID string
	Since         time.Time
	Until         time.Time
}

// Matches reports whether env satisfies f.
func (f Filter) Matches(env event.Envelope) bool {
	if f.AggregateID != "" && env.AggregateID != f.AggregateID {
		return false
	}
	if f.EventType != "" && env.Type != f.EventType {
		return false
	}
	if f.CorrelationID != "" && env.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && env.RecordedAt.Before(event.NormalizeTime(f.Since)) {
		return false
	}
	if !f.Until.IsZero() && !env.RecordedAt.Before(event.NormalizeTime(f.Until)) {
		return false
	}
	return true
}

// Cursor is a position in scan order. The zero Cursor is before everything.
type Cursor struct {
	RecordedAt  time.Time
	AggregateID string
	Version     int64
}

// CursorOf returns the position of env.
func CursorOf(env event.Envelope) Cursor {
	return Cursor{RecordedAt: env.RecordedAt, AggregateID: env.AggregateID, Version: env.Version}
}

// IsZero reports whether c is the start position.
func (c Cursor) IsZero() bool {
	return c.RecordedAt.IsZero() && c.AggregateID == "" && c.Version == 0
}

// Less orders envelopes globally.
func Less(a, b event.Envelope) bool {
	return CursorOf(a).Before(CursorOf(b))
}

// Before reports whether c sorts before o in global order.
func (c Cursor) Before(o Cursor) bool {
	if !c.RecordedAt.Equal(o.RecordedAt) {
		return c.RecordedAt.Before(o.RecordedAt)
	}
	if c.AggregateID != o.AggregateID {
		return c.AggregateID < o.AggregateID
	}
	return c.Version < o.Version
}
