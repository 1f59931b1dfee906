// Package memstore is an in-memory store.Backend.
//
// Each aggregate has its own lock; appends to different aggregates never
// contend. Reads return copies, so callers cannot alter stored envelopes.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/store"
)

type stream struct {
	mu   sync.RWMutex
	envs []event.Envelope
}

type ref struct {
	aggregateID string
	version     int64
}

// Backend implements store.Backend in memory.
type Backend struct {
	streams sync.Map // aggregate id -> *stream
	ids     sync.Map // event id -> ref
}

var _ store.Backend = (*Backend)(nil)

// New creates an empty Backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) stream(aggregateID string) (*stream, bool) {
	v, ok := b.streams.Load(aggregateID)
	if !ok {
		return nil, false
	}
	return v.(*stream), true
}

// PutIfVersion implements store.Backend.
func (b *Backend) PutIfVersion(ctx context.Context, aggregateID string, expected int64, env event.Envelope) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if env.AggregateID != aggregateID || env.Version != expected+1 {
		return false, fmt.Errorf("memstore: envelope %s/v%d does not follow %s/v%d",
			env.AggregateID, env.Version, aggregateID, expected)
	}

	v, _ := b.streams.LoadOrStore(aggregateID, &stream{})
	s := v.(*stream)

	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.envs)) != expected {
		return false, nil
	}
	if _, loaded := b.ids.LoadOrStore(env.EventID, ref{aggregateID, env.Version}); loaded {
		return false, store.ErrDuplicateEventID
	}
	s.envs = append(s.envs, env.Clone())
	return true, nil
}

// GetRange implements store.Backend.
func (b *Backend) GetRange(ctx context.Context, aggregateID string, from, to int64) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, ok := b.stream(aggregateID)
	if !ok {
		return []event.Envelope{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int64(len(s.envs))
	if from < 1 {
		from = 1
	}
	if to == 0 || to > n {
		to = n
	}
	if from > to {
		return []event.Envelope{}, nil
	}
	out := make([]event.Envelope, 0, to-from+1)
	for _, env := range s.envs[from-1 : to] {
		out = append(out, env.Clone())
	}
	return out, nil
}

// GetByEventID implements store.Backend.
func (b *Backend) GetByEventID(ctx context.Context, eventID string) (event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return event.Envelope{}, err
	}
	v, ok := b.ids.Load(eventID)
	if !ok {
		return event.Envelope{}, store.ErrNotFound
	}
	r := v.(ref)
	s, ok := b.stream(r.aggregateID)
	if !ok {
		return event.Envelope{}, store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r.version > int64(len(s.envs)) {
		// Reserved by a put that has not finished.
		return event.Envelope{}, store.ErrNotFound
	}
	return s.envs[r.version-1].Clone(), nil
}

// Head implements store.Backend.
func (b *Backend) Head(ctx context.Context, aggregateID string) (event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return event.Envelope{}, err
	}
	s, ok := b.stream(aggregateID)
	if !ok {
		return event.Envelope{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.envs) == 0 {
		return event.Envelope{}, nil
	}
	return s.envs[len(s.envs)-1].Clone(), nil
}

// Scan implements store.Backend.
func (b *Backend) Scan(ctx context.Context, f store.Filter, after store.Cursor, limit int) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.AggregateID != "" {
		return b.scanAggregate(f, after, limit), nil
	}

	var matched []event.Envelope
	b.streams.Range(func(_, v any) bool {
		s := v.(*stream)
		s.mu.RLock()
		for _, env := range s.envs {
			if f.Matches(env) && (after.IsZero() || after.Before(store.CursorOf(env))) {
				matched = append(matched, env.Clone())
			}
		}
		s.mu.RUnlock()
		return true
	})
	sort.Slice(matched, func(i, j int) bool { return store.Less(matched[i], matched[j]) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	if matched == nil {
		matched = []event.Envelope{}
	}
	return matched, nil
}

func (b *Backend) scanAggregate(f store.Filter, after store.Cursor, limit int) []event.Envelope {
	out := []event.Envelope{}
	s, ok := b.stream(f.AggregateID)
	if !ok {
		return out
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, env := range s.envs {
		if len(out) == limit {
			break
		}
		if env.Version <= after.Version || !f.Matches(env) {
			continue
		}
		out = append(out, env.Clone())
	}
	return out
}

// Children implements store.Backend.
func (b *Backend) Children(ctx context.Context, eventID string) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []event.Envelope{}
	b.streams.Range(func(_, v any) bool {
		s := v.(*stream)
		s.mu.RLock()
		for _, env := range s.envs {
			if env.CausationID == eventID {
				out = append(out, env.Clone())
			}
		}
		s.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return store.Less(out[i], out[j]) })
	return out, nil
}

// Aggregates implements store.Backend.
func (b *Backend) Aggregates(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := []string{}
	b.streams.Range(func(k, v any) bool {
		s := v.(*stream)
		s.mu.RLock()
		if len(s.envs) > 0 {
			ids = append(ids, k.(string))
		}
		s.mu.RUnlock()
		return true
	})
	sort.Strings(ids)
	return ids, nil
}

// Close implements store.Backend. It is a no-op.
func (b *Backend) Close() error {
	return nil
}

// Len returns the number of stored envelopes.
func (b *Backend) Len() int {
	n := 0
	b.streams.Range(func(_, v any) bool {
		s := v.(*stream)
		s.mu.RLock()
		n += len(s.envs)
		s.mu.RUnlock()
		return true
	})
	return n
}

// Tamper rewrites a stored envelope in place, bypassing every check. It
// exists to simulate storage corruption in tests and scenarios.
func (b *Backend) Tamper(aggregateID string, version int64, fn func(*event.Envelope)) error {
	s, ok := b.stream(aggregateID)
	if !ok {
		return fmt.Errorf("memstore: tamper: unknown aggregate %q", aggregateID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if version < 1 || version > int64(len(s.envs)) {
		return fmt.Errorf("memstore: tamper: %s has no version %d", aggregateID, version)
	}
	fn(&s.envs[version-1])
	return nil
}
