package archive_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/archive"
	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/store/memstore"
	tu "github.com/roach88/chronicle/internal/testutil"
)

func openSink(t *testing.T) *archive.BadgerSink {
	t.Helper()
	sink, err := archive.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func sealedOrder42(t *testing.T) []event.Envelope {
	t.Helper()
	s := store.New(memstore.New(), store.WithClock(tu.NewStepClock()))
	var out []event.Envelope
	for i, env := range tu.Order42(t, tu.OrderBuilder(t)) {
		sealed, err := s.Append(context.Background(), env, int64(i))
		require.NoError(t, err)
		out = append(out, sealed)
	}
	return out
}

func TestBadgerSink(t *testing.T) {
	sink := openSink(t)
	ctx := context.Background()
	envs := sealedOrder42(t)

	for _, env := range []event.Envelope{envs[2], envs[0]} {
		require.NoError(t, sink.Put(ctx, env))
	}
	// Idempotent.
	require.NoError(t, sink.Put(ctx, envs[0]))

	got, err := sink.Get("order-42", 3)
	require.NoError(t, err)
	assert.Equal(t, envs[2].ChainHash, got.ChainHash)

	stream, err := sink.Stream(ctx, "order-42")
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, int64(1), stream[0].Version)
	assert.Equal(t, int64(3), stream[1].Version)

	// Prefixes do not leak across aggregates.
	stream, err = sink.Stream(ctx, "order-4")
	require.NoError(t, err)
	assert.Empty(t, stream)

	forged := envs[0]
	forged.ChainHash = envs[1].ChainHash
	assert.ErrorIs(t, sink.Put(ctx, forged), archive.ErrConflict)

	unsealed := envs[1]
	unsealed.ChainHash = ""
	assert.Error(t, sink.Put(ctx, unsealed))

	_, err = sink.Get("order-42", 2)
	assert.Error(t, err)
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	envs     []event.Envelope
}

func (f *flakySink) Put(_ context.Context, env event.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *flakySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func TestDispatcher_RetriesThenArchives(t *testing.T) {
	sink := &flakySink{failures: 2}
	d := archive.NewDispatcher(sink, 8, archive.WithRetry(3, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	d.Archive(sealedOrder42(t)[0])
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int64(1), d.Archived())
	assert.Zero(t, d.Lost())
}

func TestDispatcher_GivesUp(t *testing.T) {
	sink := &flakySink{failures: 10}
	d := archive.NewDispatcher(sink, 8, archive.WithRetry(2, 0))

	d.Archive(sealedOrder42(t)[0])
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Serve(ctx)

	assert.Zero(t, d.Archived())
	assert.Equal(t, int64(1), d.Lost())
}

func TestDispatcher_NeverBlocks(t *testing.T) {
	d := archive.NewDispatcher(&flakySink{}, 1)
	for _, env := range sealedOrder42(t) {
		d.Archive(env)
	}
	assert.Equal(t, int64(2), d.Lost())
}

func TestStoreArchivesRetainedEnvelopes(t *testing.T) {
	sink := openSink(t)
	d := archive.NewDispatcher(sink, 8)
	s := store.New(memstore.New(), store.WithArchiver(d))
	b := tu.OrderBuilder(t)
	ctx := context.Background()

	for i, meta := range []map[string]string{nil, {event.RetentionKey: event.RetentionLongTerm}} {
		env, err := b.Build(ctx, event.Draft{AggregateID: "order-1", Type: tu.OrderCancelled, Payload: map[string]any{}, Metadata: meta})
		require.NoError(t, err)
		_, err = s.Append(ctx, env, int64(i))
		require.NoError(t, err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = d.Serve(serveCtx)

	stream, err := sink.Stream(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, stream, 1)
	assert.Equal(t, int64(2), stream[0].Version)
}
