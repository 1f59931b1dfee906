package replay_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/replay"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/store/memstore"
	tu "github.com/roach88/chronicle/internal/testutil"
)

type fixture struct {
	store   *store.Store
	backend *memstore.Backend
	envs    []event.Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := memstore.New()
	s := store.New(backend, store.WithClock(tu.NewStepClock()))
	f := &fixture{store: s, backend: backend}
	for i, env := range tu.Order42(t, tu.OrderBuilder(t)) {
		sealed, err := s.Append(context.Background(), env, int64(i))
		require.NoError(t, err)
		f.envs = append(f.envs, sealed)
	}
	return f
}

func orderRequest() replay.Request[tu.OrderState] {
	return replay.Request[tu.OrderState]{AggregateID: "order-42", Apply: tu.ApplyOrder}
}

func TestAggregate_WorkedExample(t *testing.T) {
	f := newFixture(t)

	res, err := replay.Aggregate(context.Background(), replay.New(f.store), orderRequest())
	require.NoError(t, err)
	assert.Equal(t, "shipped", res.State.Status)
	assert.True(t, res.State.Paid)
	assert.Equal(t, int64(120), res.State.Total)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, int64(1), res.FromVersion)
	assert.Equal(t, int64(3), res.ToVersion)
	assert.Equal(t, integrity.LinkOf(f.envs[2]), res.Head)
	assert.Len(t, res.Digest, 64)
}

func TestAggregate_TamperedPayloadAbortsBeforeApplying(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.backend.Tamper("order-42", 2, func(e *event.Envelope) {
		e.Payload = json.RawMessage(`{"amount":1,"method":"card"}`)
	}))

	applied := 0
	req := orderRequest()
	req.Apply = func(s tu.OrderState, env event.Envelope) (tu.OrderState, error) {
		applied++
		return tu.ApplyOrder(s, env)
	}

	res, err := replay.Aggregate(context.Background(), replay.New(f.store), req)
	require.Error(t, err)
	assert.True(t, event.IsIntegrity(err))
	e, ok := event.AsError(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, f.envs[1].EventID, e.EventID)

	assert.Zero(t, applied, "no envelope may be applied when the chain is broken")
	assert.Equal(t, tu.OrderState{}, res.State)
}

func TestAggregate_Deterministic(t *testing.T) {
	f := newFixture(t)
	e := replay.New(f.store)

	a, err := replay.Aggregate(context.Background(), e, orderRequest())
	require.NoError(t, err)
	b, err := replay.Aggregate(context.Background(), replay.New(f.store, replay.WithPageSize(1)), orderRequest())
	require.NoError(t, err)

	assert.Equal(t, a.State, b.State)
	assert.Equal(t, a.Digest, b.Digest)
}

func TestAggregate_UnhandledEventType(t *testing.T) {
	f := newFixture(t)
	h := replay.NewHandlers[tu.OrderState]().
		On(tu.OrderCreated, tu.ApplyOrder).
		On(tu.OrderPaid, tu.ApplyOrder)

	req := orderRequest()
	req.Apply = h.Apply
	_, err := replay.Aggregate(context.Background(), replay.New(f.store), req)
	require.Error(t, err)
	assert.True(t, event.IsUnhandledEventType(err))
	e, _ := event.AsError(err)
	assert.Equal(t, tu.OrderShipped, e.EventType)
	assert.Equal(t, int64(3), e.Version)

	var seen []string
	h.Fallback(func(s tu.OrderState, env event.Envelope) (tu.OrderState, error) {
		seen = append(seen, env.Type)
		return s, nil
	})
	res, err := replay.Aggregate(context.Background(), replay.New(f.store), req)
	require.NoError(t, err)
	assert.Equal(t, []string{tu.OrderShipped}, seen)
	assert.Equal(t, "created", res.State.Status)
}

func TestAggregate_PartialReplay(t *testing.T) {
	f := newFixture(t)
	e := replay.New(f.store)
	ctx := context.Background()

	t.Run("to version", func(t *testing.T) {
		req := orderRequest()
		req.ToVersion = 2
		res, err := replay.Aggregate(ctx, e, req)
		require.NoError(t, err)
		assert.Equal(t, tu.OrderState{Status: "created", Paid: true, Total: 120}, res.State)
	})

	t.Run("from version with anchor", func(t *testing.T) {
		req := orderRequest()
		req.FromVersion = 2
		req.Anchor = f.envs[0].ChainHash
		req.Initial = tu.OrderState{Status: "created"}
		res, err := replay.Aggregate(ctx, e, req)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Applied)
		assert.Equal(t, "shipped", res.State.Status)
	})

	t.Run("from version without anchor", func(t *testing.T) {
		req := orderRequest()
		req.FromVersion = 2
		_, err := replay.Aggregate(ctx, e, req)
		assert.ErrorIs(t, err, integrity.ErrPredecessorRequired)
	})

	t.Run("wrong anchor", func(t *testing.T) {
		req := orderRequest()
		req.FromVersion = 3
		req.Anchor = f.envs[0].ChainHash
		_, err := replay.Aggregate(ctx, e, req)
		assert.True(t, event.IsIntegrity(err))
	})

	t.Run("event id bounds", func(t *testing.T) {
		req := orderRequest()
		req.FromEventID = f.envs[1].EventID
		req.ToEventID = f.envs[1].EventID
		req.Anchor = f.envs[0].ChainHash
		res, err := replay.Aggregate(ctx, e, req)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Applied)
		assert.Equal(t, int64(2), res.ToVersion)
		assert.True(t, res.State.Paid)
	})

	t.Run("inverted range", func(t *testing.T) {
		req := orderRequest()
		req.FromEventID = f.envs[2].EventID
		req.ToEventID = f.envs[0].EventID
		req.Anchor = f.envs[1].ChainHash
		_, err := replay.Aggregate(ctx, e, req)
		assert.True(t, event.IsValidation(err))
	})

	t.Run("unknown event bound", func(t *testing.T) {
		req := orderRequest()
		req.ToEventID = "missing"
		_, err := replay.Aggregate(ctx, e, req)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestAggregate_EmptyAggregate(t *testing.T) {
	f := newFixture(t)
	req := orderRequest()
	req.AggregateID = "order-0"
	res, err := replay.Aggregate(context.Background(), replay.New(f.store), req)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Equal(t, tu.OrderState{}, res.State)
}

func TestAggregate_RequestValidation(t *testing.T) {
	f := newFixture(t)
	e := replay.New(f.store)

	_, err := replay.Aggregate(context.Background(), e, replay.Request[tu.OrderState]{Apply: tu.ApplyOrder})
	assert.True(t, event.IsValidation(err))
	_, err = replay.Aggregate(context.Background(), e, replay.Request[tu.OrderState]{AggregateID: "order-42"})
	assert.True(t, event.IsValidation(err))
	_, err = replay.Aggregate(context.Background(), e, replay.Request[tu.OrderState]{AggregateID: "order-42", Apply: tu.ApplyOrder, ToVersion: -1})
	assert.True(t, event.IsValidation(err))
}

func TestAggregate_CancelAndResume(t *testing.T) {
	f := newFixture(t)
	cps := replay.NewMemoryCheckpoints()
	e := replay.New(f.store, replay.WithCheckpoints(cps, 0), replay.WithClock(tu.NewStepClock()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := orderRequest()
	req.CheckpointKey = "orders/order-42"
	req.Apply = func(s tu.OrderState, env event.Envelope) (tu.OrderState, error) {
		if env.Version == 2 {
			cancel()
		}
		return tu.ApplyOrder(s, env)
	}

	res, err := replay.Aggregate(ctx, e, req)
	require.Error(t, err)
	assert.True(t, replay.IsInterrupted(err))
	assert.Equal(t, tu.OrderState{}, res.State)

	cp, ok, err := cps.LoadCheckpoint(context.Background(), "orders/order-42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), cp.Version)
	assert.Equal(t, f.envs[1].ChainHash, cp.ChainHash)

	applied := 0
	req.Resume = true
	req.Apply = func(s tu.OrderState, env event.Envelope) (tu.OrderState, error) {
		applied++
		return tu.ApplyOrder(s, env)
	}
	res, err = replay.Aggregate(context.Background(), e, req)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(2), res.Resumed)

	full, err := replay.Aggregate(context.Background(), replay.New(f.store), orderRequest())
	require.NoError(t, err)
	assert.Equal(t, full.State, res.State)
	assert.Equal(t, full.Digest, res.Digest)
}

func TestAggregate_ResumeVerifiesEventsBeforeCheckpoint(t *testing.T) {
	f := newFixture(t)
	cps := replay.NewMemoryCheckpoints()
	e := replay.New(f.store, replay.WithCheckpoints(cps, 0))

	req := orderRequest()
	req.CheckpointKey = "orders/order-42"
	req.ToVersion = 2
	_, err := replay.Aggregate(context.Background(), e, req)
	require.NoError(t, err)

	require.NoError(t, f.backend.Tamper("order-42", 2, func(e *event.Envelope) {
		e.Payload = json.RawMessage(`{"amount":1,"method":"card"}`)
	}))

	applied := 0
	req.ToVersion = 0
	req.Resume = true
	req.Apply = func(s tu.OrderState, env event.Envelope) (tu.OrderState, error) {
		applied++
		return tu.ApplyOrder(s, env)
	}
	res, err := replay.Aggregate(context.Background(), e, req)
	require.Error(t, err)
	assert.True(t, event.IsIntegrity(err))
	assert.Zero(t, applied)
	assert.Equal(t, tu.OrderState{}, res.State)

	ev, ok := event.AsError(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), ev.Version)
}

func TestAggregate_ResumeRejectsCheckpointOffTheChain(t *testing.T) {
	f := newFixture(t)
	cps := replay.NewMemoryCheckpoints()
	require.NoError(t, cps.SaveCheckpoint(context.Background(), replay.Checkpoint{
		Key:         "k",
		AggregateID: "order-42",
		Version:     2,
		ChainHash:   f.envs[0].ChainHash,
		State:       json.RawMessage(`{"status":"paid"}`),
	}))
	e := replay.New(f.store, replay.WithCheckpoints(cps, 0))

	req := orderRequest()
	req.CheckpointKey = "k"
	req.Resume = true
	_, err := replay.Aggregate(context.Background(), e, req)
	require.Error(t, err)
	assert.True(t, event.IsIntegrity(err))

	// A checkpoint at the end of the range is still checked.
	req.ToVersion = 2
	_, err = replay.Aggregate(context.Background(), e, req)
	require.Error(t, err)
	assert.True(t, event.IsIntegrity(err))
}

type countingCheckpoints struct {
	*replay.MemoryCheckpoints
	saves []int64
}

func (c *countingCheckpoints) SaveCheckpoint(ctx context.Context, cp replay.Checkpoint) error {
	c.saves = append(c.saves, cp.Version)
	return c.MemoryCheckpoints.SaveCheckpoint(ctx, cp)
}

func TestAggregate_CheckpointEvery(t *testing.T) {
	f := newFixture(t)
	cps := &countingCheckpoints{MemoryCheckpoints: replay.NewMemoryCheckpoints()}
	e := replay.New(f.store, replay.WithCheckpoints(cps, 2))

	req := orderRequest()
	req.CheckpointKey = "k"
	_, err := replay.Aggregate(context.Background(), e, req)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, cps.saves)

	// Resuming at the head applies nothing and returns the saved state.
	req.Resume = true
	res, err := replay.Aggregate(context.Background(), e, req)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Equal(t, "shipped", res.State.Status)
}
