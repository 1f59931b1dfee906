package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/store/memstore"
	tu "github.com/roach88/chronicle/internal/testutil"
)

type recorder struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (r *recorder) Publish(env event.Envelope) { r.add(env) }
func (r *recorder) Archive(env event.Envelope) { r.add(env) }

func (r *recorder) add(env event.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.EventID)
	}
	return out
}

type fixture struct {
	store   *store.Store
	backend *memstore.Backend
	builder *event.Builder
	clock   *tu.StepClock
}

func newFixture(t *testing.T, opts ...store.Option) *fixture {
	t.Helper()
	backend := memstore.New()
	clock := tu.NewStepClockAt(tu.Epoch.Add(time.Hour), time.Second)
	opts = append([]store.Option{store.WithClock(clock)}, opts...)
	s := store.New(backend, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{store: s, backend: backend, builder: tu.OrderBuilder(t), clock: clock}
}

func (f *fixture) build(t *testing.T, aggregateID, eventType string, payload any) event.Envelope {
	t.Helper()
	env, err := f.builder.Build(context.Background(), event.Draft{
		AggregateID: aggregateID,
		Type:        eventType,
		Payload:     payload,
	})
	require.NoError(t, err)
	return env
}

func (f *fixture) appendOrder42(t *testing.T) []event.Envelope {
	t.Helper()
	var out []event.Envelope
	for i, env := range tu.Order42(t, f.builder) {
		sealed, err := f.store.Append(context.Background(), env, int64(i))
		require.NoError(t, err)
		out = append(out, sealed)
	}
	return out
}

func TestAppend_AssignsGaplessVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		env := f.build(t, "order-1", tu.OrderCancelled, map[string]any{"n": i})
		sealed, err := f.store.Append(ctx, env, int64(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), sealed.Version)
		assert.True(t, sealed.Sealed())
	}

	envs, err := f.store.ReadAll(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, envs, 10)
	for i, env := range envs {
		assert.Equal(t, int64(i+1), env.Version)
	}
	require.NoError(t, f.store.Sealer().VerifyChain(envs, integrity.Genesis()))
}

func TestAppend_IdempotentOnEventID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	envs := f.appendOrder42(t)

	retry := tu.Order42(t, tu.OrderBuilder(t))[1]
	require.Equal(t, envs[1].EventID, retry.EventID)

	// The retry carries a stale expected version; it still returns the
	// stored envelope rather than a conflict.
	got, err := f.store.Append(ctx, retry, 1)
	require.NoError(t, err)
	assert.Equal(t, envs[1], got)
	assert.Equal(t, 3, f.backend.Len())

	all, err := f.store.ReadAll(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, envs, all)
}

// racingBackend runs a hook once, just before the first Head or
// PutIfVersion call, to let another writer in between the store's checks.
type racingBackend struct {
	*memstore.Backend
	beforeHead func()
	beforePut  func()
}

func (b *racingBackend) Head(ctx context.Context, aggregateID string) (event.Envelope, error) {
	if hook := b.beforeHead; hook != nil {
		b.beforeHead = nil
		hook()
	}
	return b.Backend.Head(ctx, aggregateID)
}

func (b *racingBackend) PutIfVersion(ctx context.Context, aggregateID string, expected int64, env event.Envelope) (bool, error) {
	if hook := b.beforePut; hook != nil {
		b.beforePut = nil
		hook()
	}
	return b.Backend.PutIfVersion(ctx, aggregateID, expected, env)
}

func TestAppend_RetryThatLosesTheRaceReturnsStoredEnvelope(t *testing.T) {
	ctx := context.Background()
	clock := tu.NewStepClockAt(tu.Epoch.Add(time.Hour), time.Second)
	env := tu.Order42(t, tu.OrderBuilder(t))[0]

	tests := []struct {
		name string
		arm  func(b *racingBackend, winner func())
	}{
		{"after the event id lookup", func(b *racingBackend, winner func()) { b.beforeHead = winner }},
		{"after the head check", func(b *racingBackend, winner func()) { b.beforePut = winner }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &racingBackend{Backend: memstore.New()}
			other := store.New(backend.Backend, store.WithClock(clock))
			s := store.New(backend, store.WithClock(clock))

			var won event.Envelope
			tt.arm(backend, func() {
				var err error
				won, err = other.Append(ctx, env, 0)
				require.NoError(t, err)
			})

			got, err := s.Append(ctx, env, 0)
			require.NoError(t, err)
			assert.Equal(t, won, got)
			assert.Equal(t, 1, backend.Len())
		})
	}
}

func TestAppend_ConflictAfterRaceWithDifferentEvent(t *testing.T) {
	ctx := context.Background()
	events := tu.Order42(t, tu.OrderBuilder(t))
	backend := &racingBackend{Backend: memstore.New()}
	other := store.New(backend.Backend)
	s := store.New(backend)

	backend.beforePut = func() {
		_, err := other.Append(ctx, events[0], 0)
		require.NoError(t, err)
	}
	intruder := events[1]
	_, err := s.Append(ctx, intruder, 0)
	require.Error(t, err)
	assert.True(t, event.IsConcurrencyConflict(err))
}

func TestAppend_EventIDReusedAcrossAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	envs := f.appendOrder42(t)

	other := f.build(t, "order-7", tu.OrderCancelled, map[string]any{})
	other.EventID = envs[0].EventID
	_, err := f.store.Append(ctx, other, 0)
	require.Error(t, err)
	assert.True(t, event.IsValidation(err))
}

func TestAppend_ConcurrencyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendOrder42(t)

	tests := []struct {
		name     string
		expected int64
	}{
		{"first-event marker on existing stream", 0},
		{"behind", 2},
		{"ahead", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := f.build(t, "order-42", tu.OrderCancelled, map[string]any{})
			_, err := f.store.Append(ctx, env, tt.expected)
			require.Error(t, err)
			assert.True(t, event.IsConcurrencyConflict(err))

			e, ok := event.AsError(err)
			require.True(t, ok)
			assert.Equal(t, "order-42", e.AggregateID)
			assert.Equal(t, env.EventID, e.EventID)
			assert.Equal(t, "3", e.Details["actual_version"])
		})
	}
	assert.Equal(t, 3, f.backend.Len())
}

func TestAppend_WorkedExampleRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendOrder42(t)

	cancelled := f.build(t, "order-42", tu.OrderCancelled, map[string]any{"reason": "customer"})
	refunded := f.build(t, "order-42", tu.OrderRefunded, map[string]any{"amount": 120})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, env := range []event.Envelope{cancelled, refunded} {
		wg.Add(1)
		go func(i int, env event.Envelope) {
			defer wg.Done()
			_, errs[i] = f.store.Append(ctx, env, 3)
		}(i, env)
	}
	wg.Wait()

	loser := -1
	for i, err := range errs {
		if err != nil {
			require.True(t, event.IsConcurrencyConflict(err))
			require.Equal(t, -1, loser, "both appends failed")
			loser = i
		}
	}
	require.NotEqual(t, -1, loser, "both appends succeeded")

	retry := []event.Envelope{cancelled, refunded}[loser]
	sealed, err := f.store.Append(ctx, retry, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sealed.Version)

	head, err := f.store.Head(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, int64(5), head.Version)
}

func TestAppend_ConcurrentWritersExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const writers = 16
	envs := make([]event.Envelope, writers)
	for i := range envs {
		envs[i] = f.build(t, "order-9", tu.OrderCancelled, map[string]any{"writer": i})
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for _, env := range envs {
		wg.Add(1)
		go func(env event.Envelope) {
			defer wg.Done()
			<-start
			_, err := f.store.Append(ctx, env, 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case event.IsConcurrencyConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(env)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
	assert.Equal(t, 1, f.backend.Len())
}

func TestAppend_ParallelAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for a := 0; a < 8; a++ {
		envs := make([]event.Envelope, 5)
		id := fmt.Sprintf("order-%d", a)
		for i := range envs {
			envs[i] = f.build(t, id, tu.OrderCancelled, map[string]any{"i": i})
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, env := range envs {
				if _, err := f.store.Append(ctx, env, int64(i)); err != nil {
					t.Errorf("%s v%d: %v", id, i+1, err)
				}
			}
		}()
	}
	wg.Wait()

	ids, err := f.store.Aggregates(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 8)
	assert.Equal(t, 40, f.backend.Len())
}

func TestAppend_RestampsRecordedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := f.build(t, "order-1", tu.OrderCancelled, map[string]any{})
	env.OccurredAt = tu.Epoch.Add(-24 * time.Hour)
	env.RecordedAt = tu.Epoch.Add(-24 * time.Hour)

	sealed, err := f.store.Append(ctx, env, 0)
	require.NoError(t, err)
	assert.Equal(t, tu.Epoch.Add(time.Hour), sealed.RecordedAt)
	assert.Equal(t, tu.Epoch.Add(-24*time.Hour), sealed.OccurredAt)

	// A clock that moves backwards never reorders the stream.
	f.clock.Reset(tu.Epoch)
	next, err := f.store.Append(ctx, f.build(t, "order-1", tu.OrderCancelled, map[string]any{}), 1)
	require.NoError(t, err)
	assert.Equal(t, sealed.RecordedAt, next.RecordedAt)
}

func TestAppend_Validation(t *testing.T) {
	f := newFixture(t, store.WithRegistry(tu.OrderRegistry(t)))
	ctx := context.Background()
	base := f.build(t, "order-1", tu.OrderCancelled, map[string]any{})

	tests := []struct {
		name     string
		mutate   func(*event.Envelope)
		expected int64
	}{
		{"missing aggregate", func(e *event.Envelope) { e.AggregateID = "" }, 0},
		{"missing type", func(e *event.Envelope) { e.Type = "" }, 0},
		{"missing id", func(e *event.Envelope) { e.EventID = "" }, 0},
		{"missing payload", func(e *event.Envelope) { e.Payload = nil }, 0},
		{"negative expected", func(*event.Envelope) {}, -1},
		{"self causation", func(e *event.Envelope) { e.CausationID = e.EventID }, 0},
		{"unregistered type", func(e *event.Envelope) { e.Type = "OrderTeleported" }, 0},
		{"schema violation", func(e *event.Envelope) {
			e.Type = tu.OrderPaid
			e.Payload = json.RawMessage(`{"amount":0}`)
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := base.Clone()
			tt.mutate(&env)
			_, err := f.store.Append(ctx, env, tt.expected)
			require.Error(t, err)
			assert.True(t, event.IsValidation(err), "%v", err)
		})
	}
	assert.Zero(t, f.backend.Len())
}

func TestAppend_HandOff(t *testing.T) {
	pub, arch := &recorder{}, &recorder{}
	f := newFixture(t, store.WithPublisher(pub), store.WithArchiver(arch))
	ctx := context.Background()

	plain := f.build(t, "order-1", tu.OrderCancelled, map[string]any{})
	kept, err := f.builder.Build(ctx, event.Draft{
		AggregateID: "order-1",
		Type:        tu.OrderRefunded,
		Payload:     map[string]any{},
		Metadata:    map[string]string{event.RetentionKey: event.RetentionLongTerm},
	})
	require.NoError(t, err)

	_, err = f.store.Append(ctx, plain, 0)
	require.NoError(t, err)
	_, err = f.store.Append(ctx, kept, 1)
	require.NoError(t, err)
	// Idempotent retries and conflicts are not re-published.
	_, err = f.store.Append(ctx, plain, 0)
	require.NoError(t, err)
	_, err = f.store.Append(ctx, f.build(t, "order-1", tu.OrderCancelled, map[string]any{}), 0)
	require.Error(t, err)

	assert.Equal(t, []string{plain.EventID, kept.EventID}, pub.ids())
	assert.Equal(t, []string{kept.EventID}, arch.ids())
}

func TestRead_Ranges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	envs := f.appendOrder42(t)

	tests := []struct {
		name     string
		from, to int64
		want     []event.Envelope
	}{
		{"all", 1, 0, envs},
		{"from zero", 0, 0, envs},
		{"middle", 2, 2, envs[1:2]},
		{"tail", 2, 0, envs[1:]},
		{"past the end", 4, 0, []event.Envelope{}},
		{"to beyond head", 1, 10, envs},
		{"inverted", 3, 2, []event.Envelope{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.store.Read(ctx, "order-42", tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := f.store.ReadAll(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRead_ReturnsCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendOrder42(t)

	got, err := f.store.ReadAll(ctx, "order-42")
	require.NoError(t, err)
	got[0].Payload[0] = '['
	got[0].Metadata = map[string]string{"x": "y"}

	again, err := f.store.ReadAll(ctx, "order-42")
	require.NoError(t, err)
	assert.NoError(t, f.store.Sealer().VerifyChain(again, integrity.Genesis()))
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	envs := f.appendOrder42(t)

	got, err := f.store.Get(ctx, envs[2].EventID)
	require.NoError(t, err)
	assert.Equal(t, envs[2], got)

	_, err = f.store.Get(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	envs := f.appendOrder42(t)

	kids, err := f.store.Children(ctx, envs[0].EventID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, envs[1].EventID, kids[0].EventID)

	kids, err = f.store.Children(ctx, envs[2].EventID)
	require.NoError(t, err)
	assert.Empty(t, kids)
}

func TestVerify_DetectsTamper(t *testing.T) {
	m := metrics.New()
	f := newFixture(t, store.WithMetrics(m))
	ctx := context.Background()
	f.appendOrder42(t)

	reports, err := f.store.Verify(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].OK())

	require.NoError(t, f.backend.Tamper("order-42", 2, func(e *event.Envelope) {
		e.Payload = json.RawMessage(`{"amount":1,"method":"card"}`)
	}))

	reports, err = f.store.Verify(ctx, 0, "order-42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), reports[0].FirstDivergentVersion())
	assert.Len(t, reports[0].Failures, 2)
}

func TestSignedStore(t *testing.T) {
	keyring, err := integrity.NewHMACKeyring(map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")}, "k1")
	require.NoError(t, err)
	sealer := integrity.NewSealer(integrity.WithSigner(keyring), integrity.RequireSignatures())
	f := newFixture(t, store.WithSealer(sealer))

	envs := f.appendOrder42(t)
	for _, env := range envs {
		assert.Equal(t, "k1", env.SignatureKeyID)
	}
	reports, err := f.store.Verify(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, reports[0].OK())
}

func TestAppend_Metrics(t *testing.T) {
	m := metrics.New()
	f := newFixture(t, store.WithMetrics(m))
	ctx := context.Background()
	envs := f.appendOrder42(t)

	_, err := f.store.Append(ctx, envs[0], 0)
	require.NoError(t, err)
	_, err = f.store.Append(ctx, f.build(t, "order-42", tu.OrderCancelled, map[string]any{}), 0)
	require.Error(t, err)

	count, err := testutil.GatherAndCount(m.Registry(), "chronicle_appends_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
