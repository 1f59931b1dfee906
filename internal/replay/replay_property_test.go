//go:build property
// +build property

package replay_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/replay"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/store/memstore"
	tu "github.com/roach88/chronicle/internal/testutil"
)

var propertyDrafts = []event.Draft{
	{Type: tu.OrderCreated, Payload: map[string]any{"order_id": "p", "total": 10}},
	{Type: tu.OrderPaid, Payload: map[string]any{"amount": 10}},
	{Type: tu.OrderShipped, Payload: map[string]any{"carrier": "ups"}},
	{Type: tu.OrderCancelled, Payload: map[string]any{}},
	{Type: tu.OrderRefunded, Payload: map[string]any{}},
}

// appendKinds appends one envelope per kind and returns the store.
func appendKinds(t *testing.T, kinds []int) (*store.Store, error) {
	s := store.New(memstore.New(), store.WithClock(tu.NewStepClock()))
	b := tu.OrderBuilder(t)
	for i, k := range kinds {
		d := propertyDrafts[k]
		d.AggregateID = "order-p"
		env, err := b.Build(context.Background(), d)
		if err != nil {
			return nil, err
		}
		if _, err := s.Append(context.Background(), env, int64(i)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func TestAppendedVersionsAreGapless(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("read returns versions 1..N in order", prop.ForAll(
		func(kinds []int) bool {
			s, err := appendKinds(t, kinds)
			if err != nil {
				return false
			}
			envs, err := s.ReadAll(context.Background(), "order-p")
			if err != nil || len(envs) != len(kinds) {
				return false
			}
			for i, env := range envs {
				if env.Version != int64(i+1) {
					return false
				}
			}
			return s.Sealer().VerifyChain(envs, integrity.Genesis()) == nil
		},
		gen.SliceOf(gen.IntRange(0, len(propertyDrafts)-1)),
	))

	properties.TestingRun(t)
}

func TestReplayIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying twice yields the same digest", prop.ForAll(
		func(kinds []int, pageSize int) bool {
			s, err := appendKinds(t, kinds)
			if err != nil {
				return false
			}
			req := replay.Request[tu.OrderState]{AggregateID: "order-p", Apply: tu.ApplyOrder}
			a, errA := replay.Aggregate(context.Background(), replay.New(s), req)
			b, errB := replay.Aggregate(context.Background(), replay.New(s, replay.WithPageSize(pageSize)), req)
			if errA != nil || errB != nil {
				return false
			}
			return a.State == b.State && a.Digest == b.Digest && a.Applied == len(kinds)
		},
		gen.SliceOf(gen.IntRange(0, len(propertyDrafts)-1)),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestTamperFailsFromTamperedVersion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("a modified envelope fails at its version and every later one", prop.ForAll(
		func(n, k int) bool {
			if k > n {
				k = n
			}
			kinds := make([]int, n)
			for i := range kinds {
				kinds[i] = 3
			}
			backend := memstore.New()
			s := store.New(backend, store.WithClock(tu.NewStepClock()))
			b := tu.OrderBuilder(t)
			for i := range kinds {
				env, err := b.Build(context.Background(), event.Draft{AggregateID: "order-p", Type: tu.OrderCancelled, Payload: map[string]any{"i": i}})
				if err != nil {
					return false
				}
				if _, err := s.Append(context.Background(), env, int64(i)); err != nil {
					return false
				}
			}
			if err := backend.Tamper("order-p", int64(k), func(e *event.Envelope) {
				e.Metadata = map[string]string{"tampered": fmt.Sprint(k)}
			}); err != nil {
				return false
			}
			envs, _ := s.ReadAll(context.Background(), "order-p")
			failures, err := s.Sealer().CheckChain(envs, integrity.Genesis())
			if err != nil || len(failures) != n-k+1 {
				return false
			}
			return failures[0].Version == int64(k)
		},
		gen.IntRange(1, 12),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}
