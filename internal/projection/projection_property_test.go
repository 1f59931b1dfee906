//go:build property
// +build property

package projection_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/projection"
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

func TestIncrementalEqualsRebuild(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("incremental state equals a rebuild over the same stream", prop.ForAll(
		func(kinds []int, redeliver int) bool {
			ctx := context.Background()
			s := store.New(memstore.New(), store.WithClock(tu.NewStepClock()))
			engine := projection.NewEngine(replay.New(s), projection.NewMemoryRepository())
			if err := engine.Register(orderProjection(), projection.NewSummary()); err != nil {
				return false
			}

			b := tu.OrderBuilder(t)
			var sealed []event.Envelope
			for i, k := range kinds {
				d := propertyDrafts[k]
				d.AggregateID = "order-42"
				env, err := b.Build(ctx, d)
				if err != nil {
					return false
				}
				got, err := s.Append(ctx, env, int64(i))
				if err != nil {
					return false
				}
				sealed = append(sealed, got)
				if err := engine.Handle(ctx, got); err != nil {
					return false
				}
				// At-least-once delivery: replay an earlier envelope.
				if redeliver > 0 && len(sealed) > 1 {
					if err := engine.Handle(ctx, sealed[(i*redeliver)%len(sealed)]); err != nil {
						return false
					}
				}
			}

			for _, name := range engine.Names() {
				incremental, ok, err := engine.Get(ctx, name, "order-42")
				if err != nil || ok != (len(kinds) > 0) {
					return false
				}
				rebuilt, err := engine.Rebuild(ctx, name, "order-42")
				if err != nil {
					return false
				}
				if ok && string(incremental.State) != string(rebuilt.State) {
					return false
				}
				if rebuilt.LastAppliedVersion != int64(len(kinds)) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(propertyDrafts)-1)),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
