package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/roach88/chronicle/internal/event"
)

// Order event types used across package tests.
const (
	OrderCreated   = "OrderCreated"
	OrderPaid      = "OrderPaid"
	OrderShipped   = "OrderShipped"
	OrderCancelled = "OrderCancelled"
	OrderRefunded  = "OrderRefunded"
)

const orderCreatedCUE = `close({
	order_id:  string & !=""
	total:     int & >0
	currency?: string
})`

const orderPaidSchema = `{
	"type": "object",
	"required": ["amount"],
	"properties": {
		"amount": {"type": "integer", "minimum": 1},
		"method": {"type": "string"}
	}
}`

const orderShippedCUE = `{
	carrier: string
}`

// OrderRegistry returns the registry for the order domain.
// OrderCreated uses a CUE schema, OrderPaid a JSON Schema, the rest accept
// any object.
func OrderRegistry(t testing.TB) *event.Registry {
	t.Helper()

	created, err := event.NewCUESchema(orderCreatedCUE)
	if err != nil {
		t.Fatalf("OrderCreated schema: %v", err)
	}
	paid, err := event.NewJSONSchema("OrderPaid.v1", orderPaidSchema)
	if err != nil {
		t.Fatalf("OrderPaid schema: %v", err)
	}
	shipped, err := event.NewCUESchema(orderShippedCUE)
	if err != nil {
		t.Fatalf("OrderShipped schema: %v", err)
	}

	reg, err := event.NewRegistry(
		event.Definition{Type: OrderCreated, Version: 1, Schema: created},
		event.Definition{Type: OrderPaid, Version: 1, Schema: paid},
		event.Definition{Type: OrderShipped, Version: 1, Schema: shipped},
		event.Definition{Type: OrderCancelled, Version: 1},
		event.Definition{Type: OrderRefunded, Version: 1},
	)
	if err != nil {
		t.Fatalf("OrderRegistry: %v", err)
	}
	return reg
}

// OrderBuilder returns a builder over OrderRegistry with a StepClock and
// sequential ids, so envelopes are identical across runs.
func OrderBuilder(t testing.TB) *event.Builder {
	t.Helper()
	ids := NewSequentialIDs("evt")
	return event.NewBuilder(OrderRegistry(t),
		event.WithClock(NewStepClock()),
		event.WithIDGenerator(ids.Next),
	)
}

// OrderState is the derived state of an order aggregate.
type OrderState struct {
	Status   string `json:"status,omitempty"`
	Paid     bool   `json:"paid"`
	Total    int64  `json:"total,omitempty"`
	Carrier  string `json:"carrier,omitempty"`
	Refunded bool   `json:"refunded,omitempty"`
}

// ApplyOrder folds one envelope into an OrderState. It is pure.
func ApplyOrder(s OrderState, env event.Envelope) (OrderState, error) {
	switch env.Type {
	case OrderCreated:
		p, err := event.Decode[struct {
			Total int64 `json:"total"`
		}](env)
		if err != nil {
			return s, err
		}
		s.Status = "created"
		s.Total = p.Total
	case OrderPaid:
		s.Paid = true
	case OrderShipped:
		p, err := event.Decode[struct {
			Carrier string `json:"carrier"`
		}](env)
		if err != nil {
			return s, err
		}
		s.Status = "shipped"
		s.Carrier = p.Carrier
	case OrderCancelled:
		s.Status = "cancelled"
	case OrderRefunded:
		s.Refunded = true
	default:
		return s, fmt.Errorf("unexpected event type %q", env.Type)
	}
	return s, nil
}

// Order42 builds the canonical three-event history of order-42:
// OrderCreated, OrderPaid, OrderShipped. Envelopes are unsealed; each
// CausationID points at the previous event.
func Order42(t testing.TB, b *event.Builder) []event.Envelope {
	t.Helper()
	ctx := context.Background()

	drafts := []event.Draft{
		{AggregateID: "order-42", Type: OrderCreated, Payload: map[string]any{"order_id": "order-42", "total": 120}},
		{AggregateID: "order-42", Type: OrderPaid, Payload: map[string]any{"amount": 120, "method": "card"}},
		{AggregateID: "order-42", Type: OrderShipped, Payload: map[string]any{"carrier": "dhl"}},
	}

	envs := make([]event.Envelope, 0, len(drafts))
	for i, d := range drafts {
		if i > 0 {
			d.CausationID = envs[i-1].EventID
			d.CorrelationID = envs[0].CorrelationID
		}
		env, err := b.Build(ctx, d)
		if err != nil {
			t.Fatalf("Order42 draft %d: %v", i, err)
		}
		envs = append(envs, env)
	}
	return envs
}
