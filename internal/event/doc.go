// Package event defines the envelope every other chronicle component
// operates on, the closed registry of event types, and the error taxonomy.
//
// Producers construct envelopes with a Builder:
//
//	b := event.NewBuilder(registry)
//	env, err := b.Build(ctx, event.Draft{
//		AggregateID: "order-42",
//		Type:        "OrderCreated",
//		Payload:     OrderCreated{Total: 120},
//	})
//
// The builder validates the type against the registry and the payload
// against the type's schema. It never assigns a version; the store does that
// at append time under optimistic concurrency.
package event
