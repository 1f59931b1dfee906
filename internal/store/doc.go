// Package store implements the append-only, per-aggregate event log.
//
// Store is the only component that mutates durable data. It assigns each
// envelope its version, restamps recorded_at, seals the hash chain and
// writes through a Backend under optimistic concurrency:
//
//   - expected version 0 means "this must be the first event"
//   - a mismatch returns a CONCURRENCY_CONFLICT *event.Error and writes nothing
//   - re-appending an event_id already stored for the aggregate returns the
//     stored envelope unchanged (producers retry after timeouts)
//
// After a successful write the sealed envelope is handed to the optional
// Publisher and, when flagged for long-term retention, the Archiver. Both
// hand-offs are fire-and-forget and never fail the append.
//
// # Ordering
//
// Reads scoped to one aggregate are ordered by version. Global scans are
// ordered by (recorded_at, aggregate_id, version). recorded_at never moves
// backwards within an aggregate, so both orders agree per aggregate.
//
// Absence of data is an empty result. Only single-record lookups by
// event_id return ErrNotFound.
package store
