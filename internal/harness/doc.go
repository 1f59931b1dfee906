// Package harness runs conformance scenarios against a fresh event store.
//
// A scenario is a YAML file that appends events, tampers with storage,
// replays and verifies aggregates, and asserts on the resulting trace.
// Every run uses an in-memory backend, a stepping clock and sequential
// event ids, so the same scenario always produces the same trace.
//
// # Scenario Format
//
//	name: order_lifecycle
//	description: "What this scenario validates"
//	registry: registry.yaml        # relative to the scenario file
//	types:                         # or declare types inline
//	  - type: OrderCreated
//	    cue: |
//	      close({ order_id: string, total: int & >0 })
//	hmac_key: 00112233445566778899aabbccddeeff   # optional signing key
//	steps:
//	  - append:
//	      aggregate: order-1
//	      type: OrderCreated
//	      expected_version: 0
//	      payload: { order_id: o1, total: 100 }
//	  - expect_conflict:
//	      aggregate: order-1
//	      type: OrderCreated
//	      expected_version: 0
//	      payload: { order_id: o1, total: 100 }
//	  - tamper:
//	      aggregate: order-1
//	      version: 1
//	      payload: { order_id: o1, total: 1 }
//	  - replay:
//	      aggregate: order-1
//	      expect: { error: INTEGRITY }
//	  - verify:
//	      aggregate: order-1
//	      expect: { ok: false, first_divergent_version: 1 }
//	assertions:
//	  - type: trace_count
//	    op: append
//	    outcome: appended
//	    count: 1
//
// # Steps
//
//   - append: builds and appends an event; expect_error names the error
//     code the append must fail with
//   - expect_conflict: an append that must fail with CONCURRENCY_CONFLICT
//   - tamper: rewrites a stored envelope, bypassing every check
//   - replay: replays an aggregate into a tally of event types
//   - verify: checks one aggregate's chain, or every aggregate's
//
// # Assertion Types
//
//   - trace_contains: a trace event matches op, event_id and outcome
//   - trace_order: the listed event ids were appended in this order
//   - trace_count: exactly count trace events match op and outcome
//   - final_head: an aggregate's head is at the expected version
//
// # Golden Traces
//
// RunWithGolden compares the canonical JSON trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
