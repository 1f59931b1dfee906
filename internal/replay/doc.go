// Package replay reconstructs state by folding an aggregate's envelopes.
//
// # Verify, then fold
//
// A replay reads the requested range in pages and verifies the whole hash
// chain before any apply function sees an envelope. If the chain breaks at
// version k the replay fails with an INTEGRITY error naming k and returns no
// state at all:
//
//	pass 1: read pages [from..to] -> ChainVerifier.Next(env) for each
//	pass 2: read pages [from..to] -> verify again -> state = apply(state, env)
//
// The second pass re-verifies, so an envelope modified between the passes is
// caught as well.
//
// # Partial replay
//
// A replay that starts after version 1 (by version or by event id) is
// verified relative to the chain hash of version from-1, which the caller
// supplies as the anchor. Replays never fall back to the stored hash of the
// predecessor silently.
//
// # Determinism
//
// Apply functions must be pure: no I/O, no clock, no randomness. The same
// envelopes through the same apply function yield the same state, which
// Result.Digest makes comparable.
//
// # Cancellation and checkpoints
//
// The context is checked between envelope applications. With a
// CheckpointStore, the engine saves {version, chain hash, state} every N
// applications and when interrupted. A later replay with Resume set still
// verifies the chain from the start of the range, requires the stored hash
// at the saved version to equal the checkpoint's, and then folds from the
// saved state.
package replay
