// Package integrity computes and verifies the per-aggregate hash chain.
//
// Each sealed envelope carries
//
//	chain_hash = SHA256("chronicle/chain/v1" 0x00 canonical(envelope) 0x00 prev_chain_hash)
//
// where prev_chain_hash is the chain hash of the previous version of the same
// aggregate, or empty for version 1. An optional Signer signs the chain hash.
//
// Verification is always chain-relative. Verify requires the predecessor
// Link; there is no way to verify an envelope in isolation. A chain that
// fails at version k fails at every later version of that aggregate too.
package integrity
