package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for hashing. The version suffix leaves room for
// algorithm migration.
const (
	DomainEnvelope = "chronicle/envelope/v1"
	DomainChain    = "chronicle/chain/v1"
	DomainState    = "chronicle/state/v1"
)

// HashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex.
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainHash links canonical envelope bytes to the previous chain hash of the
// same aggregate: SHA256(DomainChain + 0x00 + canonical + 0x00 + prev).
// prev is empty for the first envelope of an aggregate.
func ChainHash(canonicalEnvelope []byte, prev string) string {
	data := make([]byte, 0, len(canonicalEnvelope)+1+len(prev))
	data = append(data, canonicalEnvelope...)
	data = append(data, 0x00)
	data = append(data, prev...)
	return HashWithDomain(DomainChain, data)
}

// StateDigest hashes canonical bytes of a derived state. Replays compare
// digests to check determinism.
func StateDigest(canonicalState []byte) string {
	return HashWithDomain(DomainState, canonicalState)
}
