package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashWithDomainFormat(t *testing.T) {
	h := sha256.New()
	h.Write([]byte("d"))
	h.Write([]byte{0x00})
	h.Write([]byte("data"))
	expected := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, expected, HashWithDomain("d", []byte("data")))
	assert.Len(t, HashWithDomain("d", nil), 64)
}

func TestHashWithDomainSeparation(t *testing.T) {
	assert.NotEqual(t,
		HashWithDomain(DomainEnvelope, []byte("x")),
		HashWithDomain(DomainChain, []byte("x")),
	)
	// Without the separator these two would collide.
	assert.NotEqual(t,
		HashWithDomain("ab", []byte("c")),
		HashWithDomain("a", []byte("bc")),
	)
}

func TestChainHashDependsOnPredecessor(t *testing.T) {
	body := []byte(`{"a":1}`)
	genesis := ChainHash(body, "")
	linked := ChainHash(body, genesis)

	assert.NotEqual(t, genesis, linked)
	assert.Equal(t, linked, ChainHash(body, genesis))
	assert.NotEqual(t, ChainHash([]byte(`{"a":2}`), genesis), linked)
}
