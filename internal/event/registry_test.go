package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRejectsBadDefinitions(t *testing.T) {
	_, err := NewRegistry(Definition{Type: "", Version: 1})
	require.Error(t, err)

	_, err = NewRegistry(Definition{Type: "A", Version: 0})
	require.Error(t, err)

	_, err = NewRegistry(Definition{Type: "A", Version: 1}, Definition{Type: "A", Version: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRegistryLookupLatest(t *testing.T) {
	r := MustRegistry(
		Definition{Type: "A", Version: 1},
		Definition{Type: "A", Version: 3},
		Definition{Type: "A", Version: 2},
	)

	def, err := r.Lookup("A", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, def.Version)

	def, err = r.Lookup("A", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := MustRegistry(Definition{Type: "A", Version: 1})

	_, err := r.Lookup("B", 0)
	require.Error(t, err)
	assert.True(t, IsUnknownEventType(err))

	_, err = r.Lookup("A", 7)
	require.Error(t, err)
	assert.True(t, IsUnknownEventType(err))
	assert.Contains(t, err.Error(), "version 7")
}

func TestRegistryTypesAndDefinitions(t *testing.T) {
	r := MustRegistry(
		Definition{Type: "Zeta", Version: 1},
		Definition{Type: "Alpha", Version: 2},
		Definition{Type: "Alpha", Version: 1},
	)

	assert.Equal(t, []string{"Alpha", "Zeta"}, r.Types())
	assert.True(t, r.Has("Zeta"))
	assert.False(t, r.Has("Omega"))

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "Alpha", defs[0].Type)
	assert.Equal(t, 1, defs[0].Version)
	assert.Equal(t, 2, defs[1].Version)
	assert.Equal(t, "Zeta", defs[2].Type)
}

func TestMustRegistryPanics(t *testing.T) {
	assert.Panics(t, func() { MustRegistry(Definition{}) })
}
