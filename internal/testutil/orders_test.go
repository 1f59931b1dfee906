package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder42_FoldsToShipped(t *testing.T) {
	envs := Order42(t, OrderBuilder(t))
	require.Len(t, envs, 3)

	var s OrderState
	var err error
	for _, env := range envs {
		s, err = ApplyOrder(s, env)
		require.NoError(t, err)
	}

	assert.Equal(t, "shipped", s.Status)
	assert.True(t, s.Paid)
	assert.Equal(t, int64(120), s.Total)
	assert.Equal(t, "dhl", s.Carrier)
}

func TestOrder42_CausationLinksPreviousEvent(t *testing.T) {
	envs := Order42(t, OrderBuilder(t))

	assert.Empty(t, envs[0].CausationID)
	assert.Equal(t, envs[0].EventID, envs[1].CausationID)
	assert.Equal(t, envs[1].EventID, envs[2].CausationID)
	for _, env := range envs {
		assert.Equal(t, envs[0].EventID, env.CorrelationID)
	}
}
