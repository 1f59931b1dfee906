package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() Envelope {
	return Envelope{
		EventID:       "evt-1",
		AggregateID:   "order-42",
		Type:          "OrderCreated",
		SchemaVersion: 1,
		Version:       1,
		Payload:       json.RawMessage(`{"total":120,"order_id":"order-42","currency":"EUR"}`),
		OccurredAt:    time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC),
		RecordedAt:    time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		CorrelationID: "evt-1",
		Metadata:      map[string]string{"actor_id": "u-7"},
	}
}

func TestCanonicalBytesGolden(t *testing.T) {
	data, err := sampleEnvelope().CanonicalBytes()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "envelope_canonical", data)
}

func TestCanonicalBytesExcludesChainFields(t *testing.T) {
	env := sampleEnvelope()
	before, err := env.CanonicalBytes()
	require.NoError(t, err)

	env.ChainHash = "abc"
	env.Signature = "def"
	env.SignatureKeyID = "k1"
	after, err := env.CanonicalBytes()
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestCanonicalBytesIgnoresPayloadEncoding(t *testing.T) {
	env := sampleEnvelope()
	compact, err := env.CanonicalBytes()
	require.NoError(t, err)

	env.Payload = json.RawMessage("{\n  \"currency\": \"EUR\",\n  \"order_id\": \"order-42\",\n  \"total\": 120\n}")
	pretty, err := env.CanonicalBytes()
	require.NoError(t, err)

	assert.Equal(t, compact, pretty)
}

func TestCanonicalBytesSensitiveToEveryField(t *testing.T) {
	base, err := sampleEnvelope().CanonicalBytes()
	require.NoError(t, err)

	mutations := map[string]func(*Envelope){
		"event_id":       func(e *Envelope) { e.EventID = "evt-2" },
		"aggregate_id":   func(e *Envelope) { e.AggregateID = "order-43" },
		"event_type":     func(e *Envelope) { e.Type = "OrderPaid" },
		"schema_version": func(e *Envelope) { e.SchemaVersion = 2 },
		"version":        func(e *Envelope) { e.Version = 2 },
		"payload":        func(e *Envelope) { e.Payload = json.RawMessage(`{"total":121}`) },
		"occurred_at":    func(e *Envelope) { e.OccurredAt = e.OccurredAt.Add(time.Second) },
		"recorded_at":    func(e *Envelope) { e.RecordedAt = e.RecordedAt.Add(time.Second) },
		"correlation_id": func(e *Envelope) { e.CorrelationID = "other" },
		"causation_id":   func(e *Envelope) { e.CausationID = "evt-0" },
		"metadata":       func(e *Envelope) { e.Metadata["actor_id"] = "u-8" },
	}

	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			env := sampleEnvelope()
			mutate(&env)
			got, err := env.CanonicalBytes()
			require.NoError(t, err)
			assert.NotEqual(t, string(base), string(got))
		})
	}
}

func TestCanonicalBytesRejectsInvalidPayload(t *testing.T) {
	env := sampleEnvelope()
	env.Payload = json.RawMessage(`{"total":`)
	_, err := env.CanonicalBytes()
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	env := sampleEnvelope()
	c := env.Clone()
	c.Metadata["actor_id"] = "changed"
	c.Payload[0] = '['

	assert.Equal(t, "u-7", env.Metadata["actor_id"])
	assert.Equal(t, byte('{'), env.Payload[0])
}

func TestRetained(t *testing.T) {
	env := sampleEnvelope()
	assert.False(t, env.Retained())
	env.Metadata[RetentionKey] = RetentionLongTerm
	assert.True(t, env.Retained())
}

func TestNormalizeTime(t *testing.T) {
	local := time.Date(2026, 1, 2, 4, 4, 5, 123456789, time.FixedZone("CET", 3600))
	got := NormalizeTime(local)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
	assert.Equal(t, "2026-01-02T03:04:05.123456Z", FormatTime(local))
}
