package publish_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/publish"
	tu "github.com/roach88/chronicle/internal/testutil"
)

func sealedOrder42(t *testing.T) []event.Envelope {
	t.Helper()
	s := integrity.NewSealer()
	prev := integrity.Genesis()
	var out []event.Envelope
	for i, env := range tu.Order42(t, tu.OrderBuilder(t)) {
		env.Version = int64(i + 1)
		sealed, err := s.Seal(env, prev)
		require.NoError(t, err)
		out = append(out, sealed)
		prev = integrity.LinkOf(sealed)
	}
	return out
}

func TestCodec(t *testing.T) {
	env := sealedOrder42(t)[1]

	msg, err := publish.Marshal(env)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, msg.UUID)
	assert.Equal(t, "order-42", msg.Metadata.Get(publish.MetaAggregateID))
	assert.Equal(t, "2", msg.Metadata.Get(publish.MetaVersion))

	got, err := publish.Unmarshal(msg)
	require.NoError(t, err)
	assert.Equal(t, env.ChainHash, got.ChainHash)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
	assert.True(t, env.RecordedAt.Equal(got.RecordedAt))
	require.NoError(t, integrity.NewSealer().Verify(got, integrity.LinkOf(sealedOrder42(t)[0])))

	unsealed := env
	unsealed.ChainHash = ""
	_, err = publish.Marshal(unsealed)
	assert.Error(t, err)

	_, err = publish.Unmarshal(message.NewMessage("x", []byte("{")))
	assert.Error(t, err)
}

func TestPublisher_DeliversOverChannel(t *testing.T) {
	ch := publish.NewChannel(nil, 16)
	t.Cleanup(func() { _ = ch.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := ch.Subscribe(ctx, publish.DefaultTopic)
	require.NoError(t, err)

	m := metrics.New()
	p := publish.New(ch, publish.Config{}, publish.WithMetrics(m))
	go func() { _ = p.Serve(ctx) }()

	envs := sealedOrder42(t)
	for _, env := range envs {
		p.Publish(env)
	}

	for i := range envs {
		select {
		case msg := <-msgs:
			got, err := publish.Unmarshal(msg)
			require.NoError(t, err)
			assert.Equal(t, envs[i].EventID, got.EventID)
			msg.Ack()
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	assert.Zero(t, p.Dropped())
	assert.Eventually(t, func() bool {
		return counterValue(t, m, "chronicle_publish_total", metrics.HandoffSent) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	p := publish.New(&failingPublisher{}, publish.Config{Buffer: 1})
	envs := sealedOrder42(t)

	done := make(chan struct{})
	go func() {
		for _, env := range envs {
			p.Publish(env)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, int64(2), p.Dropped())
}

type failingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (f *failingPublisher) Publish(string, ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("broker unavailable")
}

func (f *failingPublisher) Close() error { return nil }

func (f *failingPublisher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPublisher_BreakerOpensAfterFailures(t *testing.T) {
	fp := &failingPublisher{}
	p := publish.New(fp, publish.Config{BreakerFailures: 2, BreakerTimeout: time.Hour})

	for _, env := range append(sealedOrder42(t), sealedOrder42(t)...) {
		p.Publish(env)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled Serve still flushes the queue.
	assert.ErrorIs(t, p.Serve(ctx), context.Canceled)

	assert.Equal(t, 2, fp.Calls(), "breaker must stop calling the broker once open")
	assert.Equal(t, int64(6), p.Dropped())
}

// counterValue reads one labelled counter series from m's registry.
func counterValue(t *testing.T, m *metrics.Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
