// Package publish hands sealed envelopes to a Watermill publisher.
//
// Publishing is best-effort. Publisher.Publish only enqueues; a background
// loop (Serve) drains the queue through a circuit breaker. A full queue or
// an open breaker drops the envelope and logs it, throttled. The append that
// produced an envelope never waits on, or fails because of, publishing.
package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/metrics"
)

// DefaultTopic is the topic envelopes are published on.
const DefaultTopic = "chronicle.events"

// Config configures a Publisher.
type Config struct {
	Topic  string
	Buffer int

	// BreakerFailures is the number of consecutive failures that opens the
	// breaker. BreakerTimeout is how long it stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Topic:           DefaultTopic,
		Buffer:          1024,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Publisher is a non-blocking store.Publisher.
type Publisher struct {
	pub     message.Publisher
	topic   string
	queue   chan event.Envelope
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
	metrics *metrics.Metrics
	dropLog rate.Sometimes
	dropped atomic.Int64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithMetrics records hand-off outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New creates a Publisher over pub. Call Serve to start delivery.
func New(pub message.Publisher, cfg Config, opts ...Option) *Publisher {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	p := &Publisher{
		pub:     pub,
		topic:   cfg.Topic,
		queue:   make(chan event.Envelope, cfg.Buffer),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	failures := cfg.BreakerFailures
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "publish:" + cfg.Topic,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("publish circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

// Topic returns the topic envelopes are published on.
func (p *Publisher) Topic() string {
	return p.topic
}

// Dropped returns the number of envelopes dropped so far.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Publish enqueues env. It never blocks: when the queue is full the
// envelope is dropped.
func (p *Publisher) Publish(env event.Envelope) {
	select {
	case p.queue <- env:
	default:
		p.drop(env, "queue full", nil)
	}
}

// Serve delivers queued envelopes until ctx is done, then flushes what is
// already queued without waiting for more.
func (p *Publisher) Serve(ctx context.Context) error {
	for {
		select {
		case env := <-p.queue:
			p.send(env)
		case <-ctx.Done():
			p.flush()
			return ctx.Err()
		}
	}
}

func (p *Publisher) flush() {
	for {
		select {
		case env := <-p.queue:
			p.send(env)
		default:
			return
		}
	}
}

func (p *Publisher) send(env event.Envelope) {
	msg, err := Marshal(env)
	if err != nil {
		p.drop(env, "encode failed", err)
		return
	}
	_, err = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.pub.Publish(p.topic, msg)
	})
	switch {
	case err == nil:
		p.metrics.Publish(metrics.HandoffSent)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.drop(env, "circuit open", err)
	default:
		p.metrics.Publish(metrics.HandoffFailed)
		p.dropped.Add(1)
		p.dropLog.Do(func() {
			p.logger.Warn("publish failed", "event_id", env.EventID,
				"aggregate_id", env.AggregateID, "version", env.Version, "error", err)
		})
	}
}

func (p *Publisher) drop(env event.Envelope, reason string, err error) {
	p.dropped.Add(1)
	p.metrics.Publish(metrics.HandoffDropped)
	p.dropLog.Do(func() {
		p.logger.Warn("publish dropped", "reason", reason, "event_id", env.EventID,
			"aggregate_id", env.AggregateID, "version", env.Version,
			"dropped_total", p.dropped.Load(), "error", err)
	})
}

// String implements fmt.Stringer for the supervisor's logs.
func (p *Publisher) String() string {
	return "publisher(" + p.topic + ")"
}
