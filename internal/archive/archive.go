// Package archive hands envelopes flagged for long-term retention to a
// durable sink.
//
// The Dispatcher is the store's Archiver: Archive only enqueues, and a
// background loop writes to the Sink with a bounded number of retries.
// Nothing in the append path waits on or depends on archival.
package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/metrics"
)

// Sink stores archived envelopes. Put must be idempotent.
type Sink interface {
	Put(ctx context.Context, env event.Envelope) error
}

// Dispatcher is a non-blocking store.Archiver.
type Dispatcher struct {
	sink     Sink
	queue    chan event.Envelope
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	warnLog  rate.Sometimes
	archived atomic.Int64
	lost     atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records hand-off outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetry sets how many times a Put is attempted and the pause between
// attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = attempts
		}
		d.backoff = backoff
	}
}

// NewDispatcher creates a Dispatcher with a queue of buffer envelopes.
func NewDispatcher(sink Sink, buffer int, opts ...Option) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		sink:     sink,
		queue:    make(chan event.Envelope, buffer),
		attempts: 3,
		backoff:  100 * time.Millisecond,
		warnLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Archive enqueues env without blocking. A full queue loses the envelope.
func (d *Dispatcher) Archive(env event.Envelope) {
	select {
	case d.queue <- env:
	default:
		d.fail(env, "queue full", nil, metrics.HandoffDropped)
	}
}

// Archived returns the number of envelopes written to the sink.
func (d *Dispatcher) Archived() int64 {
	return d.archived.Load()
}

// Lost returns the number of envelopes that were dropped or failed.
func (d *Dispatcher) Lost() int64 {
	return d.lost.Load()
}

// Serve writes queued envelopes until ctx is done, then drains the queue.
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case env := <-d.queue:
			d.put(ctx, env)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case env := <-d.queue:
					d.put(drain, env)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (d *Dispatcher) put(ctx context.Context, env event.Envelope) {
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if err = d.sink.Put(ctx, env); err == nil {
			d.archived.Add(1)
			d.metrics.Archive(metrics.HandoffSent)
			return
		}
		if attempt < d.attempts && d.backoff > 0 {
			select {
			case <-time.After(d.backoff):
			case <-ctx.Done():
				attempt = d.attempts
			}
		}
	}
	d.fail(env, "sink failed", err, metrics.HandoffFailed)
}

func (d *Dispatcher) fail(env event.Envelope, reason string, err error, outcome string) {
	d.lost.Add(1)
	d.metrics.Archive(outcome)
	d.warnLog.Do(func() {
		d.logger.Warn("archive hand-off lost", "reason", reason,
			"event_id", env.EventID, "aggregate_id", env.AggregateID, "version", env.Version,
			"lost_total", d.lost.Load(), "error", err)
	})
}

// String implements fmt.Stringer for the supervisor's logs.
func (d *Dispatcher) String() string {
	return "archive-dispatcher"
}
