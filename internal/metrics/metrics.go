// Package metrics defines the Prometheus collectors for the audit trail.
//
// Collectors live on a Metrics value with its own registry rather than the
// global default, so each Store or server instance (and each test) gets an
// isolated set. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chronicle"

// Append results.
const (
	ResultOK         = "ok"
	ResultIdempotent = "idempotent"
	ResultConflict   = "conflict"
	ResultValidation = "validation"
	ResultError      = "error"
)

// Hand-off outcomes for publish and archive.
const (
	HandoffSent    = "sent"
	HandoffDropped = "dropped"
	HandoffFailed  = "failed"
)

// Projection outcomes.
const (
	ProjectionApplied = "applied"
	ProjectionIgnored = "ignored"
	ProjectionStale   = "stale"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	appendsTotal      *prometheus.CounterVec
	appendDuration    prometheus.Histogram
	publishTotal      *prometheus.CounterVec
	archiveTotal      *prometheus.CounterVec
	replaysTotal      *prometheus.CounterVec
	replayedEvents    prometheus.Counter
	integrityFailures *prometheus.CounterVec
	projectionEvents  *prometheus.CounterVec
	rebuildsTotal     *prometheus.CounterVec
}

// New creates a Metrics with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		appendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Total number of append calls by result",
		}, []string{"result"}),
		appendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Append latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		publishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Envelopes handed to the publisher by outcome",
		}, []string{"outcome"}),
		archiveTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_total",
			Help:      "Envelopes handed to the archive by outcome",
		}, []string{"outcome"}),
		replaysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Replay runs by result",
		}, []string{"result"}),
		replayedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_events_total",
			Help:      "Envelopes applied during replay",
		}),
		integrityFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Chain verification failures by source",
		}, []string{"source"}),
		projectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_events_total",
			Help:      "Envelopes delivered to projections by outcome",
		}, []string{"projection", "outcome"}),
		rebuildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_rebuilds_total",
			Help:      "Projection rebuilds by projection",
		}, []string{"projection"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAppend records one append call.
func (m *Metrics) ObserveAppend(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(result).Inc()
	m.appendDuration.Observe(d.Seconds())
}

// Publish records a publish hand-off.
func (m *Metrics) Publish(outcome string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(outcome).Inc()
}

// Archive records an archive hand-off.
func (m *Metrics) Archive(outcome string) {
	if m == nil {
		return
	}
	m.archiveTotal.WithLabelValues(outcome).Inc()
}

// ObserveReplay records a finished replay and the envelopes it applied.
func (m *Metrics) ObserveReplay(result string, applied int) {
	if m == nil {
		return
	}
	m.replaysTotal.WithLabelValues(result).Inc()
	m.replayedEvents.Add(float64(applied))
}

// IntegrityFailure records a verification failure. source is the operation
// that detected it: replay, audit or rebuild.
func (m *Metrics) IntegrityFailure(source string) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(source).Inc()
}

// ProjectionEvent records the outcome of delivering one envelope.
func (m *Metrics) ProjectionEvent(projection, outcome string) {
	if m == nil {
		return
	}
	m.projectionEvents.WithLabelValues(projection, outcome).Inc()
}

// Rebuild records a projection rebuild.
func (m *Metrics) Rebuild(projection string) {
	if m == nil {
		return
	}
	m.rebuildsTotal.WithLabelValues(projection).Inc()
}
