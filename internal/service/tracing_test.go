package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/chronicle/internal/config"
	"github.com/roach88/chronicle/internal/logging"
	"github.com/roach88/chronicle/internal/projection"
	tu "github.com/roach88/chronicle/internal/testutil"
)

// restoreGlobals puts the global provider and propagator back after a test
// replaces them.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func newTracedApp(t *testing.T) (*App, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	cfg := config.Default()
	cfg.Publish.Driver = "none"
	app, err := Build(context.Background(), &cfg, logging.Discard(),
		WithRegistry(tu.OrderRegistry(t)),
		WithClock(tu.NewStepClock()),
		WithTracerProvider(tp),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app, rec
}

func spanNamed(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name())
	}
	require.Failf(t, "span not recorded", "want %q, have %v", name, names)
	return nil
}

func TestSetupTracing_NoopWhenDisabled(t *testing.T) {
	restoreGlobals(t)
	before := otel.GetTracerProvider()

	for _, cfg := range []config.TracingConfig{
		{Enabled: false, Endpoint: "http://localhost:4318", ServiceName: "chronicle"},
		{Enabled: true, Endpoint: "", ServiceName: "chronicle"},
	} {
		tp, shutdown, err := SetupTracing(context.Background(), cfg)
		require.NoError(t, err)
		assert.Equal(t, before, tp)
		assert.Equal(t, before, otel.GetTracerProvider())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, shutdown(ctx))
	}
}

func TestSetupTracing_RegistersProviderWhenEnabled(t *testing.T) {
	restoreGlobals(t)

	// Non-routable address: nothing is exported because no span ends.
	tp, shutdown, err := SetupTracing(context.Background(), config.TracingConfig{
		Enabled:     true,
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "chronicle-test",
		SampleRatio: 1,
	})
	require.NoError(t, err)
	assert.IsType(t, &sdktrace.TracerProvider{}, tp)
	assert.Equal(t, tp, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestBuild_ConfiguredTracingIsClosedWithApp(t *testing.T) {
	restoreGlobals(t)

	cfg := config.Default()
	cfg.Publish.Driver = "none"
	cfg.Tracing = config.TracingConfig{
		Enabled:     true,
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "chronicle-test",
		SampleRatio: 1,
	}
	app, err := Build(context.Background(), &cfg, logging.Discard(), WithRegistry(tu.OrderRegistry(t)))
	require.NoError(t, err)
	assert.IsType(t, &sdktrace.TracerProvider{}, app.Tracing)
	assert.NoError(t, app.Close())
}

func TestBuild_SpansReachTheProvider(t *testing.T) {
	app, rec := newTracedApp(t)
	appendCreated(t, app, "order-1")

	_, err := app.Projections.Rebuild(context.Background(), projection.SummaryName, "order-1")
	require.NoError(t, err)

	spans := rec.Ended()
	appendSpan := spanNamed(t, spans, "store.Append")
	assert.Contains(t, appendSpan.Attributes(), attribute.String("chronicle.aggregate_id", "order-1"))

	rebuild := spanNamed(t, spans, "projection.Rebuild")
	replaySpan := spanNamed(t, spans, "replay.Aggregate")
	assert.Equal(t, rebuild.SpanContext().SpanID(), replaySpan.Parent().SpanID())
	assert.Equal(t, rebuild.SpanContext().TraceID(), replaySpan.SpanContext().TraceID())
}

func TestAPI_TracesRequestsUnderCallerTrace(t *testing.T) {
	restoreGlobals(t)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	app, rec := newTracedApp(t)
	appendCreated(t, app, "order-9")

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/v1/aggregates/order-9/events", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	NewAPI(app).Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	span := spanNamed(t, rec.Ended(), "GET /v1/aggregates/{aggregateID}/events")
	assert.Equal(t, traceID, span.SpanContext().TraceID().String())
	assert.True(t, span.Parent().IsRemote())
	assert.Contains(t, span.Attributes(), attribute.Int("http.response.status_code", http.StatusOK))
}
