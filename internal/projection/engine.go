package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/replay"
)

const tracerName = "github.com/roach88/chronicle/internal/projection"

// ErrUnknownProjection is returned for a name that was never registered.
var ErrUnknownProjection = errors.New("unknown projection")

// Engine applies envelopes to registered projections and rebuilds them.
type Engine struct {
	replay *replay.Engine
	repo   Repository
	clock  event.Clock
	logger *slog.Logger

	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu          sync.RWMutex
	projections map[string]Projection

	locks sync.Map // snapshotKey -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to stamp snapshots.
func WithClock(c event.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records projection outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider sets the provider rebuild spans go to.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// NewEngine creates an Engine. Rebuilds read through r; snapshots live in
// repo.
func NewEngine(r *replay.Engine, repo Repository, opts ...Option) *Engine {
	e := &Engine{
		replay:      r,
		repo:        repo,
		clock:       event.SystemClock,
		tracer:      otel.Tracer(tracerName),
		projections: make(map[string]Projection),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Register adds projections. Names must be unique.
func (e *Engine) Register(ps ...Projection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range ps {
		if p.Name() == "" {
			return fmt.Errorf("register projection: name is required")
		}
		if _, dup := e.projections[p.Name()]; dup {
			return fmt.Errorf("register projection %s: already registered", p.Name())
		}
		e.projections[p.Name()] = p
	}
	return nil
}

// Names returns the registered projection names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.projections))
	for name := range e.projections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) projection(name string) (Projection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.projections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return p, nil
}

func (e *Engine) lock(name, aggregateID string) func() {
	v, _ := e.locks.LoadOrStore(snapshotKey{name, aggregateID}, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Handle delivers one sealed envelope to every projection that accepts its
// aggregate. Re-delivery is harmless. Errors from individual projections
// are joined; the other projections still see the envelope.
func (e *Engine) Handle(ctx context.Context, env event.Envelope) error {
	if !env.Sealed() {
		return event.NewValidationError(env.AggregateID, env.Type, "projection: envelope is not sealed", nil)
	}
	var errs []error
	for _, name := range e.Names() {
		p, err := e.projection(name)
		if err != nil {
			continue
		}
		if !p.Accepts(env.AggregateID) {
			continue
		}
		if err := e.handle(ctx, p, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handle(ctx context.Context, p Projection, env event.Envelope) error {
	name := p.Name()
	defer e.lock(name, env.AggregateID)()

	snap, ok, err := e.repo.LoadSnapshot(ctx, name, env.AggregateID)
	if err != nil {
		return fmt.Errorf("projection %s: load %s: %w", name, env.AggregateID, err)
	}
	if !ok {
		initial, err := p.Initial()
		if err != nil {
			return err
		}
		snap = Snapshot{Name: name, AggregateID: env.AggregateID, State: initial}
	}

	switch {
	case snap.Stale || env.Version <= snap.LastAppliedVersion:
		e.metrics.ProjectionEvent(name, metrics.ProjectionIgnored)
		return nil
	case env.Version > snap.LastAppliedVersion+1:
		snap.Stale = true
		snap.UpdatedAt = event.NormalizeTime(e.clock.Now())
		if err := e.repo.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("projection %s: save %s: %w", name, env.AggregateID, err)
		}
		e.metrics.ProjectionEvent(name, metrics.ProjectionStale)
		e.logger.WarnContext(ctx, "projection marked stale",
			"projection", name, "aggregate_id", env.AggregateID,
			"last_applied_version", snap.LastAppliedVersion, "version", env.Version, "event_id", env.EventID)
		return nil
	}

	next, err := step(p, snap.State, env)
	if err != nil {
		return fmt.Errorf("projection %s: %w", name, err)
	}
	snap.State = next
	snap.LastAppliedVersion = env.Version
	snap.UpdatedAt = event.NormalizeTime(e.clock.Now())
	if err := e.repo.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("projection %s: save %s: %w", name, env.AggregateID, err)
	}
	e.metrics.ProjectionEvent(name, metrics.ProjectionApplied)
	return nil
}

// Get returns the stored snapshot and whether one exists. Callers must
// check Snapshot.Stale.
func (e *Engine) Get(ctx context.Context, name, aggregateID string) (Snapshot, bool, error) {
	if _, err := e.projection(name); err != nil {
		return Snapshot{}, false, err
	}
	return e.repo.LoadSnapshot(ctx, name, aggregateID)
}

// List returns every snapshot of a projection.
func (e *Engine) List(ctx context.Context, name string) ([]Snapshot, error) {
	if _, err := e.projection(name); err != nil {
		return nil, err
	}
	return e.repo.ListSnapshots(ctx, name)
}

// Rebuild discards the projection's state for aggregateID and replays the
// verified stream through the same fold used by Handle. An interrupted
// rebuild resumes from its checkpoint when the replay engine keeps them.
//
// The stream is verified before anything is applied; on failure the stored
// snapshot is left as it was.
func (e *Engine) Rebuild(ctx context.Context, name, aggregateID string) (snap Snapshot, err error) {
	p, err := e.projection(name)
	if err != nil {
		return Snapshot{}, err
	}
	if !p.Accepts(aggregateID) {
		return Snapshot{}, event.NewValidationError(aggregateID, "",
			fmt.Sprintf("projection %s is not kept for this aggregate", name), nil)
	}

	ctx, span := e.tracer.Start(ctx, "projection.Rebuild", trace.WithAttributes(
		attribute.String("chronicle.projection", name),
		attribute.String("chronicle.aggregate_id", aggregateID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer e.lock(name, aggregateID)()

	initial, err := p.Initial()
	if err != nil {
		return Snapshot{}, err
	}
	key := rebuildCheckpointKey(name, aggregateID)
	res, err := replay.Aggregate(ctx, e.replay, replay.Request[json.RawMessage]{
		AggregateID: aggregateID,
		Apply: func(state json.RawMessage, env event.Envelope) (json.RawMessage, error) {
			return step(p, state, env)
		},
		Initial:       initial,
		CheckpointKey: key,
		Resume:        true,
	})
	if err != nil {
		if event.IsIntegrity(err) {
			e.metrics.IntegrityFailure("rebuild")
		}
		return Snapshot{}, fmt.Errorf("rebuild %s for %s: %w", name, aggregateID, err)
	}
	e.metrics.Rebuild(name)
	if cs := e.replay.Checkpoints(); cs != nil {
		if err := cs.DeleteCheckpoint(ctx, key); err != nil {
			e.logger.WarnContext(ctx, "rebuild checkpoint not removed", "key", key, "error", err)
		}
	}

	snap = Snapshot{
		Name:        name,
		AggregateID: aggregateID,
		State:       res.State,
		UpdatedAt:   event.NormalizeTime(e.clock.Now()),
	}
	if res.Head.Version == 0 {
		if err := e.repo.DeleteSnapshot(ctx, name, aggregateID); err != nil {
			return Snapshot{}, fmt.Errorf("rebuild %s for %s: %w", name, aggregateID, err)
		}
		return snap, nil
	}
	snap.LastAppliedVersion = res.Head.Version
	if err := e.repo.SaveSnapshot(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("rebuild %s for %s: %w", name, aggregateID, err)
	}
	e.logger.InfoContext(ctx, "projection rebuilt",
		"projection", name, "aggregate_id", aggregateID,
		"last_applied_version", snap.LastAppliedVersion, "digest", res.Digest)
	return snap, nil
}

func rebuildCheckpointKey(name, aggregateID string) string {
	return "rebuild/" + name + "/" + aggregateID
}
