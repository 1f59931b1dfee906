package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/metrics"
)

const tracerName = "github.com/roach88/chronicle/internal/store"

// Publisher receives every newly sealed envelope. Publish must not block.
type Publisher interface {
	Publish(env event.Envelope)
}

// Archiver receives sealed envelopes flagged for long-term retention.
// Archive must not block.
type Archiver interface {
	Archive(env event.Envelope)
}

// Store is the append-only event log.
type Store struct {
	backend   Backend
	sealer    *integrity.Sealer
	registry  *event.Registry
	clock     event.Clock
	publisher Publisher
	archiver  Archiver
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithSealer replaces the default unsigned sealer.
func WithSealer(s *integrity.Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// WithRegistry rejects appends whose event type and schema version are not
// registered.
func WithRegistry(r *event.Registry) Option {
	return func(st *Store) { st.registry = r }
}

// WithClock sets the clock used for recorded_at.
func WithClock(c event.Clock) Option {
	return func(st *Store) { st.clock = c }
}

// WithPublisher sets the notification collaborator.
func WithPublisher(p Publisher) Option {
	return func(st *Store) { st.publisher = p }
}

// WithArchiver sets the archival collaborator.
func WithArchiver(a Archiver) Option {
	return func(st *Store) { st.archiver = a }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// WithMetrics records append metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(st *Store) { st.metrics = m }
}

// WithTracerProvider sets the provider append spans go to. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(st *Store) { st.tracer = tp.Tracer(tracerName) }
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		clock:   event.SystemClock,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sealer == nil {
		s.sealer = integrity.NewSealer()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Backend returns the underlying storage.
func (s *Store) Backend() Backend {
	return s.backend
}

// Sealer returns the sealer used to stamp and verify chain hashes.
func (s *Store) Sealer() *integrity.Sealer {
	return s.sealer
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Append seals env as version expectedVersion+1 of its aggregate and writes
// it. env is normally the output of event.Builder.Build; any version, chain
// hash or signature it carries is replaced.
//
// If env.EventID is already stored for the same aggregate, Append returns
// the stored envelope and writes nothing.
func (s *Store) Append(ctx context.Context, env event.Envelope, expectedVersion int64) (sealed event.Envelope, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "store.Append", trace.WithAttributes(
		attribute.String("chronicle.aggregate_id", env.AggregateID),
		attribute.String("chronicle.event_type", env.Type),
		attribute.Int64("chronicle.expected_version", expectedVersion),
	))
	result := metrics.ResultOK
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			result = resultOf(err)
		}
		span.End()
		s.metrics.ObserveAppend(result, time.Since(start))
	}()

	if err := s.validate(env, expectedVersion); err != nil {
		return event.Envelope{}, err
	}

	if existing, ok, err := s.existing(ctx, env); err != nil || ok {
		if ok {
			result = metrics.ResultIdempotent
		}
		return existing, err
	}

	head, err := s.backend.Head(ctx, env.AggregateID)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("append %s: head: %w", env.AggregateID, err)
	}
	if head.Version != expectedVersion {
		existing, found, err := s.conflict(ctx, env, expectedVersion, head.Version)
		if found {
			result = metrics.ResultIdempotent
		}
		return existing, err
	}

	next := env.Clone()
	next.Version = expectedVersion + 1
	next.OccurredAt = event.NormalizeTime(next.OccurredAt)
	next.RecordedAt = event.NormalizeTime(s.clock.Now())
	if head.Version > 0 && next.RecordedAt.Before(head.RecordedAt) {
		next.RecordedAt = head.RecordedAt
	}
	if next.OccurredAt.IsZero() {
		next.OccurredAt = next.RecordedAt
	}

	sealed, err = s.sealer.Seal(next, integrity.LinkOf(head))
	if err != nil {
		return event.Envelope{}, fmt.Errorf("append %s: seal: %w", env.AggregateID, err)
	}

	ok, err := s.backend.PutIfVersion(ctx, env.AggregateID, expectedVersion, sealed)
	if errors.Is(err, ErrDuplicateEventID) {
		// Lost a race with a retry of the same event.
		if existing, found, lookupErr := s.existing(ctx, env); lookupErr != nil || found {
			if found {
				result = metrics.ResultIdempotent
			}
			return existing, lookupErr
		}
	}
	if err != nil {
		return event.Envelope{}, fmt.Errorf("append %s v%d: %w", env.AggregateID, sealed.Version, err)
	}
	if !ok {
		actual := expectedVersion + 1
		if h, err := s.backend.Head(ctx, env.AggregateID); err == nil {
			actual = h.Version
		}
		existing, found, err := s.conflict(ctx, env, expectedVersion, actual)
		if found {
			result = metrics.ResultIdempotent
		}
		return existing, err
	}

	s.logger.DebugContext(ctx, "append accepted",
		"aggregate_id", sealed.AggregateID, "event_id", sealed.EventID,
		"event_type", sealed.Type, "version", sealed.Version)
	span.SetAttributes(attribute.Int64("chronicle.version", sealed.Version))

	s.handOff(sealed)
	return sealed, nil
}

func (s *Store) validate(env event.Envelope, expectedVersion int64) error {
	switch {
	case env.AggregateID == "":
		return event.NewValidationError("", env.Type, "aggregate_id is required", nil)
	case env.Type == "":
		return event.NewValidationError(env.AggregateID, "", "event_type is required", nil)
	case env.EventID == "":
		return event.NewValidationError(env.AggregateID, env.Type, "event_id is required", nil)
	case len(env.Payload) == 0:
		return event.NewValidationError(env.AggregateID, env.Type, "payload is required", nil)
	case expectedVersion < 0:
		return event.NewValidationError(env.AggregateID, env.Type, "expected_version must not be negative", nil)
	case env.CausationID == env.EventID:
		return event.NewValidationError(env.AggregateID, env.Type, "an event cannot cause itself", nil)
	}
	if s.registry != nil {
		if _, err := s.registry.Lookup(env.Type, env.SchemaVersion); err != nil {
			return event.NewValidationError(env.AggregateID, env.Type, "event type is not in the registry", err)
		}
		if err := s.registry.ValidatePayload(env.Type, env.SchemaVersion, env.Payload); err != nil {
			return err
		}
	}
	return nil
}

// existing looks up env.EventID. A hit in another aggregate is a
// validation error: event ids are never reused.
func (s *Store) existing(ctx context.Context, env event.Envelope) (event.Envelope, bool, error) {
	stored, err := s.backend.GetByEventID(ctx, env.EventID)
	if errors.Is(err, ErrNotFound) {
		return event.Envelope{}, false, nil
	}
	if err != nil {
		return event.Envelope{}, false, fmt.Errorf("append %s: lookup event %s: %w", env.AggregateID, env.EventID, err)
	}
	if stored.AggregateID != env.AggregateID {
		e := event.NewValidationError(env.AggregateID, env.Type, "event_id is already used by another aggregate", nil)
		e.EventID = env.EventID
		return event.Envelope{}, false, e
	}
	s.logger.InfoContext(ctx, "append is a retry of a stored event",
		"aggregate_id", stored.AggregateID, "event_id", stored.EventID, "version", stored.Version)
	return stored, true, nil
}

// conflict reports a version mismatch, unless a concurrent retry of the
// same event won the race, in which case the stored envelope is returned.
func (s *Store) conflict(ctx context.Context, env event.Envelope, expected, actual int64) (event.Envelope, bool, error) {
	if existing, found, err := s.existing(ctx, env); err != nil || found {
		return existing, found, err
	}
	s.logger.DebugContext(ctx, "append conflict",
		"aggregate_id", env.AggregateID, "event_id", env.EventID,
		"expected_version", expected, "actual_version", actual)
	return event.Envelope{}, false, event.NewConcurrencyConflict(env.AggregateID, env.EventID, expected, actual)
}

func (s *Store) handOff(env event.Envelope) {
	if s.publisher != nil {
		s.publisher.Publish(env.Clone())
	}
	if s.archiver != nil && env.Retained() {
		s.archiver.Archive(env.Clone())
	}
}

func resultOf(err error) string {
	switch {
	case event.IsConcurrencyConflict(err):
		return metrics.ResultConflict
	case event.IsValidation(err), event.IsUnknownEventType(err):
		return metrics.ResultValidation
	default:
		return metrics.ResultError
	}
}

// Read returns versions from..to of an aggregate, in order. from < 1 reads
// from version 1; to == 0 reads through the latest version. An unknown
// aggregate or empty range yields an empty, non-nil slice.
func (s *Store) Read(ctx context.Context, aggregateID string, from, to int64) ([]event.Envelope, error) {
	if from < 1 {
		from = 1
	}
	if to != 0 && to < from {
		return []event.Envelope{}, nil
	}
	envs, err := s.backend.GetRange(ctx, aggregateID, from, to)
	if err != nil {
		return nil, fmt.Errorf("read %s [%d,%d]: %w", aggregateID, from, to, err)
	}
	if envs == nil {
		envs = []event.Envelope{}
	}
	return envs, nil
}

// ReadAll returns the full stream of an aggregate.
func (s *Store) ReadAll(ctx context.Context, aggregateID string) ([]event.Envelope, error) {
	return s.Read(ctx, aggregateID, 1, 0)
}

// Get returns the envelope with the given event id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, eventID string) (event.Envelope, error) {
	env, err := s.backend.GetByEventID(ctx, eventID)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("get %s: %w", eventID, err)
	}
	return env, nil
}

// Head returns the chain link of the latest version of an aggregate, or
// the genesis link when it has none.
func (s *Store) Head(ctx context.Context, aggregateID string) (integrity.Link, error) {
	env, err := s.backend.Head(ctx, aggregateID)
	if err != nil {
		return integrity.Link{}, fmt.Errorf("head %s: %w", aggregateID, err)
	}
	return integrity.LinkOf(env), nil
}

// Scan returns one page of envelopes matching f after the cursor.
func (s *Store) Scan(ctx context.Context, f Filter, after Cursor, limit int) ([]event.Envelope, error) {
	if limit <= 0 {
		return []event.Envelope{}, nil
	}
	envs, err := s.backend.Scan(ctx, f, after, limit)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if envs == nil {
		envs = []event.Envelope{}
	}
	return envs, nil
}

// Children returns the envelopes directly caused by eventID.
func (s *Store) Children(ctx context.Context, eventID string) ([]event.Envelope, error) {
	envs, err := s.backend.Children(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", eventID, err)
	}
	if envs == nil {
		envs = []event.Envelope{}
	}
	return envs, nil
}

// Aggregates lists every aggregate id.
func (s *Store) Aggregates(ctx context.Context) ([]string, error) {
	ids, err := s.backend.Aggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregates: %w", err)
	}
	return ids, nil
}

// Verify audits the chain of every aggregate (or only the given ones).
func (s *Store) Verify(ctx context.Context, pageSize int, aggregateIDs ...string) ([]integrity.Report, error) {
	if len(aggregateIDs) == 0 {
		ids, err := s.Aggregates(ctx)
		if err != nil {
			return nil, err
		}
		aggregateIDs = ids
	}
	reports, err := s.sealer.Audit(ctx, s, aggregateIDs, pageSize)
	for _, r := range reports {
		if !r.OK() {
			s.metrics.IntegrityFailure("audit")
			s.logger.ErrorContext(ctx, "chain verification failed",
				"aggregate_id", r.AggregateID, "version", r.FirstDivergentVersion(),
				"failures", len(r.Failures))
		}
	}
	return reports, err
}
