package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronicle/internal/canonical"
	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/metrics"
)

const tracerName = "github.com/roach88/chronicle/internal/replay"

// DefaultPageSize is the number of envelopes read per batch.
const DefaultPageSize = 500

// Source is what replay reads from. *store.Store implements it.
type Source interface {
	integrity.Source
	Get(ctx context.Context, eventID string) (event.Envelope, error)
}

// Engine runs replays against a Source.
type Engine struct {
	src         Source
	sealer      *integrity.Sealer
	pageSize    int
	checkpoints CheckpointStore
	every       int
	clock       event.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithSealer sets the sealer used for verification. It must match the one
// the store seals with when signatures are required.
func WithSealer(s *integrity.Sealer) Option {
	return func(e *Engine) { e.sealer = s }
}

// WithPageSize sets the batch size for reads.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithCheckpoints saves a checkpoint every `every` applied envelopes for
// requests that set a CheckpointKey. every < 1 saves only at the end and
// on interruption.
func WithCheckpoints(cs CheckpointStore, every int) Option {
	return func(e *Engine) {
		e.checkpoints = cs
		e.every = every
	}
}

// WithClock sets the clock used to stamp checkpoints.
func WithClock(c event.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records replay metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider sets the provider replay spans go to. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// New creates an Engine.
func New(src Source, opts ...Option) *Engine {
	e := &Engine{
		src:      src,
		pageSize: DefaultPageSize,
		clock:    event.SystemClock,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sealer == nil {
		e.sealer = integrity.NewSealer()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Checkpoints returns the checkpoint store, or nil when checkpointing is
// off.
func (e *Engine) Checkpoints() CheckpointStore {
	return e.checkpoints
}

// Request describes one replay.
type Request[S any] struct {
	AggregateID string
	Apply       Apply[S]

	// FromVersion and ToVersion bound the replay, inclusive. Zero means
	// version 1 and the latest version respectively.
	FromVersion int64
	ToVersion   int64

	// FromEventID and ToEventID bound the replay by event instead of
	// version. They override the version bounds and must belong to
	// AggregateID.
	FromEventID string
	ToEventID   string

	// Anchor is the chain hash of version from-1. It is required when the
	// replay starts after version 1.
	Anchor string

	// Initial is the state before the first applied envelope.
	Initial S

	// CheckpointKey enables checkpointing for this replay. State must be
	// JSON-serializable.
	CheckpointKey string

	// Resume continues from the checkpoint under CheckpointKey, if any.
	Resume bool
}

// Result is the outcome of a successful replay.
type Result[S any] struct {
	AggregateID string
	State       S

	// FromVersion and ToVersion are the versions actually applied. Both are
	// zero when nothing was applied.
	FromVersion int64
	ToVersion   int64
	Applied     int

	// Head is the link of the last applied envelope, or the anchor.
	Head integrity.Link

	// Resumed is the checkpoint version the replay continued from.
	Resumed int64

	// Digest is the domain-separated hash of the canonical JSON of State,
	// empty when State is not JSON-serializable.
	Digest string
}

// Aggregate replays one aggregate. On any error the returned Result carries
// the zero state.
func Aggregate[S any](ctx context.Context, e *Engine, req Request[S]) (res Result[S], err error) {
	ctx, span := e.tracer.Start(ctx, "replay.Aggregate", trace.WithAttributes(
		attribute.String("chronicle.aggregate_id", req.AggregateID),
	))
	defer func() {
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			res = Result[S]{AggregateID: req.AggregateID}
		}
		e.metrics.ObserveReplay(result, res.Applied)
		span.End()
	}()

	r, err := resolve(ctx, e, req)
	if err != nil {
		return Result[S]{}, err
	}

	state := req.Initial
	if r.checkpoint != nil {
		if err := json.Unmarshal(r.checkpoint.State, &state); err != nil {
			return Result[S]{}, fmt.Errorf("replay %s: checkpoint %q: %w", req.AggregateID, req.CheckpointKey, err)
		}
	}
	if err := e.verify(ctx, req.AggregateID, r); err != nil {
		return Result[S]{}, err
	}

	res = Result[S]{AggregateID: req.AggregateID, State: state, Head: r.anchor, Resumed: r.resumed}
	if r.empty() {
		res.Digest = digest(state)
		return res, nil
	}

	verifier := e.sealer.NewChainVerifier(r.anchor)
	sinceCheckpoint := 0
	err = e.pages(ctx, req.AggregateID, r.from, r.to, func(page []event.Envelope) error {
		for _, env := range page {
			if err := ctx.Err(); err != nil {
				saveCheckpoint(ctx, e, req, res)
				return fmt.Errorf("replay %s interrupted after v%d: %w", req.AggregateID, res.Head.Version, err)
			}
			if err := verifier.Next(env); err != nil {
				return e.integrityFailure(ctx, err)
			}
			next, err := req.Apply(res.State, env)
			if err != nil {
				return applyError(env, err)
			}
			res.State = next
			res.Head = integrity.LinkOf(env)
			res.Applied++
			if res.FromVersion == 0 {
				res.FromVersion = env.Version
			}
			res.ToVersion = env.Version

			sinceCheckpoint++
			if e.every > 0 && sinceCheckpoint >= e.every {
				saveCheckpoint(ctx, e, req, res)
				sinceCheckpoint = 0
			}
		}
		return nil
	})
	if err != nil {
		return Result[S]{}, err
	}

	saveCheckpoint(ctx, e, req, res)
	res.Digest = digest(res.State)
	e.logger.DebugContext(ctx, "replay complete",
		"aggregate_id", req.AggregateID, "applied", res.Applied,
		"from_version", res.FromVersion, "to_version", res.ToVersion)
	return res, nil
}

// plan is a resolved request. from and anchor start the fold; a checkpoint
// moves them forward, but verification always starts at verifyFrom.
type plan struct {
	from, to     int64
	anchor       integrity.Link
	verifyFrom   int64
	verifyAnchor integrity.Link
	checkpoint   *Checkpoint
	resumed      int64
}

func (p plan) empty() bool {
	return p.to != 0 && p.to < p.from
}

func resolve[S any](ctx context.Context, e *Engine, req Request[S]) (plan, error) {
	if req.AggregateID == "" {
		return plan{}, event.NewValidationError("", "", "replay: aggregate_id is required", nil)
	}
	if req.Apply == nil {
		return plan{}, event.NewValidationError(req.AggregateID, "", "replay: apply function is required", nil)
	}
	if req.FromVersion < 0 || req.ToVersion < 0 {
		return plan{}, event.NewValidationError(req.AggregateID, "", "replay: versions must not be negative", nil)
	}

	p := plan{from: max(req.FromVersion, 1), to: req.ToVersion}
	if req.FromEventID != "" {
		v, err := e.versionOf(ctx, req.AggregateID, req.FromEventID)
		if err != nil {
			return plan{}, err
		}
		p.from = v
	}
	if req.ToEventID != "" {
		v, err := e.versionOf(ctx, req.AggregateID, req.ToEventID)
		if err != nil {
			return plan{}, err
		}
		p.to = v
	}
	if p.empty() {
		return plan{}, event.NewValidationError(req.AggregateID, "",
			fmt.Sprintf("replay: range ends at v%d before it starts at v%d", p.to, p.from), nil)
	}

	if p.from > 1 {
		if req.Anchor == "" {
			return plan{}, fmt.Errorf("replay %s from v%d: %w", req.AggregateID, p.from, integrity.ErrPredecessorRequired)
		}
		p.anchor = integrity.Link{Version: p.from - 1, ChainHash: req.Anchor}
	}
	p.verifyFrom, p.verifyAnchor = p.from, p.anchor

	if !req.Resume || req.CheckpointKey == "" || e.checkpoints == nil {
		return p, nil
	}
	cp, ok, err := e.checkpoints.LoadCheckpoint(ctx, req.CheckpointKey)
	if err != nil {
		return plan{}, fmt.Errorf("replay %s: load checkpoint %q: %w", req.AggregateID, req.CheckpointKey, err)
	}
	if !ok || cp.AggregateID != req.AggregateID || cp.Version < p.from-1 || (p.to != 0 && cp.Version > p.to) {
		return p, nil
	}
	p.checkpoint = &cp
	p.resumed = cp.Version
	p.from = cp.Version + 1
	p.anchor = integrity.Link{Version: cp.Version, ChainHash: cp.ChainHash}
	return p, nil
}

// versionOf resolves an event id bound.
func (e *Engine) versionOf(ctx context.Context, aggregateID, eventID string) (int64, error) {
	env, err := e.src.Get(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("replay %s: resolve event %s: %w", aggregateID, eventID, err)
	}
	if env.AggregateID != aggregateID {
		verr := event.NewValidationError(aggregateID, env.Type, "replay: event bound belongs to another aggregate", nil)
		verr.EventID = eventID
		return 0, verr
	}
	return env.Version, nil
}

// verify is the first pass: the whole range must verify before anything is
// applied, including the part a checkpoint lets the fold skip. A checkpoint
// must match the verified link at its version.
func (e *Engine) verify(ctx context.Context, aggregateID string, p plan) error {
	v := e.sealer.NewChainVerifier(p.verifyAnchor)
	matched := p.checkpoint == nil
	err := e.pages(ctx, aggregateID, p.verifyFrom, p.to, func(page []event.Envelope) error {
		for _, env := range page {
			if err := v.Next(env); err != nil {
				return e.integrityFailure(ctx, err)
			}
			if p.checkpoint != nil && env.Version == p.checkpoint.Version {
				if env.ChainHash != p.checkpoint.ChainHash {
					return e.integrityFailure(ctx, event.NewIntegrityError(env,
						fmt.Sprintf("checkpoint %q chain hash does not match the stored chain", p.checkpoint.Key)))
				}
				matched = true
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	if !matched {
		return e.integrityFailure(ctx, event.NewCorruptionError(
			fmt.Sprintf("checkpoint %q is at v%d beyond the end of stream %s", p.checkpoint.Key, p.checkpoint.Version, aggregateID),
			map[string]string{"aggregate_id": aggregateID}))
	}
	return nil
}

// pages reads [from, to] in batches and hands each to fn. to == 0 reads to
// the end of the stream. A page shorter than requested ends the walk.
func (e *Engine) pages(ctx context.Context, aggregateID string, from, to int64, fn func([]event.Envelope) error) error {
	for {
		end := from + int64(e.pageSize) - 1
		if to != 0 && end > to {
			end = to
		}
		page, err := e.src.Read(ctx, aggregateID, from, end)
		if err != nil {
			return fmt.Errorf("replay %s: read [%d,%d]: %w", aggregateID, from, end, err)
		}
		if len(page) > 0 && page[0].Version != from {
			return event.NewCorruptionError(
				fmt.Sprintf("stream %s starts page at v%d, expected v%d", aggregateID, page[0].Version, from),
				map[string]string{"aggregate_id": aggregateID})
		}
		if err := fn(page); err != nil {
			return err
		}
		if int64(len(page)) < end-from+1 || end == to {
			return nil
		}
		from = end + 1
	}
}

func (e *Engine) integrityFailure(ctx context.Context, err error) error {
	e.metrics.IntegrityFailure("replay")
	attrs := []any{"error", err}
	if ev, ok := event.AsError(err); ok {
		attrs = append(attrs, "aggregate_id", ev.AggregateID, "version", ev.Version, "event_id", ev.EventID)
	}
	e.logger.ErrorContext(ctx, "replay aborted: chain does not verify", attrs...)
	return err
}

// saveCheckpoint records res under req.CheckpointKey. Failures are logged:
// a missing checkpoint costs a longer replay, not correctness.
func saveCheckpoint[S any](ctx context.Context, e *Engine, req Request[S], res Result[S]) {
	if e.checkpoints == nil || req.CheckpointKey == "" || res.Applied == 0 {
		return
	}
	state, err := json.Marshal(res.State)
	if err != nil {
		e.logger.WarnContext(ctx, "checkpoint state not serializable", "key", req.CheckpointKey, "error", err)
		return
	}
	cp := Checkpoint{
		Key:         req.CheckpointKey,
		AggregateID: req.AggregateID,
		Version:     res.Head.Version,
		ChainHash:   res.Head.ChainHash,
		State:       state,
		UpdatedAt:   event.NormalizeTime(e.clock.Now()),
	}
	if err := e.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		e.logger.WarnContext(ctx, "checkpoint save failed", "key", req.CheckpointKey, "version", cp.Version, "error", err)
	}
}

func digest(state any) string {
	raw, err := canonical.MarshalJSONValue(state)
	if err != nil {
		return ""
	}
	return canonical.StateDigest(raw)
}

// IsInterrupted reports whether err ended a replay through cancellation.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
