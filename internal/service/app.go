// Package service assembles chronicle's components from configuration and
// runs them as a supervised server.
//
// Build wires the store, its collaborators and the read-side engines. The
// CLI uses the same App for one-shot commands and never starts the
// background services; serve adds them to a supervision tree together with
// the HTTP API.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronicle/internal/archive"
	"github.com/roach88/chronicle/internal/config"
	"github.com/roach88/chronicle/internal/correlation"
	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/projection"
	"github.com/roach88/chronicle/internal/publish"
	"github.com/roach88/chronicle/internal/query"
	"github.com/roach88/chronicle/internal/replay"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/store/memstore"
	"github.com/roach88/chronicle/internal/store/sqlstore"
)

// ErrNoRegistry is returned by Draft when no registry is configured.
var ErrNoRegistry = errors.New("no event registry configured")

// App holds every wired component.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracing trace.TracerProvider

	// Registry and Builder are nil when no registry file is configured.
	Registry *event.Registry
	Builder  *event.Builder

	Sealer      *integrity.Sealer
	Backend     store.Backend
	Store       *store.Store
	Query       *query.Engine
	Replay      *replay.Engine
	Projections *projection.Engine
	Tracker     *correlation.Tracker

	publisher  *publish.Publisher
	subscriber message.Subscriber
	archiver   *archive.Dispatcher
	closers    []func() error
}

// Option adjusts an App before its components are built.
type Option func(*buildOptions)

type buildOptions struct {
	clock    event.Clock
	idGen    event.IDGenerator
	registry *event.Registry
	backend  store.Backend
	tracing  trace.TracerProvider
}

// WithClock replaces the system clock for the builder and the store.
func WithClock(c event.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

// WithIDGenerator replaces UUIDv7 event ids.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(o *buildOptions) { o.idGen = g }
}

// WithRegistry uses r instead of loading registry.path.
func WithRegistry(r *event.Registry) Option {
	return func(o *buildOptions) { o.registry = r }
}

// WithBackend uses b instead of opening store.driver.
func WithBackend(b store.Backend) Option {
	return func(o *buildOptions) { o.backend = b }
}

// WithTracerProvider sends spans to tp instead of the provider configured
// under tracing.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *buildOptions) { o.tracing = tp }
}

// Build wires an App. On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions{clock: event.SystemClock}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if err := app.buildTracing(ctx, o); err != nil {
		return nil, err
	}
	if err := app.buildRegistry(o); err != nil {
		return nil, err
	}
	if app.Sealer, err = NewSealer(cfg.Integrity); err != nil {
		return nil, err
	}

	repo, checkpoints, err := app.openBackend(ctx, o)
	if err != nil {
		return nil, err
	}

	storeOpts := []store.Option{
		store.WithSealer(app.Sealer),
		store.WithClock(o.clock),
		store.WithLogger(logger),
		store.WithMetrics(app.Metrics),
		store.WithTracerProvider(app.Tracing),
	}
	if app.Registry != nil {
		storeOpts = append(storeOpts, store.WithRegistry(app.Registry))
	}
	if err := app.buildPublisher(); err != nil {
		return nil, err
	}
	if app.publisher != nil {
		storeOpts = append(storeOpts, store.WithPublisher(app.publisher))
	}
	if err := app.buildArchiver(); err != nil {
		return nil, err
	}
	if app.archiver != nil {
		storeOpts = append(storeOpts, store.WithArchiver(app.archiver))
	}
	app.Store = store.New(app.Backend, storeOpts...)

	app.Query = query.New(app.Store, query.WithPageSize(cfg.Store.PageSize))
	app.Replay = replay.New(app.Store,
		replay.WithSealer(app.Sealer),
		replay.WithPageSize(cfg.Replay.PageSize),
		replay.WithCheckpoints(checkpoints, cfg.Replay.CheckpointEvery),
		replay.WithClock(o.clock),
		replay.WithLogger(logger),
		replay.WithMetrics(app.Metrics),
		replay.WithTracerProvider(app.Tracing),
	)
	app.Projections = projection.NewEngine(app.Replay, repo,
		projection.WithClock(o.clock),
		projection.WithLogger(logger),
		projection.WithMetrics(app.Metrics),
		projection.WithTracerProvider(app.Tracing),
	)
	if err := app.Projections.Register(projection.NewSummary()); err != nil {
		return nil, err
	}
	app.Tracker = correlation.New(app.Store,
		correlation.WithLogger(logger),
		correlation.WithPageSize(cfg.Store.PageSize),
	)
	return app, nil
}

// tracingFlushTimeout bounds the span flush on Close.
const tracingFlushTimeout = 5 * time.Second

func (a *App) buildTracing(ctx context.Context, o buildOptions) error {
	if o.tracing != nil {
		a.Tracing = o.tracing
		return nil
	}
	tp, shutdown, err := SetupTracing(ctx, a.Config.Tracing)
	if err != nil {
		return err
	}
	a.Tracing = tp
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), tracingFlushTimeout)
		defer cancel()
		return shutdown(ctx)
	})
	if a.Config.Tracing.Enabled {
		a.Logger.Info("tracing enabled", "endpoint", a.Config.Tracing.Endpoint, "sample_ratio", a.Config.Tracing.SampleRatio)
	}
	return nil
}

func (a *App) buildRegistry(o buildOptions) error {
	a.Registry = o.registry
	if a.Registry == nil && a.Config.Registry.Path != "" {
		r, err := event.LoadRegistry(a.Config.Registry.Path)
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
		a.Registry = r
	}
	if a.Registry == nil {
		return nil
	}
	builderOpts := []event.BuilderOption{event.WithClock(o.clock)}
	if o.idGen != nil {
		builderOpts = append(builderOpts, event.WithIDGenerator(o.idGen))
	}
	a.Builder = event.NewBuilder(a.Registry, builderOpts...)
	return nil
}

// NewSealer builds the sealer for the configured signer.
func NewSealer(cfg config.IntegrityConfig) (*integrity.Sealer, error) {
	var opts []integrity.Option
	switch cfg.Signer {
	case "", "none":
		return integrity.NewSealer(), nil
	case "hmac":
		keys, err := integrity.ParseHMACKeys(cfg.HMACKeys)
		if err != nil {
			return nil, err
		}
		ring, err := integrity.NewHMACKeyring(keys, cfg.HMACActiveKeyID)
		if err != nil {
			return nil, err
		}
		opts = append(opts, integrity.WithSigner(ring))
	case "ed25519":
		seed, err := hex.DecodeString(cfg.Ed25519Seed)
		if err != nil {
			return nil, fmt.Errorf("ed25519 seed: %w", err)
		}
		signer, err := integrity.NewEd25519Signer(cfg.Ed25519KeyID, seed)
		if err != nil {
			return nil, err
		}
		opts = append(opts, integrity.WithSigner(signer))
	default:
		return nil, fmt.Errorf("unknown signer %q", cfg.Signer)
	}
	if cfg.RequireSignatures {
		opts = append(opts, integrity.RequireSignatures())
	}
	return integrity.NewSealer(opts...), nil
}

func (a *App) openBackend(ctx context.Context, o buildOptions) (projection.Repository, replay.CheckpointStore, error) {
	if o.backend != nil {
		a.Backend = o.backend
		a.closers = append(a.closers, o.backend.Close)
		if sb, ok := o.backend.(*sqlstore.Backend); ok {
			return sb.Projections(), sb.Checkpoints(), nil
		}
		return projection.NewMemoryRepository(), replay.NewMemoryCheckpoints(), nil
	}

	cfg := a.Config.Store
	switch cfg.Driver {
	case "", "memory":
		b := memstore.New()
		a.Backend = b
		a.closers = append(a.closers, b.Close)
		return projection.NewMemoryRepository(), replay.NewMemoryCheckpoints(), nil
	case "sqlite", "postgres":
		dialect, err := sqlstore.DialectFor(cfg.Driver)
		if err != nil {
			return nil, nil, err
		}
		b, err := sqlstore.Open(ctx, dialect, cfg.DSN, sqlstore.WithCompressionThreshold(cfg.CompressionThreshold))
		if err != nil {
			return nil, nil, err
		}
		a.Backend = b
		a.closers = append(a.closers, b.Close)
		a.Logger.Info("store opened", "driver", dialect.Name())
		return b.Projections(), b.Checkpoints(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) buildPublisher() error {
	cfg := a.Config.Publish
	var pub message.Publisher
	switch cfg.Driver {
	case "", "none":
		return nil
	case "channel":
		ch := publish.NewChannel(a.Logger, int64(cfg.Buffer))
		pub, a.subscriber = ch, ch
		a.closers = append(a.closers, ch.Close)
	case "nats":
		p, s, err := publish.NewNATS(cfg.URL, cfg.QueueGroup, a.Logger)
		if err != nil {
			return err
		}
		pub, a.subscriber = p, s
		a.closers = append(a.closers, p.Close, s.Close)
	default:
		return fmt.Errorf("unknown publish driver %q", cfg.Driver)
	}
	a.publisher = publish.New(pub, publish.Config{
		Topic:           cfg.Topic,
		Buffer:          cfg.Buffer,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, publish.WithLogger(a.Logger), publish.WithMetrics(a.Metrics))
	return nil
}

func (a *App) buildArchiver() error {
	cfg := a.Config.Archive
	if !cfg.Enabled {
		return nil
	}
	sink, err := archive.OpenBadger(cfg.Dir)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	a.closers = append(a.closers, sink.Close)
	a.archiver = archive.NewDispatcher(sink, cfg.Buffer,
		archive.WithRetry(cfg.RetryAttempts, cfg.RetryBackoff),
		archive.WithLogger(a.Logger),
		archive.WithMetrics(a.Metrics),
	)
	return nil
}

// Draft builds an unsealed envelope with the configured registry.
func (a *App) Draft(ctx context.Context, d event.Draft) (event.Envelope, error) {
	if a.Builder == nil {
		return event.Envelope{}, ErrNoRegistry
	}
	return a.Builder.Build(ctx, d)
}

// DeliveryServices returns the publisher and the archive dispatcher, each
// only when configured.
func (a *App) DeliveryServices() []suture.Service {
	var out []suture.Service
	if a.publisher != nil {
		out = append(out, a.publisher)
	}
	if a.archiver != nil {
		out = append(out, a.archiver)
	}
	return out
}

// ReadSideServices returns the projection consumer when envelopes are
// published.
func (a *App) ReadSideServices() []suture.Service {
	if a.subscriber == nil || a.publisher == nil {
		return nil
	}
	return []suture.Service{
		projection.NewConsumer(a.subscriber, a.publisher.Topic(), a.Projections, a.Logger),
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
