// Package sqlstore is a relational store.Backend for SQLite and PostgreSQL.
//
// Envelopes live in one events table keyed by (aggregate_id, version), with
// a unique event_id. An append checks the aggregate's head inside a
// transaction; the primary key settles races between writers that both
// pass the check.
//
// Payloads larger than the compression threshold are stored zstd-encoded.
// Hashes never see the stored bytes: they are computed over the canonical
// payload, which decoding restores.
//
// The same database also holds projection snapshots and replay checkpoints
// (see Projections and Checkpoints).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/chronicle/internal/store"
)

// Schema version tracking:
// 1 - initial schema
// 2 - index on events.causation_id
const currentSchemaVersion = 2

// DefaultCompressionThreshold is the payload size in bytes above which
// payloads are compressed.
const DefaultCompressionThreshold = 4096

// Backend implements store.Backend on database/sql.
type Backend struct {
	db        *sql.DB
	dialect   Dialect
	threshold int
}

var _ store.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithCompressionThreshold sets the payload size above which payloads are
// zstd-compressed. n <= 0 disables compression.
func WithCompressionThreshold(n int) Option {
	return func(b *Backend) { b.threshold = n }
}

// New wraps an open database. It does not touch the schema; call Migrate
// for that.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Backend {
	b := &Backend{db: db, dialect: dialect, threshold: DefaultCompressionThreshold}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open connects to dsn with the dialect's driver, applies connection
// settings and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Backend, error) {
	db, err := sql.Open(dialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", dialect.name, err)
	}

	if dialect.name == SQLite.name {
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragmas: %w", err)
		}
	}

	b := New(db, dialect, opts...)
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Backend, error) {
	return Open(ctx, SQLite, path, opts...)
}

// OpenPostgres connects to a PostgreSQL database.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	return Open(ctx, Postgres, dsn, opts...)
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// DB returns the underlying database.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Dialect returns the backend's dialect.
func (b *Backend) Dialect() Dialect {
	return b.dialect
}

// Migrate creates missing tables and applies schema migrations. It is
// idempotent.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, b.dialect.schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	version, err := b.dialect.getVersion(ctx, b.db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	if version < 2 {
		if err := b.migrateToV2(ctx); err != nil {
			return err
		}
	}

	if err := b.dialect.setVersion(ctx, b.db, currentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// migrateToV2 indexes causation links, used by correlation lookups.
func (b *Backend) migrateToV2(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_events_causation
		ON events (causation_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (b *Backend) SchemaVersion(ctx context.Context) (int, error) {
	return b.dialect.getVersion(ctx, b.db)
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}
