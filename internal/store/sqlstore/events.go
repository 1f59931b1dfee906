package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/store"
)

// PutIfVersion implements store.Backend.
//
// The insert happens in a transaction that first checks the aggregate's
// highest stored version. Two writers that both pass the check collide on
// the (aggregate_id, version) primary key, and the loser reports false.
func (b *Backend) PutIfVersion(ctx context.Context, aggregateID string, expected int64, env event.Envelope) (bool, error) {
	if env.AggregateID != aggregateID || env.Version != expected+1 {
		return false, fmt.Errorf("sqlstore: envelope %s/v%d does not follow %s/v%d",
			env.AggregateID, env.Version, aggregateID, expected)
	}
	payload, encoding := encodePayload(env.Payload, b.threshold)
	metadata, err := encodeMetadata(env.Metadata)
	if err != nil {
		return false, fmt.Errorf("put %s/v%d: %w", aggregateID, env.Version, err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("put %s/v%d: begin tx: %w", aggregateID, env.Version, err)
	}
	defer tx.Rollback() // No-op after commit

	var head int64
	err = tx.QueryRowContext(ctx, b.dialect.rebind(
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`), aggregateID).Scan(&head)
	if err != nil {
		return false, fmt.Errorf("put %s/v%d: read head: %w", aggregateID, env.Version, err)
	}
	if head != expected {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, b.dialect.rebind(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		env.EventID, env.AggregateID, env.Type, env.SchemaVersion, env.Version,
		payload, encoding, toMicros(env.OccurredAt), toMicros(env.RecordedAt), env.CorrelationID,
		nullString(env.CausationID), metadata, env.ChainHash, nullString(env.Signature), nullString(env.SignatureKeyID),
	)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		switch b.dialect.classify(err) {
		case versionTaken:
			return false, nil
		case eventIDTaken:
			return false, store.ErrDuplicateEventID
		}
		return false, fmt.Errorf("put %s/v%d: %w", aggregateID, env.Version, err)
	}
	return true, nil
}

// GetRange implements store.Backend.
func (b *Backend) GetRange(ctx context.Context, aggregateID string, from, to int64) ([]event.Envelope, error) {
	if from < 1 {
		from = 1
	}
	q := `SELECT ` + eventColumns + ` FROM events WHERE aggregate_id = ? AND version >= ?`
	args := []any{aggregateID, from}
	if to > 0 {
		q += ` AND version <= ?`
		args = append(args, to)
	}
	q += ` ORDER BY version`
	return b.query(ctx, q, args...)
}

// GetByEventID implements store.Backend.
func (b *Backend) GetByEventID(ctx context.Context, eventID string) (event.Envelope, error) {
	row := b.db.QueryRowContext(ctx, b.dialect.rebind(
		`SELECT `+eventColumns+` FROM events WHERE event_id = ?`), eventID)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Envelope{}, store.ErrNotFound
	}
	if err != nil {
		return event.Envelope{}, fmt.Errorf("get %s: %w", eventID, err)
	}
	return env, nil
}

// Head implements store.Backend.
func (b *Backend) Head(ctx context.Context, aggregateID string) (event.Envelope, error) {
	row := b.db.QueryRowContext(ctx, b.dialect.rebind(
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? ORDER BY version DESC LIMIT 1`), aggregateID)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Envelope{}, nil
	}
	if err != nil {
		return event.Envelope{}, fmt.Errorf("head %s: %w", aggregateID, err)
	}
	return env, nil
}

// Scan implements store.Backend.
func (b *Backend) Scan(ctx context.Context, f store.Filter, after store.Cursor, limit int) ([]event.Envelope, error) {
	var (
		where []string
		args  []any
	)
	if f.AggregateID != "" {
		where = append(where, "aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, toMicros(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, toMicros(f.Until))
	}

	order := b.globalOrder()
	switch {
	case f.AggregateID != "":
		order = "version"
		if after.Version > 0 {
			where = append(where, "version > ?")
			args = append(args, after.Version)
		}
	case !after.IsZero():
		where = append(where, "(recorded_at, aggregate_id"+b.dialect.collate+", version) > (?, ?, ?)")
		args = append(args, toMicros(after.RecordedAt), after.AggregateID, after.Version)
	}

	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ` + order + ` LIMIT ?`
	args = append(args, limit)
	return b.query(ctx, q, args...)
}

// Children implements store.Backend.
func (b *Backend) Children(ctx context.Context, eventID string) ([]event.Envelope, error) {
	return b.query(ctx, `SELECT `+eventColumns+` FROM events WHERE causation_id = ? ORDER BY `+b.globalOrder(), eventID)
}

// Aggregates implements store.Backend.
func (b *Backend) Aggregates(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT aggregate_id FROM events`)
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) globalOrder() string {
	return "recorded_at, aggregate_id" + b.dialect.collate + ", version"
}

func (b *Backend) query(ctx context.Context, q string, args ...any) ([]event.Envelope, error) {
	rows, err := b.db.QueryContext(ctx, b.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	envs := []event.Envelope{}
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return envs, nil
}
