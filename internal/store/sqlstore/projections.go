package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/chronicle/internal/projection"
	"github.com/roach88/chronicle/internal/replay"
)

// Projections returns a projection.Repository over the backend's database.
func (b *Backend) Projections() *Projections {
	return &Projections{b: b}
}

// Projections stores projection snapshots in the projections table.
type Projections struct {
	b *Backend
}

var _ projection.Repository = (*Projections)(nil)

// LoadSnapshot implements projection.Repository.
func (p *Projections) LoadSnapshot(ctx context.Context, name, aggregateID string) (projection.Snapshot, bool, error) {
	row := p.b.db.QueryRowContext(ctx, p.b.dialect.rebind(`
		SELECT name, aggregate_id, state, last_applied_version, stale, updated_at
		FROM projections
		WHERE name = ? AND aggregate_id = ?
	`), name, aggregateID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return projection.Snapshot{}, false, nil
	}
	if err != nil {
		return projection.Snapshot{}, false, fmt.Errorf("load projection %s/%s: %w", name, aggregateID, err)
	}
	return snap, true, nil
}

// SaveSnapshot implements projection.Repository.
func (p *Projections) SaveSnapshot(ctx context.Context, snap projection.Snapshot) error {
	_, err := p.b.db.ExecContext(ctx, p.b.dialect.rebind(`
		INSERT INTO projections (name, aggregate_id, state, last_applied_version, stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, aggregate_id) DO UPDATE SET
			state = excluded.state,
			last_applied_version = excluded.last_applied_version,
			stale = excluded.stale,
			updated_at = excluded.updated_at
	`), snap.Name, snap.AggregateID, string(snap.State), snap.LastAppliedVersion, snap.Stale, toMicros(snap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save projection %s/%s: %w", snap.Name, snap.AggregateID, err)
	}
	return nil
}

// DeleteSnapshot implements projection.Repository.
func (p *Projections) DeleteSnapshot(ctx context.Context, name, aggregateID string) error {
	_, err := p.b.db.ExecContext(ctx, p.b.dialect.rebind(
		`DELETE FROM projections WHERE name = ? AND aggregate_id = ?`), name, aggregateID)
	if err != nil {
		return fmt.Errorf("delete projection %s/%s: %w", name, aggregateID, err)
	}
	return nil
}

// ListSnapshots implements projection.Repository.
func (p *Projections) ListSnapshots(ctx context.Context, name string) ([]projection.Snapshot, error) {
	rows, err := p.b.db.QueryContext(ctx, p.b.dialect.rebind(`
		SELECT name, aggregate_id, state, last_applied_version, stale, updated_at
		FROM projections
		WHERE name = ?
	`), name)
	if err != nil {
		return nil, fmt.Errorf("list projection %s: %w", name, err)
	}
	defer rows.Close()

	snaps := []projection.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("list projection %s: %w", name, err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projection %s: %w", name, err)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].AggregateID < snaps[j].AggregateID })
	return snaps, nil
}

func scanSnapshot(row rowScanner) (projection.Snapshot, error) {
	var (
		snap    projection.Snapshot
		state   string
		updated int64
	)
	if err := row.Scan(&snap.Name, &snap.AggregateID, &state, &snap.LastAppliedVersion, &snap.Stale, &updated); err != nil {
		return projection.Snapshot{}, err
	}
	snap.State = json.RawMessage(state)
	snap.UpdatedAt = fromMicros(updated)
	return snap, nil
}

// Checkpoints returns a replay.CheckpointStore over the backend's database.
func (b *Backend) Checkpoints() *Checkpoints {
	return &Checkpoints{b: b}
}

// Checkpoints stores replay checkpoints in the checkpoints table.
type Checkpoints struct {
	b *Backend
}

var _ replay.CheckpointStore = (*Checkpoints)(nil)

// LoadCheckpoint implements replay.CheckpointStore.
func (c *Checkpoints) LoadCheckpoint(ctx context.Context, key string) (replay.Checkpoint, bool, error) {
	var (
		cp      replay.Checkpoint
		state   string
		updated int64
	)
	err := c.b.db.QueryRowContext(ctx, c.b.dialect.rebind(`
		SELECT key, aggregate_id, version, chain_hash, state, updated_at
		FROM checkpoints
		WHERE key = ?
	`), key).Scan(&cp.Key, &cp.AggregateID, &cp.Version, &cp.ChainHash, &state, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return replay.Checkpoint{}, false, nil
	}
	if err != nil {
		return replay.Checkpoint{}, false, fmt.Errorf("load checkpoint %q: %w", key, err)
	}
	cp.State = json.RawMessage(state)
	cp.UpdatedAt = fromMicros(updated)
	return cp, true, nil
}

// SaveCheckpoint implements replay.CheckpointStore.
func (c *Checkpoints) SaveCheckpoint(ctx context.Context, cp replay.Checkpoint) error {
	_, err := c.b.db.ExecContext(ctx, c.b.dialect.rebind(`
		INSERT INTO checkpoints (key, aggregate_id, version, chain_hash, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			aggregate_id = excluded.aggregate_id,
			version = excluded.version,
			chain_hash = excluded.chain_hash,
			state = excluded.state,
			updated_at = excluded.updated_at
	`), cp.Key, cp.AggregateID, cp.Version, cp.ChainHash, string(cp.State), toMicros(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %q: %w", cp.Key, err)
	}
	return nil
}

// DeleteCheckpoint implements replay.CheckpointStore.
func (c *Checkpoints) DeleteCheckpoint(ctx context.Context, key string) error {
	_, err := c.b.db.ExecContext(ctx, c.b.dialect.rebind(`DELETE FROM checkpoints WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete checkpoint %q: %w", key, err)
	}
	return nil
}
