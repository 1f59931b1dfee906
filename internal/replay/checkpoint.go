package replay

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Checkpoint records how far a long-running replay got.
type Checkpoint struct {
	Key         string          `json:"key"`
	AggregateID string          `json:"aggregate_id"`
	Version     int64           `json:"version"`
	ChainHash   string          `json:"chain_hash"`
	State       json.RawMessage `json:"state"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CheckpointStore persists checkpoints by key.
type CheckpointStore interface {
	// LoadCheckpoint returns the checkpoint for key and whether it exists.
	LoadCheckpoint(ctx context.Context, key string) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	DeleteCheckpoint(ctx context.Context, key string) error
}

// MemoryCheckpoints is a CheckpointStore held in memory.
type MemoryCheckpoints struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

// NewMemoryCheckpoints creates an empty MemoryCheckpoints.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]Checkpoint)}
}

// LoadCheckpoint implements CheckpointStore.
func (m *MemoryCheckpoints) LoadCheckpoint(_ context.Context, key string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[key]
	if ok {
		cp.State = append(json.RawMessage(nil), cp.State...)
	}
	return cp, ok, nil
}

// SaveCheckpoint implements CheckpointStore.
func (m *MemoryCheckpoints) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.State = append(json.RawMessage(nil), cp.State...)
	m.cps[cp.Key] = cp
	return nil
}

// DeleteCheckpoint implements CheckpointStore.
func (m *MemoryCheckpoints) DeleteCheckpoint(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, key)
	return nil
}

// NoopCheckpoints discards every checkpoint.
type NoopCheckpoints struct{}

// LoadCheckpoint implements CheckpointStore.
func (NoopCheckpoints) LoadCheckpoint(context.Context, string) (Checkpoint, bool, error) {
	return Checkpoint{}, false, nil
}

// SaveCheckpoint implements CheckpointStore.
func (NoopCheckpoints) SaveCheckpoint(context.Context, Checkpoint) error { return nil }

// DeleteCheckpoint implements CheckpointStore.
func (NoopCheckpoints) DeleteCheckpoint(context.Context, string) error { return nil }
