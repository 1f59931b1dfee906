package projection

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
)

// Repository persists snapshots. sqlstore provides the durable one.
type Repository interface {
	// LoadSnapshot returns the snapshot and whether it exists.
	LoadSnapshot(ctx context.Context, name, aggregateID string) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	DeleteSnapshot(ctx context.Context, name, aggregateID string) error

	// ListSnapshots returns every snapshot of a projection ordered by
	// aggregate id.
	ListSnapshots(ctx context.Context, name string) ([]Snapshot, error)
}

type snapshotKey struct{ name, aggregateID string }

// MemoryRepository is a Repository held in memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	snaps map[snapshotKey]Snapshot
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{snaps: make(map[snapshotKey]Snapshot)}
}

// LoadSnapshot implements Repository.
func (m *MemoryRepository) LoadSnapshot(_ context.Context, name, aggregateID string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[snapshotKey{name, aggregateID}]
	return copySnapshot(snap), ok, nil
}

// SaveSnapshot implements Repository.
func (m *MemoryRepository) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snapshotKey{snap.Name, snap.AggregateID}] = copySnapshot(snap)
	return nil
}

// DeleteSnapshot implements Repository.
func (m *MemoryRepository) DeleteSnapshot(_ context.Context, name, aggregateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, snapshotKey{name, aggregateID})
	return nil
}

// ListSnapshots implements Repository.
func (m *MemoryRepository) ListSnapshots(_ context.Context, name string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Snapshot{}
	for k, snap := range m.snaps {
		if k.name == name {
			out = append(out, copySnapshot(snap))
		}
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return strings.Compare(a.AggregateID, b.AggregateID)
	})
	return out, nil
}

func copySnapshot(s Snapshot) Snapshot {
	if s.State != nil {
		s.State = append(json.RawMessage(nil), s.State...)
	}
	return s
}
