package store

import (
	"context"
	"sync"
)

// SnapshotKey is the fixed key the run snapshot is stored under. Bump the
// suffix when the snapshot layout changes incompatibly.
const SnapshotKey = "harvest_run_state_v1"

// Store persists the serialized run snapshot. Load returns (nil, nil) when no
// snapshot has been written yet.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Memory is an in-process Store used in tests and when durability is
// explicitly disabled.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load returns the last saved snapshot.
func (m *Memory) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

// Save replaces the stored snapshot.
func (m *Memory) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make([]byte, len(data))
	copy(m.data, data)
	return nil
}
