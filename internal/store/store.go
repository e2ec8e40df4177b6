// Package store persists ingested weekly fare series between CLI
// invocations and behind the server. Backends are pluggable: in-memory
// with an optional JSON snapshot, Redis, or Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/transit-lab/farecast/internal/series"
)

// ErrNotFound is returned when a series key has no stored data.
var ErrNotFound = errors.New("series not found")

// Store persists weekly fare series keyed by dataset name.
type Store interface {
	// Load retrieves the stored series for a key.
	Load(ctx context.Context, key string) (series.WeeklySeries, error)

	// Save stores a series under a key, replacing any previous version.
	Save(ctx context.Context, key string, ws series.WeeklySeries) error

	// Close releases resources
	Close() error
}

// MemoryStore is an in-memory store with optional file snapshot
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]series.WeeklySeries
	snapshot string // optional file path for persistence
}

// NewMemoryStore creates an in-memory series store
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		store:    make(map[string]series.WeeklySeries),
		snapshot: snapshotPath,
	}

	// Load from snapshot if exists
	if snapshotPath != "" {
		ms.loadSnapshot()
	}

	return ms
}

func (m *MemoryStore) Load(ctx context.Context, key string) (series.WeeklySeries, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.store[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	out := make(series.WeeklySeries, len(ws))
	copy(out, ws)
	return out, nil
}

func (m *MemoryStore) Save(ctx context.Context, key string, ws series.WeeklySeries) error {
	m.mu.Lock()
	cp := make(series.WeeklySeries, len(ws))
	copy(cp, ws)
	m.store[key] = cp
	m.mu.Unlock()

	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]series.WeeklySeries
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	for k, v := range snapshot {
		m.store[k] = v
	}

	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.store, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	return os.WriteFile(m.snapshot, data, 0600)
}
