package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same guard rules as the
// Postgres tables.
type MemoryStore struct {
	mu        sync.Mutex
	processor map[string]ProcessorStatus
	backfill  map[string]BackfillStatus
	writes    int
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processor: make(map[string]ProcessorStatus),
		backfill:  make(map[string]BackfillStatus),
		now:       time.Now,
	}
}

func (m *MemoryStore) GetProcessorStatus(_ context.Context, processor string) (*ProcessorStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.processor[processor]
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (m *MemoryStore) UpsertProcessorStatus(_ context.Context, status ProcessorStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if prev, ok := m.processor[status.Processor]; ok && prev.LastSuccessVersion > status.LastSuccessVersion {
		return nil
	}
	status.LastUpdated = m.now()
	m.processor[status.Processor] = status
	return nil
}

func (m *MemoryStore) GetBackfillStatus(_ context.Context, alias string) (*BackfillStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.backfill[alias]
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (m *MemoryStore) UpsertBackfillStatus(_ context.Context, status BackfillStatus, guarded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if prev, ok := m.backfill[status.Alias]; ok && guarded && prev.LastSuccessVersion > status.LastSuccessVersion {
		return nil
	}
	status.LastUpdated = m.now()
	m.backfill[status.Alias] = status
	return nil
}

// Writes returns how many upserts were attempted, including guarded no-ops.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
