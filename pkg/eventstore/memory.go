package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process journal with the same versioning rules as
// EventStore.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byAgg  map[uuid.UUID][]int
}

// NewMemoryStore creates an empty journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAgg: make(map[uuid.UUID][]int)}
}

func (m *MemoryStore) AppendEvents(_ context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byAgg[aggregateID]) != expectedVersion {
		return ErrConcurrencyConflict
	}

	now := time.Now().UTC()
	for i, event := range events {
		event.ID = int64(len(m.events) + 1)
		event.AggregateID = aggregateID
		event.AggregateType = aggregateType
		event.Version = expectedVersion + i + 1
		event.CreatedAt = now
		m.byAgg[aggregateID] = append(m.byAgg[aggregateID], len(m.events))
		m.events = append(m.events, event)
	}
	return nil
}

func (m *MemoryStore) LoadEvents(_ context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]Event, 0)
	for _, idx := range m.byAgg[aggregateID] {
		e := m.events[idx]
		if e.Version < fromVersion || (toVersion > 0 && e.Version > toVersion) {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (m *MemoryStore) GetCurrentVersion(_ context.Context, aggregateID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAgg[aggregateID]), nil
}

func (m *MemoryStore) StreamEvents(_ context.Context, fromID int64, batchSize int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]Event, 0, batchSize)
	for i := int(max(fromID, 0)); i < len(m.events) && len(events) < batchSize; i++ {
		events = append(events, m.events[i])
	}
	return events, nil
}
