package subscription

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(ctx context.Context, coachID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[coachID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cp := *rec
	cp.UpdatedAt = now
	if existing, ok := m.records[rec.CoachID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	m.records[rec.CoachID] = &cp
	return nil
}
