package override

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory override store for development and tests.
type MemoryStore struct {
	overrides map[string]*Override
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory override store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{overrides: make(map[string]*Override)}
}

func (m *MemoryStore) Get(ctx context.Context, coachID string) (*Override, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.overrides[coachID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, o *Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cp := *o
	cp.UpdatedAt = now
	if existing, ok := m.overrides[o.CoachID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	m.overrides[o.CoachID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, coachID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.overrides[coachID]; !ok {
		return ErrNotFound
	}
	delete(m.overrides, coachID)
	return nil
}
