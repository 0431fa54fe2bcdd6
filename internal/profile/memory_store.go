package profile

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory profile store for development and tests.
type MemoryStore struct {
	byUser map[string]*Profile
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byUser: make(map[string]*Profile)}
}

func (m *MemoryStore) GetByUserID(ctx context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.byUser[p.UserID] = &cp
	return nil
}
