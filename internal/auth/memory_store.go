package auth

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory session store for development and tests.
type MemoryStore struct {
	sessions map[string]*Session // by ID
	byHash   map[string]string   // hash -> ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byHash:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byHash[s.Hash]; ok {
		return ErrTokenExists
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.byHash[s.Hash] = s.ID
	return nil
}

func (m *MemoryStore) GetByHash(ctx context.Context, hash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrInvalidToken
	}
	cp := *m.sessions[id]
	return &cp, nil
}

func (m *MemoryStore) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrInvalidToken
	}
	s.Revoked = true
	return nil
}
