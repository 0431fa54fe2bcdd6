// Package auth validates caller identity for the subsync API.
//
// The hosting application issues opaque bearer session tokens; subsync
// stores only their SHA256 hashes. A valid token maps to the platform
// user id that keys both the coach profile and the provider subscriber.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrNoToken      = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrTokenExists  = errors.New("auth: token already exists")
)

// Session is a stored session token.
type Session struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	UserID    string     `json:"userId"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists session tokens.
type Store interface {
	Create(ctx context.Context, s *Session) error
	GetByHash(ctx context.Context, hash string) (*Session, error)
	Revoke(ctx context.Context, id string) error
}

// Manager issues and validates session tokens.
type Manager struct {
	store Store
}

// NewManager creates an auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Issue creates a session token for a user. The raw token is returned
// once and never stored.
func (m *Manager) Issue(ctx context.Context, userID string, ttl time.Duration) (string, *Session, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	raw := "st_" + hex.EncodeToString(b)

	s := &Session{
		ID:        "ses_" + hex.EncodeToString(b[:8]),
		Hash:      hashToken(raw),
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		exp := s.CreatedAt.Add(ttl)
		s.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, s); err != nil {
		return "", nil, err
	}
	return raw, s, nil
}

// Validate checks a raw bearer token and returns its session.
func (m *Manager) Validate(ctx context.Context, raw string) (*Session, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}
	if !strings.HasPrefix(raw, "st_") {
		return nil, ErrInvalidToken
	}

	s, err := m.store.GetByHash(ctx, hashToken(raw))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if s.Revoked {
		return nil, ErrInvalidToken
	}
	if s.ExpiresAt != nil && time.Now().After(*s.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return s, nil
}

// Revoke invalidates a session by id.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	return m.store.Revoke(ctx, id)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
