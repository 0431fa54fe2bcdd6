package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	var expires interface{}
	if s.ExpiresAt != nil {
		expires = *s.ExpiresAt
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_tokens (id, token_hash, user_id, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.Hash, s.UserID, s.CreatedAt, expires, s.Revoked)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, token_hash, user_id, created_at, expires_at, revoked
		FROM session_tokens WHERE token_hash = $1
	`, hash)

	var s Session
	var expires sql.NullTime
	err := row.Scan(&s.ID, &s.Hash, &s.UserID, &s.CreatedAt, &expires, &s.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if expires.Valid {
		s.ExpiresAt = &expires.Time
	}
	return &s, nil
}

func (p *PostgresStore) Revoke(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE session_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidToken
	}
	return nil
}
