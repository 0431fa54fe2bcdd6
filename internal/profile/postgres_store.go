package profile

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetByUserID retrieves the coach profile for a platform user.
func (p *PostgresStore) GetByUserID(ctx context.Context, userID string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, display_name, created_at
		FROM coach_profiles WHERE user_id = $1
	`, userID)

	var pr Profile
	err := row.Scan(&pr.ID, &pr.UserID, &pr.DisplayName, &pr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &pr, nil
}

// Create inserts a new coach profile.
func (p *PostgresStore) Create(ctx context.Context, pr *Profile) error {
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO coach_profiles (id, user_id, display_name, created_at)
		VALUES ($1, $2, $3, $4)
	`, pr.ID, pr.UserID, pr.DisplayName, pr.CreatedAt)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}
