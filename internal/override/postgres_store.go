package override

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coachdesk/subsync/internal/tier"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed override store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get retrieves the override for a coach.
func (p *PostgresStore) Get(ctx context.Context, coachID string) (*Override, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT coach_id, tier, active, expires_at, granted_by, reason, created_at, updated_at
		FROM tier_overrides WHERE coach_id = $1
	`, coachID)

	var o Override
	var t string
	var expires sql.NullTime
	var grantedBy, reason sql.NullString
	err := row.Scan(&o.CoachID, &t, &o.Active, &expires, &grantedBy, &reason, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get override: %w", err)
	}
	o.Tier = tier.Tier(t)
	if expires.Valid {
		o.ExpiresAt = &expires.Time
	}
	o.GrantedBy = grantedBy.String
	o.Reason = reason.String
	return &o, nil
}

// Put creates or replaces the override for a coach.
func (p *PostgresStore) Put(ctx context.Context, o *Override) error {
	now := time.Now()
	var expires interface{}
	if o.ExpiresAt != nil {
		expires = *o.ExpiresAt
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tier_overrides (coach_id, tier, active, expires_at, granted_by, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (coach_id) DO UPDATE SET
			tier       = EXCLUDED.tier,
			active     = EXCLUDED.active,
			expires_at = EXCLUDED.expires_at,
			granted_by = EXCLUDED.granted_by,
			reason     = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`, o.CoachID, string(o.Tier), o.Active, expires, o.GrantedBy, o.Reason, now)
	if err != nil {
		return fmt.Errorf("put override: %w", err)
	}
	return nil
}

// Delete removes the override for a coach.
func (p *PostgresStore) Delete(ctx context.Context, coachID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tier_overrides WHERE coach_id = $1`, coachID)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
