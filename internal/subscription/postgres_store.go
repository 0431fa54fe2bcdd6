package subscription

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

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get retrieves the subscription record for a coach.
func (p *PostgresStore) Get(ctx context.Context, coachID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT coach_id, tier, status, current_period_end, created_at, updated_at
		FROM subscriptions WHERE coach_id = $1
	`, coachID)

	var rec Record
	var t, status string
	err := row.Scan(&rec.CoachID, &t, &status, &rec.CurrentPeriodEnd, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	rec.Tier = tier.Tier(t)
	rec.Status = Status(status)
	return &rec, nil
}

// Upsert writes the record, inserting the row on first write. The update
// is a plain field set keyed by coach id, so repeated writes of the same
// target state are idempotent.
func (p *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (coach_id, tier, status, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (coach_id) DO UPDATE SET
			tier               = EXCLUDED.tier,
			status             = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			updated_at         = EXCLUDED.updated_at
	`, rec.CoachID, string(rec.Tier), string(rec.Status), rec.CurrentPeriodEnd, now)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}
