// Package subscription persists the locally owned subscription record.
//
// The record is the platform's tier-of-record between reconciliation runs.
// It is created by the Stripe billing webhook and corrected by the
// reconciliation engine; nothing ever deletes it.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/coachdesk/subsync/internal/tier"
)

var ErrNotFound = errors.New("subscription: not found")

// Status is the lifecycle state of the local record.
type Status string

const (
	StatusActive  Status = "active"
	StatusPastDue Status = "past_due"
	StatusExpired Status = "expired"
)

// Record is the persisted subscription state for one coach account.
type Record struct {
	CoachID          string    `json:"coachId"`
	Tier             tier.Tier `json:"tier"`
	Status           Status    `json:"status"`
	CurrentPeriodEnd time.Time `json:"currentPeriodEnd"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Matches reports whether the record already carries the given target
// state, field by field. Used by the engine to skip no-op writes.
func (r *Record) Matches(t tier.Tier, s Status, periodEnd time.Time) bool {
	return r.Tier == t && r.Status == s && r.CurrentPeriodEnd.Equal(periodEnd)
}

// Store persists subscription records keyed by coach id.
type Store interface {
	Get(ctx context.Context, coachID string) (*Record, error)
	// Upsert writes the record's tier/status/period-end, creating the row
	// if absent. Last writer wins per field set, so concurrent
	// reconciliations that compute the same target state commute.
	Upsert(ctx context.Context, rec *Record) error
}
