// Package override manages administrator-granted tier overrides.
//
// An override keeps a coach on a tier when the entitlement provider has
// no active grant for them, suppressing the automatic downgrade. The
// reconciliation engine only ever reads overrides; they are written
// through the admin endpoints in this package.
package override

import (
	"context"
	"errors"
	"time"

	"github.com/coachdesk/subsync/internal/tier"
)

var ErrNotFound = errors.New("override: not found")

// Override is an admin-granted tier grant for one coach account.
type Override struct {
	CoachID   string     `json:"coachId"`
	Tier      tier.Tier  `json:"tier"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	GrantedBy string     `json:"grantedBy,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Effective reports whether the override currently applies: it must be
// active and either open-ended or not yet expired.
func (o *Override) Effective(now time.Time) bool {
	if !o.Active {
		return false
	}
	return o.ExpiresAt == nil || now.Before(*o.ExpiresAt)
}

// Store persists overrides keyed by coach id.
type Store interface {
	Get(ctx context.Context, coachID string) (*Override, error)
	Put(ctx context.Context, o *Override) error
	Delete(ctx context.Context, coachID string) error
}
