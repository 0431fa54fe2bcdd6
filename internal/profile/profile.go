// Package profile looks up coach accounts by their platform identity.
package profile

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("profile: not found")

// Profile is a coach account. UserID is the authenticated platform
// identity and doubles as the subscriber id at the entitlement provider;
// ID is the internal account id every subscription row is keyed by.
type Profile struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store provides coach profile lookups.
type Store interface {
	GetByUserID(ctx context.Context, userID string) (*Profile, error)
	Create(ctx context.Context, p *Profile) error
}
