// Package entitlement fetches subscriber entitlement snapshots from the
// remote provider.
//
// The provider is the ground truth for paid tiers. One invocation makes
// exactly one HTTP call; the three possible outcomes are kept distinct:
// a snapshot, a first-class "subscriber unknown", or a provider error.
// A provider error is never collapsed into "no entitlements" because the
// caller would downgrade the coach on a transient outage.
package entitlement

import (
	"fmt"
	"time"
)

// ProviderError is any non-success provider outcome other than the
// documented not-found response: transport failures, timeouts, non-2xx
// statuses, malformed payloads.
type ProviderError struct {
	StatusCode int // 0 when the request never completed
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("entitlement provider: %v", e.Err)
	}
	return fmt.Sprintf("entitlement provider: unexpected status %d", e.StatusCode)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// grantPayload is one tier grant on the wire.
type grantPayload struct {
	ExpiresAt            time.Time  `json:"expires_at"`
	GracePeriodExpiresAt *time.Time `json:"grace_period_expires_at,omitempty"`
}

// snapshotPayload is the provider's subscriber response body.
type snapshotPayload struct {
	Entitlements map[string]grantPayload `json:"entitlements"`
}
