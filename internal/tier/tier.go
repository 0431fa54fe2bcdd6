// Package tier defines the subscription tier catalog and resolves the
// highest-priority active tier from a provider entitlement snapshot.
package tier

import "time"

// Tier identifies a subscription tier.
type Tier string

const (
	Free       Tier = "free"
	Starter    Tier = "starter"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
	Lifetime   Tier = "lifetime"
)

// paidByPriority lists the paid tiers highest first. Resolution walks this
// order and stops at the first active grant, so a subscriber holding two
// simultaneously valid grants always resolves to the higher one.
var paidByPriority = []Tier{Enterprise, Pro, Starter}

// Valid returns true if t is a recognised tier.
func Valid(t Tier) bool {
	switch t {
	case Free, Starter, Pro, Enterprise, Lifetime:
		return true
	}
	return false
}

// Paid returns true if t is a paid, provider-tracked tier.
func Paid(t Tier) bool {
	switch t {
	case Starter, Pro, Enterprise:
		return true
	}
	return false
}

// Exempt returns true for tiers that reconciliation never downgrades away
// from: free has nothing to lose, lifetime grants are managed manually.
func Exempt(t Tier) bool {
	return t == Free || t == Lifetime
}

// Grant is one tier's remote entitlement as reported by the provider.
type Grant struct {
	ExpiresAt            time.Time  `json:"expires_at"`
	GracePeriodExpiresAt *time.Time `json:"grace_period_expires_at,omitempty"`
}

// Snapshot maps tier -> grant for one provider response. Keys the catalog
// does not recognise are ignored by resolution.
type Snapshot map[Tier]Grant

// Resolution is the outcome of resolving a snapshot: the single tier the
// subscriber currently holds, when it runs out, and whether it is only
// alive because of a billing grace period.
type Resolution struct {
	Tier        Tier
	ExpiresAt   time.Time
	GracePeriod bool
}

// ResolveActive returns the highest-priority tier in snap that is active
// at now. A grant is active while now < ExpiresAt; an expired grant with
// a grace period still running counts as active but is flagged so callers
// can map it to past_due instead of active. The second return is false
// when no tier qualifies.
func ResolveActive(snap Snapshot, now time.Time) (Resolution, bool) {
	for _, t := range paidByPriority {
		g, ok := snap[t]
		if !ok {
			continue
		}
		if now.Before(g.ExpiresAt) {
			return Resolution{Tier: t, ExpiresAt: g.ExpiresAt}, true
		}
		if g.GracePeriodExpiresAt != nil && now.Before(*g.GracePeriodExpiresAt) {
			return Resolution{Tier: t, ExpiresAt: *g.GracePeriodExpiresAt, GracePeriod: true}, true
		}
	}
	return Resolution{}, false
}
