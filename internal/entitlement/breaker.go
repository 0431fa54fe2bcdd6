package entitlement

import (
	"context"
	"errors"
	"net/http"

	"github.com/coachdesk/subsync/internal/circuitbreaker"
	"github.com/coachdesk/subsync/internal/tier"
)

// ErrCircuitOpen is returned (wrapped in a *ProviderError) when fetches
// are short-circuited because the provider keeps failing.
var ErrCircuitOpen = errors.New("entitlement: provider circuit open")

type fetcher interface {
	Fetch(ctx context.Context, subscriberID string) (tier.Snapshot, bool, error)
}

// BreakerSource wraps a provider client with a circuit breaker so a
// failing provider is not hammered by every refresh click. A rejected
// fetch surfaces as a *ProviderError, which the caller already treats as
// "try again later" rather than a downgrade.
type BreakerSource struct {
	src     fetcher
	breaker *circuitbreaker.Breaker
}

// WithBreaker guards src with the given breaker.
func WithBreaker(src fetcher, b *circuitbreaker.Breaker) *BreakerSource {
	return &BreakerSource{src: src, breaker: b}
}

// Fetch delegates to the underlying client unless the circuit is open.
// Only provider-side failures count against the circuit; a not-found
// subscriber is a successful fetch.
func (s *BreakerSource) Fetch(ctx context.Context, subscriberID string) (tier.Snapshot, bool, error) {
	if !s.breaker.Allow() {
		return nil, false, &ProviderError{StatusCode: http.StatusServiceUnavailable, Err: ErrCircuitOpen}
	}

	snap, found, err := s.src.Fetch(ctx, subscriberID)
	if err != nil {
		s.breaker.RecordFailure()
		return nil, false, err
	}
	s.breaker.RecordSuccess()
	return snap, found, nil
}
