// Package reconcile corrects the local subscription record against the
// entitlement provider's ground truth.
//
// Three sources of truth describe a coach's paid tier: the provider's
// entitlement snapshot, the payment-derived local record, and an admin
// override. The engine merges them under a fixed precedence: an active
// entitlement always wins; with no active entitlement an effective
// override suppresses the downgrade; exempt tiers (free, lifetime) are
// never downgraded automatically. Every branch is safe to re-run: the
// target state is computed from the provider snapshot alone and written
// only when it differs from the stored record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coachdesk/subsync/internal/override"
	"github.com/coachdesk/subsync/internal/profile"
	"github.com/coachdesk/subsync/internal/subscription"
	"github.com/coachdesk/subsync/internal/syncutil"
	"github.com/coachdesk/subsync/internal/tier"
	"github.com/coachdesk/subsync/internal/traces"
)

// Status classifies the outcome of one reconciliation pass.
type Status string

const (
	// StatusNoCoachProfile means the caller has no coach account.
	StatusNoCoachProfile Status = "no_coach_profile"
	// StatusNoSubscriber means the provider has never seen the subscriber
	// and there is no local record either; nothing to reconcile.
	StatusNoSubscriber Status = "no_subscriber"
	// StatusNoActiveEntitlement means the coach sits on an exempt tier
	// and the provider reports no active grant; nothing to do.
	StatusNoActiveEntitlement Status = "no_active_entitlement"
	// StatusAdminGranted means an effective admin override suppressed the
	// downgrade that would otherwise have happened.
	StatusAdminGranted Status = "admin_granted"
	// StatusDowngraded means the paid tier lapsed and the record was
	// downgraded to free/expired.
	StatusDowngraded Status = "downgraded"
	// StatusAlreadyCorrect means the record already matches the provider.
	StatusAlreadyCorrect Status = "already_correct"
	// StatusReconciled means the record was rewritten from the resolved
	// entitlement.
	StatusReconciled Status = "reconciled"
)

// Result is the structured outcome returned to the caller.
type Result struct {
	Status      Status     `json:"status"`
	Reconciled  bool       `json:"reconciled"`
	Tier        tier.Tier  `json:"tier,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	GracePeriod bool       `json:"is_grace_period,omitempty"`
}

// WriteError reports that the engine reached a decision but failed to
// persist it. Callers must treat this differently from a successful
// no-op: the provider was reachable, the record is stale.
type WriteError struct {
	Status Status
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("reconcile: decision %s not persisted: %v", e.Status, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// EntitlementSource fetches the provider snapshot for a subscriber.
// found=false is the provider's first-class "unknown subscriber" answer;
// outages and malformed responses come back as an error.
type EntitlementSource interface {
	Fetch(ctx context.Context, subscriberID string) (snap tier.Snapshot, found bool, err error)
}

// Publisher broadcasts subscription changes to live listeners. A nil
// publisher disables broadcasting.
type Publisher interface {
	Publish(eventType string, data map[string]interface{})
}

// Engine runs the reconciliation decision table. It is stateless per
// invocation, performs no internal retries and at most one corrective
// write, so invocations map one-for-one onto audit entries.
type Engine struct {
	profiles  profile.Store
	subs      subscription.Store
	overrides override.Store
	source    EntitlementSource
	events    Publisher
	locks     *syncutil.ContextShardedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher sets the event publisher for corrective writes.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a reconciliation engine.
func NewEngine(profiles profile.Store, subs subscription.Store, overrides override.Store, source EntitlementSource, opts ...Option) *Engine {
	e := &Engine{
		profiles:  profiles,
		subs:      subs,
		overrides: overrides,
		source:    source,
		locks:     syncutil.NewContextShardedMutex(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile runs one pass for the given platform user. Provider outages
// and store failures return an error; every other outcome, including
// "no such subscriber" and "no coach profile", is a structured Result.
func (e *Engine) Reconcile(ctx context.Context, userID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.run", traces.SubscriberID(userID))
	defer span.End()

	// Serialize runs per subscriber. Concurrent runs would commute on the
	// record anyway, but interleaved fetch/write pairs could double-publish
	// and double-count corrective writes.
	unlock, err := e.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	res, err := e.run(ctx, userID)
	reconcileDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reconciliationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	reconciliationsTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (e *Engine) run(ctx context.Context, userID string) (*Result, error) {
	p, err := e.profiles.GetByUserID(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return &Result{Status: StatusNoCoachProfile}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load coach profile: %w", err)
	}

	// The one remote call. A *entitlement.ProviderError propagates as-is
	// so the transport layer can tell outage from routine outcomes.
	snap, found, err := e.source.Fetch(ctx, userID)
	if err != nil {
		return nil, err
	}

	rec, err := e.subs.Get(ctx, p.ID)
	hasRecord := err == nil
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	now := e.now()

	if res, ok := tier.ResolveActive(snap, now); ok {
		return e.applyResolved(ctx, p, rec, hasRecord, res)
	}

	// No active entitlement. Work out the current local tier: the stored
	// record's tier, or free when no record exists yet.
	current := tier.Free
	if hasRecord {
		current = rec.Tier
	}

	if tier.Exempt(current) {
		if !found && !hasRecord {
			return &Result{Status: StatusNoSubscriber, Tier: current}, nil
		}
		return &Result{Status: StatusNoActiveEntitlement, Tier: current}, nil
	}

	// Downgrade is imminent; this is the only point where the override
	// store is consulted. An effective override keeps the record as-is —
	// the override store stays authoritative for its own tier value, the
	// engine merely refrains from overwriting it.
	ovr, err := e.overrides.Get(ctx, p.ID)
	if err != nil && !errors.Is(err, override.ErrNotFound) {
		return nil, fmt.Errorf("load override: %w", err)
	}
	if err == nil && ovr.Effective(now) {
		e.logger.Info("downgrade suppressed by admin override",
			"coach_id", p.ID, "tier", ovr.Tier)
		return &Result{Status: StatusAdminGranted, Tier: ovr.Tier}, nil
	}

	return e.downgrade(ctx, p, rec)
}

// applyResolved handles the found-active branch: compute the target
// record from the resolved entitlement and write it only on divergence.
// An active entitlement wins even over an exempt local tier.
func (e *Engine) applyResolved(ctx context.Context, p *profile.Profile, rec *subscription.Record, hasRecord bool, res tier.Resolution) (*Result, error) {
	status := subscription.StatusActive
	if res.GracePeriod {
		status = subscription.StatusPastDue
	}

	if hasRecord && rec.Matches(res.Tier, status, res.ExpiresAt) {
		return &Result{
			Status:      StatusAlreadyCorrect,
			Tier:        res.Tier,
			ExpiresAt:   &res.ExpiresAt,
			GracePeriod: res.GracePeriod,
		}, nil
	}

	target := &subscription.Record{
		CoachID:          p.ID,
		Tier:             res.Tier,
		Status:           status,
		CurrentPeriodEnd: res.ExpiresAt,
	}
	if err := e.subs.Upsert(ctx, target); err != nil {
		return nil, &WriteError{Status: StatusReconciled, Err: err}
	}

	subscriptionWritesTotal.WithLabelValues("reconcile").Inc()
	e.logger.Info("subscription reconciled from entitlement",
		"coach_id", p.ID, "tier", res.Tier, "status", status, "grace", res.GracePeriod)
	e.publish("subscription.reconciled", map[string]interface{}{
		"coachId": p.ID,
		"tier":    string(res.Tier),
		"status":  string(status),
	})

	return &Result{
		Status:      StatusReconciled,
		Reconciled:  true,
		Tier:        res.Tier,
		ExpiresAt:   &res.ExpiresAt,
		GracePeriod: res.GracePeriod,
	}, nil
}

// downgrade expires a lapsed paid record. The period end is left
// untouched as a trace of when the paid period actually ended.
func (e *Engine) downgrade(ctx context.Context, p *profile.Profile, rec *subscription.Record) (*Result, error) {
	target := &subscription.Record{
		CoachID:          p.ID,
		Tier:             tier.Free,
		Status:           subscription.StatusExpired,
		CurrentPeriodEnd: rec.CurrentPeriodEnd,
	}
	if err := e.subs.Upsert(ctx, target); err != nil {
		return nil, &WriteError{Status: StatusDowngraded, Err: err}
	}

	subscriptionWritesTotal.WithLabelValues("downgrade").Inc()
	e.logger.Info("subscription downgraded, no active entitlement",
		"coach_id", p.ID, "previous_tier", rec.Tier)
	e.publish("subscription.reconciled", map[string]interface{}{
		"coachId": p.ID,
		"tier":    string(tier.Free),
		"status":  string(subscription.StatusExpired),
	})

	return &Result{Status: StatusDowngraded, Reconciled: true, Tier: tier.Free}, nil
}

func (e *Engine) publish(eventType string, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	e.events.Publish(eventType, data)
}
