package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachdesk/subsync/internal/entitlement"
	"github.com/coachdesk/subsync/internal/override"
	"github.com/coachdesk/subsync/internal/profile"
	"github.com/coachdesk/subsync/internal/subscription"
	"github.com/coachdesk/subsync/internal/tier"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource is a canned EntitlementSource.
type fakeSource struct {
	snap  tier.Snapshot
	found bool
	err   error
	calls int
}

func (f *fakeSource) Fetch(ctx context.Context, subscriberID string) (tier.Snapshot, bool, error) {
	f.calls++
	return f.snap, f.found, f.err
}

// countingSubs wraps the memory store and counts writes; upsertErr makes
// writes fail.
type countingSubs struct {
	*subscription.MemoryStore
	writes    int
	upsertErr error
}

func (c *countingSubs) Upsert(ctx context.Context, rec *subscription.Record) error {
	if c.upsertErr != nil {
		return c.upsertErr
	}
	c.writes++
	return c.MemoryStore.Upsert(ctx, rec)
}

type fixture struct {
	engine    *Engine
	profiles  *profile.MemoryStore
	subs      *countingSubs
	overrides *override.MemoryStore
	source    *fakeSource
}

func newFixture(t *testing.T, source *fakeSource) *fixture {
	t.Helper()
	f := &fixture{
		profiles:  profile.NewMemoryStore(),
		subs:      &countingSubs{MemoryStore: subscription.NewMemoryStore()},
		overrides: override.NewMemoryStore(),
		source:    source,
	}
	f.engine = NewEngine(f.profiles, f.subs, f.overrides, f.source,
		WithClock(func() time.Time { return testNow }))

	require.NoError(t, f.profiles.Create(context.Background(), &profile.Profile{
		ID:     "coach-1",
		UserID: "user-1",
	}))
	return f
}

func (f *fixture) withRecord(t *testing.T, tr tier.Tier, st subscription.Status, periodEnd time.Time) {
	t.Helper()
	require.NoError(t, f.subs.MemoryStore.Upsert(context.Background(), &subscription.Record{
		CoachID:          "coach-1",
		Tier:             tr,
		Status:           st,
		CurrentPeriodEnd: periodEnd,
	}))
}

func activeSnap(tr tier.Tier, expires time.Time) tier.Snapshot {
	return tier.Snapshot{tr: {ExpiresAt: expires}}
}

func TestReconcile_NoCoachProfile(t *testing.T) {
	f := newFixture(t, &fakeSource{})

	res, err := f.engine.Reconcile(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Equal(t, StatusNoCoachProfile, res.Status)
	assert.False(t, res.Reconciled)
	assert.Zero(t, f.source.calls, "no provider call without a profile")
}

func TestReconcile_NoSubscriberAnywhere(t *testing.T) {
	f := newFixture(t, &fakeSource{found: false})

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusNoSubscriber, res.Status)
	assert.Equal(t, tier.Free, res.Tier)
	assert.False(t, res.Reconciled)
	assert.Zero(t, f.subs.writes)
}

func TestReconcile_FreeTierNotFoundIsNoOp(t *testing.T) {
	f := newFixture(t, &fakeSource{found: false})
	f.withRecord(t, tier.Free, subscription.StatusExpired, testNow.Add(-30*24*time.Hour))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusNoActiveEntitlement, res.Status)
	assert.Equal(t, tier.Free, res.Tier)
	assert.False(t, res.Reconciled)
	assert.Zero(t, f.subs.writes)
}

func TestReconcile_UpgradeFromEntitlement(t *testing.T) {
	expires := testNow.Add(30 * 24 * time.Hour)
	f := newFixture(t, &fakeSource{found: true, snap: activeSnap(tier.Pro, expires)})
	f.withRecord(t, tier.Starter, subscription.StatusActive, testNow.Add(24*time.Hour))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReconciled, res.Status)
	assert.True(t, res.Reconciled)
	assert.Equal(t, tier.Pro, res.Tier)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, expires, *res.ExpiresAt)
	assert.Equal(t, 1, f.subs.writes)

	rec, err := f.subs.Get(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Equal(t, tier.Pro, rec.Tier)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.True(t, rec.CurrentPeriodEnd.Equal(expires))
}

func TestReconcile_SecondRunIsIdempotent(t *testing.T) {
	expires := testNow.Add(30 * 24 * time.Hour)
	f := newFixture(t, &fakeSource{found: true, snap: activeSnap(tier.Pro, expires)})

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReconciled, res.Status)

	res, err = f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyCorrect, res.Status)
	assert.False(t, res.Reconciled)
	assert.Equal(t, 1, f.subs.writes, "second run must not write")
}

func TestReconcile_PeriodEndChangeAloneTriggersWrite(t *testing.T) {
	newExpiry := testNow.Add(60 * 24 * time.Hour)
	f := newFixture(t, &fakeSource{found: true, snap: activeSnap(tier.Pro, newExpiry)})
	f.withRecord(t, tier.Pro, subscription.StatusActive, testNow.Add(24*time.Hour))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReconciled, res.Status)
	assert.True(t, res.Reconciled)

	rec, _ := f.subs.Get(context.Background(), "coach-1")
	assert.True(t, rec.CurrentPeriodEnd.Equal(newExpiry))
}

func TestReconcile_GracePeriodMapsToPastDue(t *testing.T) {
	grace := testNow.Add(3 * 24 * time.Hour)
	f := newFixture(t, &fakeSource{found: true, snap: tier.Snapshot{
		tier.Pro: {ExpiresAt: testNow.Add(-time.Hour), GracePeriodExpiresAt: &grace},
	}})
	f.withRecord(t, tier.Pro, subscription.StatusActive, testNow.Add(-time.Hour))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReconciled, res.Status)
	assert.True(t, res.GracePeriod)

	rec, _ := f.subs.Get(context.Background(), "coach-1")
	assert.Equal(t, subscription.StatusPastDue, rec.Status)
	assert.Equal(t, tier.Pro, rec.Tier)
}

func TestReconcile_PriorityPicksHighestTier(t *testing.T) {
	f := newFixture(t, &fakeSource{found: true, snap: tier.Snapshot{
		tier.Starter:    {ExpiresAt: testNow.Add(time.Hour)},
		tier.Pro:        {ExpiresAt: testNow.Add(time.Hour)},
		tier.Enterprise: {ExpiresAt: testNow.Add(time.Hour)},
	}})

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, tier.Enterprise, res.Tier)
}

func TestReconcile_DowngradeOnLapsedEntitlement(t *testing.T) {
	periodEnd := testNow.Add(-24 * time.Hour)
	f := newFixture(t, &fakeSource{found: false})
	f.withRecord(t, tier.Starter, subscription.StatusActive, periodEnd)

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDowngraded, res.Status)
	assert.True(t, res.Reconciled)
	assert.Equal(t, tier.Free, res.Tier)

	rec, _ := f.subs.Get(context.Background(), "coach-1")
	assert.Equal(t, tier.Free, rec.Tier)
	assert.Equal(t, subscription.StatusExpired, rec.Status)
	assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd), "period end preserved for audit")

	// A second run finds the record already on the exempt free tier.
	res, err = f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusNoActiveEntitlement, res.Status)
	assert.False(t, res.Reconciled)
	assert.Equal(t, 1, f.subs.writes)
}

func TestReconcile_OverrideSuppressesDowngrade(t *testing.T) {
	f := newFixture(t, &fakeSource{found: false})
	f.withRecord(t, tier.Enterprise, subscription.StatusActive, testNow.Add(-time.Hour))
	require.NoError(t, f.overrides.Put(context.Background(), &override.Override{
		CoachID: "coach-1",
		Tier:    tier.Enterprise,
		Active:  true,
	}))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAdminGranted, res.Status)
	assert.Equal(t, tier.Enterprise, res.Tier)
	assert.False(t, res.Reconciled)
	assert.Zero(t, f.subs.writes)
}

func TestReconcile_ExpiredOverrideDoesNotSuppress(t *testing.T) {
	expired := testNow.Add(-time.Minute)
	f := newFixture(t, &fakeSource{found: false})
	f.withRecord(t, tier.Pro, subscription.StatusActive, testNow.Add(-time.Hour))
	require.NoError(t, f.overrides.Put(context.Background(), &override.Override{
		CoachID:   "coach-1",
		Tier:      tier.Pro,
		Active:    true,
		ExpiresAt: &expired,
	}))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDowngraded, res.Status)
}

func TestReconcile_InactiveOverrideDoesNotSuppress(t *testing.T) {
	f := newFixture(t, &fakeSource{found: false})
	f.withRecord(t, tier.Pro, subscription.StatusActive, testNow.Add(-time.Hour))
	require.NoError(t, f.overrides.Put(context.Background(), &override.Override{
		CoachID: "coach-1",
		Tier:    tier.Pro,
		Active:  false,
	}))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDowngraded, res.Status)
}

func TestReconcile_ActiveEntitlementBeatsOverride(t *testing.T) {
	expires := testNow.Add(time.Hour)
	f := newFixture(t, &fakeSource{found: true, snap: activeSnap(tier.Starter, expires)})
	f.withRecord(t, tier.Pro, subscription.StatusActive, testNow.Add(-time.Hour))
	require.NoError(t, f.overrides.Put(context.Background(), &override.Override{
		CoachID: "coach-1",
		Tier:    tier.Enterprise,
		Active:  true,
	}))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReconciled, res.Status)
	assert.Equal(t, tier.Starter, res.Tier, "entitlement tier wins, not the override's")
	assert.Equal(t, 1, f.subs.writes)
}

func TestReconcile_LifetimeNeverDowngraded(t *testing.T) {
	f := newFixture(t, &fakeSource{found: true, snap: tier.Snapshot{
		tier.Pro: {ExpiresAt: testNow.Add(-time.Hour)},
	}})
	f.withRecord(t, tier.Lifetime, subscription.StatusActive, time.Time{})

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusNoActiveEntitlement, res.Status)
	assert.Equal(t, tier.Lifetime, res.Tier)
	assert.Zero(t, f.subs.writes)
}

func TestReconcile_ActiveEntitlementOverwritesLifetime(t *testing.T) {
	// Deliberate asymmetry: exempt tiers are protected from downgrades
	// only. A live paid entitlement always writes.
	expires := testNow.Add(time.Hour)
	f := newFixture(t, &fakeSource{found: true, snap: activeSnap(tier.Pro, expires)})
	f.withRecord(t, tier.Lifetime, subscription.StatusActive, time.Time{})

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReconciled, res.Status)
	assert.Equal(t, tier.Pro, res.Tier)
	assert.Equal(t, 1, f.subs.writes)
}

// Walks one subscription through its whole life: grace period, steady
// state, lapse, and the quiet runs in between.
func TestReconcile_LifecycleSequence(t *testing.T) {
	grace := testNow.Add(3 * 24 * time.Hour)
	src := &fakeSource{found: true, snap: tier.Snapshot{
		tier.Pro: {ExpiresAt: testNow.Add(-time.Hour), GracePeriodExpiresAt: &grace},
	}}
	f := newFixture(t, src)
	f.withRecord(t, tier.Pro, subscription.StatusActive, testNow.Add(-time.Hour))

	// Expired grant with a live grace window corrects to past_due.
	res, err := f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReconciled, res.Status)
	assert.True(t, res.GracePeriod)
	assert.Equal(t, 1, f.subs.writes)

	rec, err := f.subs.Get(context.Background(), "coach-1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, rec.Status)

	// Same snapshot again: nothing to write.
	res, err = f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyCorrect, res.Status)
	assert.Equal(t, 1, f.subs.writes)

	// Provider drops the grant entirely: downgrade.
	src.snap = tier.Snapshot{}
	res, err = f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDowngraded, res.Status)
	assert.Equal(t, tier.Free, res.Tier)
	assert.Equal(t, 2, f.subs.writes)

	// And the run after that finds the exempt free record at rest.
	res, err = f.engine.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusNoActiveEntitlement, res.Status)
	assert.Equal(t, 2, f.subs.writes)
}

func TestReconcile_ProviderErrorPropagatesWithoutWrites(t *testing.T) {
	f := newFixture(t, &fakeSource{err: &entitlement.ProviderError{StatusCode: 503}})
	f.withRecord(t, tier.Pro, subscription.StatusActive, testNow.Add(time.Hour))

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	assert.Nil(t, res)

	var pe *entitlement.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, f.subs.writes)

	rec, gerr := f.subs.Get(context.Background(), "coach-1")
	require.NoError(t, gerr)
	assert.Equal(t, tier.Pro, rec.Tier, "local state untouched on provider outage")
}

func TestReconcile_WriteFailureIsWriteError(t *testing.T) {
	f := newFixture(t, &fakeSource{found: true, snap: activeSnap(tier.Pro, testNow.Add(time.Hour))})
	f.subs.upsertErr = errors.New("connection reset")

	res, err := f.engine.Reconcile(context.Background(), "user-1")
	assert.Nil(t, res)

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, StatusReconciled, we.Status)
}

func TestReconcile_DowngradeWriteFailureIsWriteError(t *testing.T) {
	f := newFixture(t, &fakeSource{found: false})
	f.withRecord(t, tier.Starter, subscription.StatusActive, testNow.Add(-time.Hour))
	f.subs.upsertErr = errors.New("connection reset")

	_, err := f.engine.Reconcile(context.Background(), "user-1")

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, StatusDowngraded, we.Status)
}
