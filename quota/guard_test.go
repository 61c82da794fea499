package quota_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/clinicflow/billing-engine/store/memory"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const period = "2024-03"

var clinic = billing.SystemTenant("clinic-1")

func newTestGuard(t *testing.T, mode quota.Mode, sub *quota.Subscription) (*quota.Guard, *memory.Store) {
	t.Helper()
	store := memory.New()
	if sub != nil {
		require.NoError(t, store.SaveSubscription(context.Background(), *sub))
	}
	log, _ := test.NewNullLogger()
	g := quota.NewGuard(store, mode, log)
	g.Now = func() time.Time { return time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC) }
	return g, store
}

func subscription(tier quota.Tier) *quota.Subscription {
	return &quota.Subscription{TenantID: clinic.TenantID, Tier: tier, Active: true}
}

func limit(n int) *int { return &n }

// =============================================================================
// DENIALS
// =============================================================================

func TestCheckAndReserve_NoSubscription(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeReserveOnCheck, nil)

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelEmail)
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, quota.ReasonNoSubscription, d.Reason)
	used, _ := store.GetUsage(context.Background(), clinic.TenantID, period, billing.ChannelEmail)
	assert.Zero(t, used, "a denial never touches the counter")
}

func TestCheckAndReserve_InactiveSubscription(t *testing.T) {
	sub := subscription(quota.TierPro)
	sub.Active = false
	g, _ := newTestGuard(t, quota.ModeReserveOnCheck, sub)

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, quota.ReasonNoSubscription, d.Reason)
}

func TestCheckAndReserve_FreeTierHasNoWhatsApp(t *testing.T) {
	// GIVEN: A free-tier clinic with an empty counter
	// WHEN: Checking WhatsApp
	// THEN: Denied regardless of usage

	g, _ := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierFree))

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelWhatsApp)
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, quota.ReasonChannelNotInTier, d.Reason)
	assert.False(t, d.Reserved)

	qe := d.Err(clinic.TenantID, billing.ChannelWhatsApp)
	assert.ErrorIs(t, qe, billing.ErrQuotaExceeded)
	var typed *billing.QuotaExceededError
	require.ErrorAs(t, qe, &typed)
	assert.Equal(t, billing.ChannelWhatsApp, typed.Channel)
}

func TestCheckAndReserve_LimitReached(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierBasic))
	store.SetUsage(clinic.TenantID, period, billing.ChannelWhatsApp, 200)

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelWhatsApp)
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, quota.ReasonLimitReached, d.Reason)
	assert.Equal(t, 200, d.Used)
	require.NotNil(t, d.Limit)
	assert.Equal(t, 200, *d.Limit)
	assert.ErrorIs(t, d.Err(clinic.TenantID, billing.ChannelWhatsApp), billing.ErrQuotaExceeded)
}

func TestCheckAndReserve_UnknownChannelIsValidationError(t *testing.T) {
	g, _ := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierPro))

	_, err := g.CheckAndReserve(context.Background(), clinic, "sms")
	assert.ErrorIs(t, err, billing.ErrValidation)
}

// =============================================================================
// RESERVATION
// =============================================================================

func TestCheckAndReserve_ReservesOneUnit(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierBasic))
	store.SetUsage(clinic.TenantID, period, billing.ChannelWhatsApp, 199)

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelWhatsApp)
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.True(t, d.Reserved)
	assert.Equal(t, 200, d.Used)
	assert.Equal(t, period, d.Period)
	assert.NoError(t, d.Err(clinic.TenantID, billing.ChannelWhatsApp))

	// Commit is a no-op after a reservation
	require.NoError(t, g.Commit(context.Background(), clinic, billing.ChannelWhatsApp))
	used, _ := store.GetUsage(context.Background(), clinic.TenantID, period, billing.ChannelWhatsApp)
	assert.Equal(t, 200, used)
}

func TestRelease_HandsBackReservedUnit(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierBasic))
	ctx := context.Background()

	d, err := g.CheckAndReserve(ctx, clinic, billing.ChannelEmail)
	require.NoError(t, err)
	require.True(t, d.Reserved)

	require.NoError(t, g.Release(ctx, clinic, billing.ChannelEmail, d))
	used, _ := store.GetUsage(ctx, clinic.TenantID, period, billing.ChannelEmail)
	assert.Zero(t, used)

	// a decision that reserved nothing releases nothing
	store.SetUsage(clinic.TenantID, period, billing.ChannelEmail, 5)
	require.NoError(t, g.Release(ctx, clinic, billing.ChannelEmail, quota.Decision{Allowed: false, Period: period}))
	used, _ = store.GetUsage(ctx, clinic.TenantID, period, billing.ChannelEmail)
	assert.Equal(t, 5, used)
}

func TestCheckAndReserve_ConcurrentChecksNeverExceedLimit(t *testing.T) {
	// GIVEN: A WhatsApp limit of 200 with 190 already used
	// WHEN: 50 checks race
	// THEN: Exactly 10 are allowed and the counter ends at 200

	g, store := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierBasic))
	store.SetUsage(clinic.TenantID, period, billing.ChannelWhatsApp, 190)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelWhatsApp)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	used, _ := store.GetUsage(context.Background(), clinic.TenantID, period, billing.ChannelWhatsApp)
	assert.Equal(t, 200, used)
}

func TestCheckAndReserve_SubscriptionOverridesTierLimit(t *testing.T) {
	sub := subscription(quota.TierFree)
	sub.EmailLimit = limit(2)
	g, _ := newTestGuard(t, quota.ModeReserveOnCheck, sub)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := g.CheckAndReserve(ctx, clinic, billing.ChannelEmail)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := g.CheckAndReserve(ctx, clinic, billing.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, *d.Limit)
}

func TestCheckAndReserve_UnlimitedTier(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierEnterprise))
	store.SetUsage(clinic.TenantID, period, billing.ChannelWhatsApp, 1_000_000)

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelWhatsApp)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Limit)
	assert.Equal(t, 1_000_001, d.Used)
}

func TestCheckAndReserve_UnknownTierFallsBackToFree(t *testing.T) {
	g, _ := newTestGuard(t, quota.ModeReserveOnCheck, subscription("platinum"))

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelWhatsApp)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, quota.ReasonChannelNotInTier, d.Reason)
}

// =============================================================================
// COMMIT-ON-SUCCESS MODE
// =============================================================================

func TestCommitMode_CountsOnlyCommittedSends(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeCommitOnSuccess, subscription(quota.TierBasic))
	ctx := context.Background()

	d, err := g.CheckAndReserve(ctx, clinic, billing.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Reserved)

	used, _ := store.GetUsage(ctx, clinic.TenantID, period, billing.ChannelEmail)
	assert.Zero(t, used, "checking does not count")

	require.NoError(t, g.Commit(ctx, clinic, billing.ChannelEmail))
	used, _ = store.GetUsage(ctx, clinic.TenantID, period, billing.ChannelEmail)
	assert.Equal(t, 1, used)
}

func TestCommitMode_DeniesAtLimit(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeCommitOnSuccess, subscription(quota.TierFree))
	store.SetUsage(clinic.TenantID, period, billing.ChannelEmail, 100)

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, quota.ReasonLimitReached, d.Reason)
}

// =============================================================================
// USAGE
// =============================================================================

func TestUsage_ReportsEveryChannel(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierFree))
	store.SetUsage(clinic.TenantID, period, billing.ChannelEmail, 100)

	usage, err := g.Usage(context.Background(), clinic)
	require.NoError(t, err)
	require.Len(t, usage, 2)

	email, whatsapp := usage[0], usage[1]
	assert.Equal(t, billing.ChannelEmail, email.Channel)
	assert.Equal(t, 100, email.Used)
	assert.False(t, email.Allowed)
	assert.Equal(t, quota.ReasonLimitReached, email.Reason)

	assert.Equal(t, billing.ChannelWhatsApp, whatsapp.Channel)
	assert.False(t, whatsapp.Allowed)
	assert.Equal(t, quota.ReasonChannelNotInTier, whatsapp.Reason)
}

func TestUsage_CountersArePerMonth(t *testing.T) {
	g, store := newTestGuard(t, quota.ModeReserveOnCheck, subscription(quota.TierFree))
	store.SetUsage(clinic.TenantID, "2024-02", billing.ChannelEmail, 100)

	d, err := g.CheckAndReserve(context.Background(), clinic, billing.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "last month's usage does not count")
	assert.Equal(t, 1, d.Used)
}
