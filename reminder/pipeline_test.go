package reminder_test

import (
	"context"
	"testing"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/notify"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/clinicflow/billing-engine/reminder"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manualEmail(key string) reminder.Request {
	return reminder.Request{
		Channel:        billing.ChannelEmail,
		Recipient:      "ana@example.com",
		PatientID:      "patient-1",
		Kind:           ledger.KindManual,
		Content:        notify.Content{Subject: "Presupuesto", HTML: "<p>adjunto</p>"},
		IdempotencyKey: key,
	}
}

func TestDeliver_Sent(t *testing.T) {
	h := newHarness(t)

	d, err := h.pipeline.Deliver(context.Background(), clinic, manualEmail("manual:abc"))
	require.NoError(t, err)

	assert.Equal(t, reminder.OutcomeSent, d.Outcome)
	assert.Equal(t, "msg-1", d.ProviderMessageID)
	assert.True(t, d.Quota.Reserved)
	assert.Equal(t, 1, d.Quota.Used)
	require.NotNil(t, d.Quota.Limit)
	assert.Equal(t, 1000, *d.Quota.Limit)

	rec, err := h.ledger.Get(context.Background(), clinic, d.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSent, rec.Status)
	assert.Equal(t, "Presupuesto", rec.SubjectOrTemplate)
	assert.Equal(t, ledger.KindManual, rec.Kind)
}

func TestDeliver_DispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.sender.Fail = "invalid recipient"

	d, err := h.pipeline.Deliver(context.Background(), clinic, manualEmail(""))

	assert.Equal(t, reminder.OutcomeFailedDispatch, d.Outcome)
	require.ErrorIs(t, err, billing.ErrDispatch)
	var de *notify.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "invalid recipient", de.ProviderMessage)

	rec, err := h.ledger.Get(context.Background(), clinic, d.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "invalid recipient")
}

func TestDeliver_QuotaDenied(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveSubscription(context.Background(), quota.Subscription{TenantID: clinic.TenantID, Tier: quota.TierFree, Active: true}))

	req := manualEmail("")
	req.Channel = billing.ChannelWhatsApp
	req.Recipient = "+56911112222"
	d, err := h.pipeline.Deliver(context.Background(), clinic, req)

	assert.Equal(t, reminder.OutcomeDeniedQuota, d.Outcome)
	var qe *billing.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, quota.ReasonChannelNotInTier, qe.Reason)
	assert.Empty(t, d.RecordID)
	assert.Empty(t, h.sender.Sent())
	assert.Empty(t, h.records(t))
}

func TestDeliver_DuplicateKeySkipsWithoutConsumingQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipeline.Deliver(ctx, clinic, manualEmail("manual:same"))
	require.NoError(t, err)
	d, err := h.pipeline.Deliver(ctx, clinic, manualEmail("manual:same"))
	require.NoError(t, err)

	assert.Equal(t, reminder.OutcomeSkippedDuplicate, d.Outcome)
	assert.Len(t, h.sender.Sent(), 1)
	assert.Equal(t, 1, h.usage(t, billing.ChannelEmail))
}

func TestDeliver_OpenFailureReleasesQuota(t *testing.T) {
	// GIVEN: A request the ledger refuses (blank recipient)
	// THEN: The provider is never called and the reserved unit is handed back

	h := newHarness(t)
	req := manualEmail("")
	req.Recipient = " "

	d, err := h.pipeline.Deliver(context.Background(), clinic, req)

	assert.Equal(t, reminder.OutcomeError, d.Outcome)
	assert.ErrorIs(t, err, billing.ErrValidation)
	assert.Empty(t, h.sender.Sent())
	assert.Zero(t, h.usage(t, billing.ChannelEmail))
}

func TestDeliver_CommitModeCountsOnSuccessOnly(t *testing.T) {
	h := newHarness(t)
	h.guard.Mode = quota.ModeCommitOnSuccess
	ctx := context.Background()

	d, err := h.pipeline.Deliver(ctx, clinic, manualEmail(""))
	require.NoError(t, err)
	assert.False(t, d.Quota.Reserved)
	assert.Equal(t, 1, d.Quota.Used)
	assert.Equal(t, 1, h.usage(t, billing.ChannelEmail))

	h.sender.Fail = "down"
	_, err = h.pipeline.Deliver(ctx, clinic, manualEmail(""))
	require.Error(t, err)
	assert.Equal(t, 1, h.usage(t, billing.ChannelEmail), "a failed send is not billed in commit mode")
}

func TestDeliver_CancelledCallerStillClosesRecord(t *testing.T) {
	// GIVEN: The caller's context is cancelled while the provider call runs
	// THEN: The record still reaches a terminal state

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.sender.Entered = make(chan struct{}, 1)
	h.sender.Block = make(chan struct{})
	h.sender.Fail = "context canceled"

	type result struct {
		d   reminder.Delivery
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := h.pipeline.Deliver(ctx, clinic, manualEmail(""))
		done <- result{d, err}
	}()
	<-h.sender.Entered
	cancel()
	close(h.sender.Block)

	r := <-done
	require.Error(t, r.err)
	rec, err := h.ledger.Get(context.Background(), clinic, r.d.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
}

func TestMessages_FormatAmount(t *testing.T) {
	assert.Equal(t, "300000", reminder.FormatAmount(decimal.NewFromInt(300000)))
	assert.Equal(t, "33.34", reminder.FormatAmount(decimal.RequireFromString("33.34")))
	assert.Equal(t, "10.50", reminder.FormatAmount(decimal.RequireFromString("10.5")))
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_SweepResolvesStaleRecords(t *testing.T) {
	h := newHarness(t)
	log, _ := test.NewNullLogger()
	ctx := context.Background()

	rec, err := h.ledger.Open(ctx, clinic, ledger.Draft{
		Channel:   billing.ChannelEmail,
		Recipient: "ana@example.com",
		Kind:      ledger.KindManual,
	})
	require.NoError(t, err)

	h.ledger.Now = func() time.Time { return runDay.Add(time.Hour) }
	s := reminder.NewScheduler(h.orch, h.store, h.ledger, log)

	assert.Equal(t, 1, s.Sweep(ctx))
	stored, err := h.ledger.Get(ctx, clinic, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, stored.Status)
}

func TestScheduler_RunRemindersCoversTenants(t *testing.T) {
	h := newHarness(t)
	log, _ := test.NewNullLogger()
	h.createPlan(t, "patient-1", jan1)

	s := reminder.NewScheduler(h.orch, h.store, h.ledger, log)
	summaries := s.RunReminders(context.Background())

	require.Len(t, summaries, 1)
	assert.Equal(t, "scheduled", summaries[0].Trigger)
	assert.Equal(t, 1, summaries[0].Sent)
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t)
	log, _ := test.NewNullLogger()

	s := reminder.NewScheduler(h.orch, h.store, h.ledger, log)
	assert.Nil(t, s.NextRuns())

	require.NoError(t, s.Start())
	assert.Len(t, s.NextRuns(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	h := newHarness(t)
	log, _ := test.NewNullLogger()

	s := reminder.NewScheduler(h.orch, h.store, h.ledger, log)
	s.ReminderSpec = "every morning"
	assert.Error(t, s.Start())
}
