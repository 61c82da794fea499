package reminder_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/notify"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/clinicflow/billing-engine/reminder"
	"github.com/clinicflow/billing-engine/store/memory"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var clinic = billing.SystemTenant("clinic-1")

// runDay is "now" for every run: 9 days after the Jan 1 plan start.
var runDay = time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	Channel   billing.Channel
	Recipient string
	Content   notify.Content
}

// fakeSender records every dispatch. Fail makes it return a provider
// error; Block, when set, holds each call until it is closed.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	n       atomic.Int64
	Fail    string
	Block   chan struct{}
	Entered chan struct{}
}

func (f *fakeSender) Dispatch(ctx context.Context, ch billing.Channel, recipient string, c notify.Content) (notify.Result, error) {
	if f.Entered != nil {
		f.Entered <- struct{}{}
	}
	if f.Block != nil {
		<-f.Block
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{Channel: ch, Recipient: recipient, Content: c})
	f.mu.Unlock()

	if f.Fail != "" {
		return notify.Result{}, &notify.DispatchError{Channel: ch, StatusCode: 500, ProviderMessage: f.Fail}
	}
	return notify.Result{ProviderMessageID: fmt.Sprintf("msg-%d", f.n.Add(1))}, nil
}

func (f *fakeSender) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type harness struct {
	store    *memory.Store
	plans    *billing.PlanService
	guard    *quota.Guard
	ledger   *ledger.Ledger
	sender   *fakeSender
	pipeline *reminder.DeliveryPipeline
	orch     *reminder.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()
	h := &harness{store: memory.New(), sender: &fakeSender{}}
	ctx := context.Background()

	require.NoError(t, h.store.SaveSubscription(ctx, quota.Subscription{TenantID: clinic.TenantID, Tier: quota.TierBasic, Active: true}))
	require.NoError(t, h.store.SavePatient(ctx, billing.Patient{
		ID:       "patient-1",
		TenantID: clinic.TenantID,
		Name:     "Ana",
		Email:    "ana@example.com",
		Phone:    "+56911112222",
	}))

	h.plans = billing.NewPlanService(h.store, log)
	h.plans.Now = func() time.Time { return time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC) }

	h.guard = quota.NewGuard(h.store, quota.ModeReserveOnCheck, log)
	h.guard.Now = func() time.Time { return runDay }

	h.ledger = ledger.New(h.store, log)
	h.ledger.Now = func() time.Time { return runDay }

	h.pipeline = reminder.NewDeliveryPipeline(h.guard, h.ledger, h.sender, log)

	h.orch = reminder.NewOrchestrator(h.store, h.store, h.pipeline, log)
	h.orch.Runs = h.store
	h.orch.Messages = reminder.Messages{ClinicName: "Clinica Sonrisa"}
	h.orch.Now = func() time.Time { return runDay }
	return h
}

func (h *harness) createPlan(t *testing.T, patient billing.PatientID, start time.Time) *billing.InstallmentPlan {
	t.Helper()
	plan, _, err := h.plans.CreatePlan(context.Background(), clinic, billing.CreatePlanInput{
		PatientID:        patient,
		Description:      "Ortodoncia",
		TotalAmount:      decimal.NewFromInt(900000),
		InstallmentCount: 3,
		Frequency:        billing.FrequencyMonthly,
		StartDate:        start,
	})
	require.NoError(t, err)
	return plan
}

func (h *harness) usage(t *testing.T, ch billing.Channel) int {
	t.Helper()
	used, err := h.store.GetUsage(context.Background(), clinic.TenantID, billing.MonthKey(runDay), ch)
	require.NoError(t, err)
	return used
}

func (h *harness) records(t *testing.T) []ledger.Record {
	t.Helper()
	recs, err := h.ledger.List(context.Background(), clinic, ledger.Filter{})
	require.NoError(t, err)
	return recs
}

var jan1 = billing.NewDate(2024, time.January, 1)

// =============================================================================
// PLAN REMINDERS
// =============================================================================

func TestRun_SendsDueSoonReminder(t *testing.T) {
	// GIVEN: 900000 over 3 monthly from Jan 1, nothing paid
	// WHEN: The run executes on Jan 10
	// THEN: One installment_due email for installment 1, one sent record,
	//       one quota unit consumed

	h := newHarness(t)
	plan := h.createPlan(t, "patient-1", jan1)

	summary, err := h.orch.Run(context.Background(), clinic, "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Sent)
	require.Len(t, summary.Outcomes, 1)
	result := summary.Outcomes[0]
	assert.Equal(t, reminder.OutcomeSent, result.Outcome)
	assert.Equal(t, ledger.KindInstallmentDue, result.Kind)
	assert.Equal(t, "plan:"+string(plan.ID), result.Subject)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ana@example.com", sent[0].Recipient)
	assert.Equal(t, "Recordatorio de cuota", sent[0].Content.Subject)
	assert.Contains(t, sent[0].Content.HTML, "300000")
	assert.Contains(t, sent[0].Content.HTML, "Clinica Sonrisa")

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.StatusSent, recs[0].Status)
	assert.Equal(t, result.DeliveryID, recs[0].ID)
	assert.Equal(t, reminder.InstallmentKey(plan.ID, 1, billing.DueSoon, runDay), recs[0].IdempotencyKey)
	assert.Equal(t, "1", recs[0].Metadata["installment"])

	assert.Equal(t, 1, h.usage(t, billing.ChannelEmail))

	runs, err := h.store.ListRuns(context.Background(), clinic.TenantID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, reminder.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].Sent)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestRun_OverduePlanUsesOverdueKind(t *testing.T) {
	h := newHarness(t)
	h.createPlan(t, "patient-1", billing.NewDate(2023, time.November, 1))

	summary, err := h.orch.Run(context.Background(), clinic, "manual")
	require.NoError(t, err)

	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, ledger.KindInstallmentOverdue, summary.Outcomes[0].Kind)
	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Cuota vencida", sent[0].Content.Subject)
}

func TestRun_ProviderFailureLeavesOneFailedRecord(t *testing.T) {
	// GIVEN: The provider rejects every message
	// WHEN: The run executes
	// THEN: Exactly one failed record carrying the provider message, zero
	//       sent records, and the attempt still counts against quota

	h := newHarness(t)
	h.sender.Fail = "mailbox unavailable"
	h.createPlan(t, "patient-1", jan1)

	summary, err := h.orch.Run(context.Background(), clinic, "manual")
	require.NoError(t, err, "a provider failure does not fail the run")

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Sent)
	assert.Contains(t, summary.Outcomes[0].Error, "mailbox unavailable")

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].ErrorMessage, "mailbox unavailable")

	sentRecs, err := h.ledger.List(context.Background(), clinic, ledger.Filter{Status: ledger.StatusSent})
	require.NoError(t, err)
	assert.Empty(t, sentRecs)

	assert.Equal(t, 1, h.usage(t, billing.ChannelEmail))
}

func TestRun_QuotaDeniedCreatesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.store.SetUsage(clinic.TenantID, billing.MonthKey(runDay), billing.ChannelEmail, 1000)
	h.createPlan(t, "patient-1", jan1)

	summary, err := h.orch.Run(context.Background(), clinic, "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Denied)
	assert.Equal(t, reminder.OutcomeDeniedQuota, summary.Outcomes[0].Outcome)
	assert.Contains(t, summary.Outcomes[0].Error, "monthly limit reached")
	assert.Empty(t, h.sender.Sent())
	assert.Empty(t, h.records(t))
	assert.Equal(t, 1000, h.usage(t, billing.ChannelEmail))
}

func TestRun_SkipsOnTrackAndMissingContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SavePatient(ctx, billing.Patient{ID: "patient-2", TenantID: clinic.TenantID, Name: "Luis"}))

	h.createPlan(t, "patient-1", billing.NewDate(2024, time.February, 1)) // first due date ahead
	h.createPlan(t, "patient-2", jan1)                                    // due, but no email

	summary, err := h.orch.Run(ctx, clinic, "manual")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, summary.Skipped)
	outcomes := []reminder.Outcome{summary.Outcomes[0].Outcome, summary.Outcomes[1].Outcome}
	assert.ElementsMatch(t, []reminder.Outcome{reminder.OutcomeSkippedOnTrack, reminder.OutcomeSkippedNoContact}, outcomes)
	assert.Empty(t, h.sender.Sent())
	assert.Zero(t, h.usage(t, billing.ChannelEmail))
}

func TestRun_UnknownPatientIsCandidateError(t *testing.T) {
	// GIVEN: Two due plans, one for a patient the directory does not know
	// THEN: That candidate errors; the other is still sent

	h := newHarness(t)
	h.createPlan(t, "ghost", jan1)
	h.createPlan(t, "patient-1", jan1)

	summary, err := h.orch.Run(context.Background(), clinic, "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Sent)
}

func TestRun_SecondRunSameDayIsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.createPlan(t, "patient-1", jan1)
	ctx := context.Background()

	_, err := h.orch.Run(ctx, clinic, "scheduled")
	require.NoError(t, err)
	summary, err := h.orch.Run(ctx, clinic, "manual")
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, reminder.OutcomeSkippedDuplicate, summary.Outcomes[0].Outcome)
	assert.Len(t, h.sender.Sent(), 1)
	assert.Len(t, h.records(t), 1)
	assert.Equal(t, 1, h.usage(t, billing.ChannelEmail))

	// the next day the reminder goes out again
	h.orch.Now = func() time.Time { return runDay.AddDate(0, 0, 1) }
	summary, err = h.orch.Run(ctx, clinic, "scheduled")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
}

func TestRun_WhatsAppUsesTemplate(t *testing.T) {
	h := newHarness(t)
	h.orch.Channel = billing.ChannelWhatsApp
	h.orch.Messages.InstallmentTemplateSID = "HX-installment"
	h.createPlan(t, "patient-1", jan1)

	summary, err := h.orch.Run(context.Background(), clinic, "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, billing.ChannelWhatsApp, sent[0].Channel)
	assert.Equal(t, "+56911112222", sent[0].Recipient)
	assert.Equal(t, "HX-installment", sent[0].Content.TemplateID)
	assert.Equal(t, map[string]string{"1": "Ana", "2": "1", "3": "300000", "4": "2024-01-01"}, sent[0].Content.Variables)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "HX-installment", recs[0].SubjectOrTemplate)
	assert.Equal(t, 1, h.usage(t, billing.ChannelWhatsApp))
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func TestRun_AppointmentReminders(t *testing.T) {
	// GIVEN: A scheduled appointment within 24h, a cancelled one, and one
	//        two days out
	// THEN: Only the first is reminded

	h := newHarness(t)
	ctx := context.Background()
	for _, a := range []billing.Appointment{
		{ID: "appt-1", TenantID: clinic.TenantID, PatientID: "patient-1", ScheduledAt: runDay.Add(6 * time.Hour), Status: billing.AppointmentScheduled, Notes: "Traer radiografía"},
		{ID: "appt-2", TenantID: clinic.TenantID, PatientID: "patient-1", ScheduledAt: runDay.Add(7 * time.Hour), Status: billing.AppointmentCancelled},
		{ID: "appt-3", TenantID: clinic.TenantID, PatientID: "patient-1", ScheduledAt: runDay.Add(48 * time.Hour), Status: billing.AppointmentScheduled},
	} {
		require.NoError(t, h.store.SaveAppointment(ctx, a))
	}

	summary, err := h.orch.Run(ctx, clinic, "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, ledger.KindAppointmentReminder, summary.Outcomes[0].Kind)
	assert.Equal(t, "appointment:appt-1", summary.Outcomes[0].Subject)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content.HTML, "15:00")
	assert.Contains(t, sent[0].Content.HTML, "Traer radiografía")

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, reminder.AppointmentKey("appt-1", runDay), recs[0].IdempotencyKey)
}

// =============================================================================
// OVERLAP
// =============================================================================

func TestRun_OverlappingRunForSameTenantRejected(t *testing.T) {
	// GIVEN: A run blocked inside the provider call
	// WHEN: A second run for the same tenant starts
	// THEN: ErrRunInProgress; another tenant is unaffected

	h := newHarness(t)
	h.createPlan(t, "patient-1", jan1)
	h.sender.Entered = make(chan struct{}, 1)
	h.sender.Block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), clinic, "scheduled")
		done <- err
	}()
	<-h.sender.Entered

	_, err := h.orch.Run(context.Background(), clinic, "manual")
	assert.ErrorIs(t, err, billing.ErrRunInProgress)

	other, err := h.orch.Run(context.Background(), billing.SystemTenant("clinic-2"), "manual")
	require.NoError(t, err)
	assert.Zero(t, other.Scanned)

	close(h.sender.Block)
	require.NoError(t, <-done)

	// released after completion
	_, err = h.orch.Run(context.Background(), clinic, "manual")
	assert.NoError(t, err)
}

func TestRunAll_CoversActiveTenants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveSubscription(ctx, quota.Subscription{TenantID: "clinic-0", Tier: quota.TierFree, Active: false}))
	require.NoError(t, h.store.SaveSubscription(ctx, quota.Subscription{TenantID: "clinic-2", Tier: quota.TierPro, Active: true}))
	h.createPlan(t, "patient-1", jan1)

	summaries, err := h.orch.RunAll(ctx, h.store, "scheduled")
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, billing.TenantID("clinic-1"), summaries[0].TenantID)
	assert.Equal(t, 1, summaries[0].Sent)
	assert.Equal(t, billing.TenantID("clinic-2"), summaries[1].TenantID)
	assert.Equal(t, "scheduled", summaries[1].Trigger)
}
