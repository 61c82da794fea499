/*
orchestrator.go - Scheduled and on-demand reminder runs

PURPOSE:
  Scans one tenant's active installment plans and upcoming appointments
  and sends a reminder for every actionable one through the
  DeliveryPipeline. Candidates are processed sequentially in scan order.

PER CANDIDATE:
  plan:        EvaluateInstallments -> on-track?      skipped-on-track
  both:        patient contact for Channel missing?   skipped-no-contact
               then DeliveryPipeline.Deliver          sent | failed-dispatch
                                                      denied-quota | skipped-duplicate
                                                      error
  No outcome stops the batch; only a failure to list the candidates fails
  the whole run.

IDEMPOTENCY:
  Each reminder carries a per-day key:
    plan:<id>:installment:<index>:<class>:<YYYY-MM-DD>
    appointment:<id>:<YYYY-MM-DD>
  so a manual run overlapping the daily run (in this process or another)
  never reminds the same patient of the same thing twice in a day.

OVERLAP GUARD:
  A second Run for the same tenant while one is executing in this process
  returns ErrRunInProgress immediately.

RUN RECORDS:
  When Runs is set, every run is recorded (running -> completed|failed)
  with its counts, for the audit endpoint.

SEE ALSO:
  - pipeline.go:  the per-message path
  - scheduler.go: the cron trigger
*/
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultAppointmentLookahead = 24 * time.Hour

// =============================================================================
// RESULTS
// =============================================================================

// Result is the outcome of one candidate.
type Result struct {
	Subject    string // "plan:<id>" or "appointment:<id>"
	PatientID  billing.PatientID
	Kind       ledger.Kind
	Channel    billing.Channel
	Outcome    Outcome
	DeliveryID string
	Error      string
}

// Summary aggregates a run.
type Summary struct {
	RunID      string
	TenantID   billing.TenantID
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Scanned    int
	Sent       int
	Failed     int
	Skipped    int
	Denied     int
	Errors     int
	Outcomes   []Result
}

func (s *Summary) add(r Result) {
	s.Outcomes = append(s.Outcomes, r)
	switch r.Outcome {
	case OutcomeSent:
		s.Sent++
	case OutcomeFailedDispatch:
		s.Failed++
	case OutcomeDeniedQuota:
		s.Denied++
	case OutcomeError:
		s.Errors++
	default:
		s.Skipped++
	}
}

// =============================================================================
// RUN RECORDS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the persisted audit row of one orchestrator run.
type Run struct {
	ID          string
	TenantID    billing.TenantID
	Trigger     string
	Status      RunStatus
	Scanned     int
	Sent        int
	Failed      int
	Skipped     int
	Denied      int
	Errors      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, tenantID billing.TenantID, limit int) ([]Run, error)
}

// TenantLister enumerates the tenants a scheduled run covers.
type TenantLister interface {
	ListActiveTenants(ctx context.Context) ([]billing.TenantID, error)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	Plans     billing.PlanStore
	Directory billing.DirectoryStore
	Pipeline  *DeliveryPipeline
	Messages  Messages
	Runs      RunStore // optional

	Channel              billing.Channel
	AppointmentLookahead time.Duration
	StoreTimeout         time.Duration

	Log   logrus.FieldLogger
	Now   func() time.Time
	NewID func() string

	mu      sync.Mutex
	running map[billing.TenantID]bool
}

func NewOrchestrator(plans billing.PlanStore, dir billing.DirectoryStore, pipeline *DeliveryPipeline, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		Plans:                plans,
		Directory:            dir,
		Pipeline:             pipeline,
		Channel:              billing.ChannelEmail,
		AppointmentLookahead: DefaultAppointmentLookahead,
		StoreTimeout:         DefaultStoreTimeout,
		Log:                  log,
		Now:                  func() time.Time { return time.Now().UTC() },
		NewID:                uuid.NewString,
		running:              make(map[billing.TenantID]bool),
	}
}

func (o *Orchestrator) acquire(tenantID billing.TenantID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		o.running = make(map[billing.TenantID]bool)
	}
	if o.running[tenantID] {
		return false
	}
	o.running[tenantID] = true
	return true
}

func (o *Orchestrator) releaseTenant(tenantID billing.TenantID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, tenantID)
}

// Run executes one reminder run for a tenant.
func (o *Orchestrator) Run(ctx context.Context, tc billing.TenantContext, trigger string) (*Summary, error) {
	if !o.acquire(tc.TenantID) {
		return nil, billing.ErrRunInProgress
	}
	defer o.releaseTenant(tc.TenantID)

	now := o.Now()
	summary := &Summary{
		RunID:     o.NewID(),
		TenantID:  tc.TenantID,
		Trigger:   trigger,
		StartedAt: now,
	}
	log := o.Log.WithFields(logrus.Fields{
		"tenant_id": tc.TenantID,
		"run_id":    summary.RunID,
		"trigger":   trigger,
	})
	o.saveRun(ctx, summary, RunRunning, nil, log)

	err := o.scanPlans(ctx, tc, now, summary, log)
	if err == nil {
		err = o.scanAppointments(ctx, tc, now, summary, log)
	}
	summary.FinishedAt = o.Now()

	if err != nil {
		o.saveRun(ctx, summary, RunFailed, err, log)
		log.WithError(err).Error("reminder run failed")
		return summary, err
	}
	o.saveRun(ctx, summary, RunCompleted, nil, log)

	log.WithFields(logrus.Fields{
		"scanned": summary.Scanned,
		"sent":    summary.Sent,
		"failed":  summary.Failed,
		"skipped": summary.Skipped,
		"denied":  summary.Denied,
		"errors":  summary.Errors,
	}).Info("reminder run completed")
	return summary, nil
}

// RunAll runs every active tenant in turn. A tenant whose run fails or is
// already in progress does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context, tenants TenantLister, trigger string) ([]*Summary, error) {
	lctx, cancel := o.storeCtx(ctx)
	ids, err := tenants.ListActiveTenants(lctx)
	cancel()
	if err != nil {
		return nil, billing.Persistence("list tenants", err)
	}

	var out []*Summary
	for _, id := range ids {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		s, err := o.Run(ctx, billing.SystemTenant(id), trigger)
		if err != nil {
			o.Log.WithField("tenant_id", id).WithError(err).Warn("tenant reminder run did not complete")
		}
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// =============================================================================
// PLANS
// =============================================================================

func (o *Orchestrator) scanPlans(ctx context.Context, tc billing.TenantContext, now time.Time, s *Summary, log logrus.FieldLogger) error {
	sctx, cancel := o.storeCtx(ctx)
	plans, err := o.Plans.ListPlans(sctx, tc.TenantID, billing.PlanFilter{Status: billing.PlanActive})
	cancel()
	if err != nil {
		return billing.Persistence("list active plans", err)
	}

	for _, plan := range plans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Scanned++
		s.add(o.remindPlan(ctx, tc, plan, now, log))
	}
	return nil
}

func (o *Orchestrator) remindPlan(ctx context.Context, tc billing.TenantContext, plan billing.InstallmentPlan, now time.Time, log logrus.FieldLogger) Result {
	r := Result{Subject: "plan:" + string(plan.ID), PatientID: plan.PatientID, Channel: o.Channel}

	sctx, cancel := o.storeCtx(ctx)
	installments, err := o.Plans.ListInstallments(sctx, tc.TenantID, plan.ID)
	cancel()
	if err != nil {
		return o.failed(r, err, log)
	}

	state := billing.EvaluateInstallments(plan, installments, now)
	if !state.Actionable() || state.Next == nil {
		r.Outcome = OutcomeSkippedOnTrack
		return r
	}
	r.Kind = ledger.KindInstallmentDue
	if state.Class == billing.Overdue {
		r.Kind = ledger.KindInstallmentOverdue
	}

	patient, recipient, outcome, err := o.contact(ctx, tc, plan.PatientID)
	if outcome != "" {
		r.Outcome = outcome
		return r
	}
	if err != nil {
		return o.failed(r, err, log)
	}

	content, err := o.Messages.Installment(o.Channel, *patient, plan, state)
	if err != nil {
		return o.failed(r, err, log)
	}

	d, err := o.Pipeline.Deliver(ctx, tc, Request{
		Channel:        o.Channel,
		Recipient:      recipient,
		PatientID:      plan.PatientID,
		Kind:           r.Kind,
		Content:        content,
		IdempotencyKey: InstallmentKey(plan.ID, state.Next.Index, state.Class, now),
		Metadata: map[string]string{
			"plan_id":     string(plan.ID),
			"installment": fmt.Sprint(state.Next.Index),
			"due_state":   string(state.Class),
		},
	})
	return o.delivered(r, d, err)
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func (o *Orchestrator) scanAppointments(ctx context.Context, tc billing.TenantContext, now time.Time, s *Summary, log logrus.FieldLogger) error {
	if o.AppointmentLookahead <= 0 {
		return nil
	}
	sctx, cancel := o.storeCtx(ctx)
	appts, err := o.Directory.ListAppointments(sctx, tc.TenantID, now, now.Add(o.AppointmentLookahead))
	cancel()
	if err != nil {
		return billing.Persistence("list appointments", err)
	}

	for _, appt := range appts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if appt.Status != billing.AppointmentScheduled {
			continue
		}
		s.Scanned++
		s.add(o.remindAppointment(ctx, tc, appt, now, log))
	}
	return nil
}

func (o *Orchestrator) remindAppointment(ctx context.Context, tc billing.TenantContext, appt billing.Appointment, now time.Time, log logrus.FieldLogger) Result {
	r := Result{
		Subject:   "appointment:" + appt.ID,
		PatientID: appt.PatientID,
		Kind:      ledger.KindAppointmentReminder,
		Channel:   o.Channel,
	}

	patient, recipient, outcome, err := o.contact(ctx, tc, appt.PatientID)
	if outcome != "" {
		r.Outcome = outcome
		return r
	}
	if err != nil {
		return o.failed(r, err, log)
	}

	content, err := o.Messages.Appointment(o.Channel, *patient, appt)
	if err != nil {
		return o.failed(r, err, log)
	}

	d, err := o.Pipeline.Deliver(ctx, tc, Request{
		Channel:        o.Channel,
		Recipient:      recipient,
		PatientID:      appt.PatientID,
		Kind:           r.Kind,
		Content:        content,
		IdempotencyKey: AppointmentKey(appt.ID, now),
		Metadata: map[string]string{
			"appointment_id": appt.ID,
			"scheduled_at":   appt.ScheduledAt.UTC().Format(time.RFC3339),
		},
	})
	return o.delivered(r, d, err)
}

// =============================================================================
// HELPERS
// =============================================================================

// InstallmentKey is the per-day idempotency key of an installment reminder.
func InstallmentKey(plan billing.PlanID, index int, class billing.DueClass, day time.Time) string {
	return fmt.Sprintf("plan:%s:installment:%d:%s:%s", plan, index, class, billing.DateKey(day))
}

// AppointmentKey is the per-day idempotency key of an appointment reminder.
func AppointmentKey(id string, day time.Time) string {
	return fmt.Sprintf("appointment:%s:%s", id, billing.DateKey(day))
}

// contact resolves the patient and their address on o.Channel. A non-empty
// outcome means the candidate is skipped.
func (o *Orchestrator) contact(ctx context.Context, tc billing.TenantContext, id billing.PatientID) (*billing.Patient, string, Outcome, error) {
	sctx, cancel := o.storeCtx(ctx)
	patient, err := o.Directory.GetPatient(sctx, tc.TenantID, id)
	cancel()
	if err != nil {
		return nil, "", "", err
	}
	recipient := patient.Contact(o.Channel)
	if recipient == "" {
		return patient, "", OutcomeSkippedNoContact, nil
	}
	return patient, recipient, "", nil
}

func (o *Orchestrator) failed(r Result, err error, log logrus.FieldLogger) Result {
	r.Outcome = OutcomeError
	r.Error = err.Error()
	log.WithField("subject", r.Subject).WithError(err).Error("reminder candidate failed")
	return r
}

func (o *Orchestrator) delivered(r Result, d Delivery, err error) Result {
	r.Outcome = d.Outcome
	r.DeliveryID = d.RecordID
	if err != nil && !errors.Is(err, billing.ErrDuplicateDelivery) {
		r.Error = err.Error()
	}
	return r
}

func (o *Orchestrator) saveRun(ctx context.Context, s *Summary, status RunStatus, runErr error, log logrus.FieldLogger) {
	if o.Runs == nil {
		return
	}
	run := Run{
		ID:        s.RunID,
		TenantID:  s.TenantID,
		Trigger:   s.Trigger,
		Status:    status,
		Scanned:   s.Scanned,
		Sent:      s.Sent,
		Failed:    s.Failed,
		Skipped:   s.Skipped,
		Denied:    s.Denied,
		Errors:    s.Errors,
		StartedAt: s.StartedAt,
	}
	if status != RunRunning {
		finished := s.FinishedAt
		run.CompletedAt = &finished
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	sctx, cancel := o.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := o.Runs.SaveRun(sctx, run); err != nil {
		log.WithError(err).Warn("failed to save run record")
	}
}

func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
