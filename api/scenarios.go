/*
scenarios.go - Demo scenario loaders for local development and demos

PURPOSE:
  Populates the caller's clinic with patients, plans and appointments that
  put each part of the reminder pipeline in a known state. Loading a
  scenario and then calling POST /api/reminders/run shows the outcome.

AVAILABLE SCENARIOS:
  due-soon:             Plan whose first installment is due today
  overdue:              Plan three installments behind, one payment made
  appointment-tomorrow: Scheduled appointment inside the lookahead window
  free-tier:            Free subscription, WhatsApp-only patient (quota denial)

HOW SCENARIOS WORK:
  1. Set the clinic's subscription tier
  2. Upsert the scenario's patients (fixed IDs, so reloading is harmless)
  3. Create plans and payments through PlanService
  4. Create appointments relative to now

NOTE:
  Nothing is reset. Plans accumulate on reload; patients are overwritten.
  The routes are only mounted when Handler.Demo is set.

SEE ALSO:
  - server.go: /api/scenarios routes
  - reminder/orchestrator.go: What a run does with this data
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/shopspring/decimal"
)

// DemoStore receives the directory and subscription rows a scenario needs.
// Both store/sqlstore and store/memory implement it.
type DemoStore interface {
	SavePatient(ctx context.Context, p billing.Patient) error
	SaveAppointment(ctx context.Context, a billing.Appointment) error
	SaveSubscription(ctx context.Context, sub quota.Subscription) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "due-soon",
		Name:        "Installment Due Today",
		Description: "3 monthly installments starting today; first reminder is due-soon",
		Category:    "billing",
	},
	{
		ID:          "overdue",
		Name:        "Overdue Plan",
		Description: "6 monthly installments started 3 months ago, only the first paid",
		Category:    "billing",
	},
	{
		ID:          "appointment-tomorrow",
		Name:        "Appointment Tomorrow",
		Description: "Scheduled appointment later today or tomorrow, inside the reminder window",
		Category:    "appointments",
	},
	{
		ID:          "free-tier",
		Name:        "Free Tier Clinic",
		Description: "Free subscription with a phone-only patient; WhatsApp sends are denied",
		Category:    "quota",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario into the caller's clinic.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	loaders := map[string]func(context.Context, billing.TenantContext) (*ScenarioResult, error){
		"due-soon":             h.loadDueSoonScenario,
		"overdue":              h.loadOverdueScenario,
		"appointment-tomorrow": h.loadAppointmentScenario,
		"free-tier":            h.loadFreeTierScenario,
	}
	load, found := loaders[req.ScenarioID]
	if !found {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	result, err := load(r.Context(), tc)
	if err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	result.Scenario = req.ScenarioID
	h.Log.WithField("tenant_id", tc.TenantID).WithField("scenario", req.ScenarioID).Info("demo scenario loaded")
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDueSoonScenario(ctx context.Context, tc billing.TenantContext) (*ScenarioResult, error) {
	ana := billing.Patient{ID: "demo-ana", TenantID: tc.TenantID, Name: "Ana Rojas", Email: "ana.rojas@example.com", Phone: "+56911112222"}
	res, err := h.seed(ctx, tc, quota.TierBasic, ana)
	if err != nil {
		return nil, err
	}

	plan, err := h.demoPlan(ctx, tc, ana.ID, "Ortodoncia", 900000, 3, billing.TruncateDay(h.Now()))
	if err != nil {
		return nil, err
	}
	res.PlanIDs = append(res.PlanIDs, string(plan.ID))
	return res, nil
}

func (h *Handler) loadOverdueScenario(ctx context.Context, tc billing.TenantContext) (*ScenarioResult, error) {
	bruno := billing.Patient{ID: "demo-bruno", TenantID: tc.TenantID, Name: "Bruno Díaz", Email: "bruno.diaz@example.com", Phone: "+56933334444"}
	res, err := h.seed(ctx, tc, quota.TierBasic, bruno)
	if err != nil {
		return nil, err
	}

	start := billing.AddMonthsClamped(billing.TruncateDay(h.Now()), -3)
	plan, err := h.demoPlan(ctx, tc, bruno.ID, "Implante", 1200000, 6, start)
	if err != nil {
		return nil, err
	}
	if _, _, err := h.Plans.RecordPayment(ctx, tc, billing.RecordPaymentInput{
		PlanID:    plan.ID,
		Amount:    plan.InstallmentAmount,
		PaidAt:    start,
		Reference: "demo",
	}); err != nil {
		return nil, err
	}
	res.PlanIDs = append(res.PlanIDs, string(plan.ID))
	return res, nil
}

func (h *Handler) loadAppointmentScenario(ctx context.Context, tc billing.TenantContext) (*ScenarioResult, error) {
	carla := billing.Patient{ID: "demo-carla", TenantID: tc.TenantID, Name: "Carla Soto", Email: "carla.soto@example.com", Phone: "+56955556666"}
	res, err := h.seed(ctx, tc, quota.TierBasic, carla)
	if err != nil {
		return nil, err
	}

	appt := billing.Appointment{
		ID:          "demo-appt-" + string(carla.ID),
		TenantID:    tc.TenantID,
		PatientID:   carla.ID,
		ScheduledAt: h.Now().Add(20 * time.Hour).Truncate(time.Hour),
		Status:      billing.AppointmentScheduled,
		Notes:       "Control de ortodoncia",
	}
	if err := h.Demo.SaveAppointment(ctx, appt); err != nil {
		return nil, billing.Persistence("save appointment", err)
	}
	res.AppointmentIDs = append(res.AppointmentIDs, appt.ID)
	return res, nil
}

func (h *Handler) loadFreeTierScenario(ctx context.Context, tc billing.TenantContext) (*ScenarioResult, error) {
	diego := billing.Patient{ID: "demo-diego", TenantID: tc.TenantID, Name: "Diego Fuentes", Phone: "+56977778888"}
	res, err := h.seed(ctx, tc, quota.TierFree, diego)
	if err != nil {
		return nil, err
	}

	plan, err := h.demoPlan(ctx, tc, diego.ID, "Limpieza", 120000, 2, billing.TruncateDay(h.Now()))
	if err != nil {
		return nil, err
	}
	res.PlanIDs = append(res.PlanIDs, string(plan.ID))
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seed(ctx context.Context, tc billing.TenantContext, tier quota.Tier, patients ...billing.Patient) (*ScenarioResult, error) {
	if h.Demo == nil {
		return nil, fmt.Errorf("demo store not configured")
	}
	if err := h.Demo.SaveSubscription(ctx, quota.Subscription{TenantID: tc.TenantID, Tier: tier, Active: true}); err != nil {
		return nil, billing.Persistence("save subscription", err)
	}
	res := &ScenarioResult{Status: "loaded", Tier: string(tier)}
	for _, p := range patients {
		if err := h.Demo.SavePatient(ctx, p); err != nil {
			return nil, billing.Persistence("save patient", err)
		}
		res.PatientIDs = append(res.PatientIDs, string(p.ID))
	}
	return res, nil
}

func (h *Handler) demoPlan(ctx context.Context, tc billing.TenantContext, patient billing.PatientID, desc string, total int64, count int, start time.Time) (*billing.InstallmentPlan, error) {
	plan, _, err := h.Plans.CreatePlan(ctx, tc, billing.CreatePlanInput{
		PatientID:        patient,
		Description:      desc,
		TotalAmount:      decimal.NewFromInt(total),
		InstallmentCount: count,
		Frequency:        billing.FrequencyMonthly,
		StartDate:        start,
	})
	return plan, err
}
