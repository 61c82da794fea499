/*
handlers.go - HTTP API handlers for the billing and reminder engine

PURPOSE:
  Exposes plans, payments, manual notifications and reminder runs over
  REST. Handles HTTP request/response and JSON serialization, and
  delegates to the domain packages.

ENDPOINTS:
  Plans:
    GET    /api/plans                  List plans (?status=, ?patient_id=)
    POST   /api/plans                  Create plan + schedule
    GET    /api/plans/{id}             Plan with installments
    POST   /api/plans/{id}/payments    Record a payment
    POST   /api/plans/{id}/cancel      Cancel an active plan
    GET    /api/plans/{id}/due-state   Due evaluation (?as_of=YYYY-MM-DD)

  Notifications (notifications.go):
    POST   /api/notifications/send-email
    POST   /api/notifications/send-whatsapp

  Reminders (reminders.go):
    POST   /api/reminders/run          Run reminders for the caller's tenant
    GET    /api/reminders/runs         Run history
    GET    /api/deliveries             Delivery ledger
    GET    /api/deliveries/{id}        One delivery record
    GET    /api/quota                  Current month's usage

REQUEST FLOW:
  1. Tenant from the auth middleware
  2. Decode + validate the body
  3. Call the domain package
  4. Serialize the DTO
  5. Map errors with statusFor

ERROR HANDLING:
  Errors are returned as JSON {error, details} with:
  - 400: validation errors, invalid input
  - 402: monthly quota exhausted
  - 404: plan, patient or delivery not found
  - 409: plan not active, duplicate, concurrent change, run in progress
  - 502: provider rejected or timed out
  - 500: everything else

SEE ALSO:
  - dto.go:    Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/clinicflow/billing-engine/reminder"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store connectivity for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Plans        *billing.PlanService
	Ledger       *ledger.Ledger
	Quota        *quota.Guard
	Pipeline     *reminder.DeliveryPipeline
	Orchestrator *reminder.Orchestrator
	Runs         reminder.RunStore // optional; /reminders/runs returns 404 without it
	Store        Pinger            // optional
	Demo         DemoStore         // optional; enables /api/scenarios

	Log logrus.FieldLogger
	Now func() time.Time

	validate *validator.Validate
}

// NewHandler creates a handler. Runs and Store may be set afterwards.
func NewHandler(plans *billing.PlanService, l *ledger.Ledger, guard *quota.Guard, pipeline *reminder.DeliveryPipeline, orch *reminder.Orchestrator, log logrus.FieldLogger) *Handler {
	return &Handler{
		Plans:        plans,
		Ledger:       l,
		Quota:        guard,
		Pipeline:     pipeline,
		Orchestrator: orch,
		Log:          log,
		Now:          func() time.Time { return time.Now().UTC() },
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Health reports liveness and, when a store is configured, connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPlans returns the tenant's plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	filter := billing.PlanFilter{
		Status:    billing.PlanStatus(r.URL.Query().Get("status")),
		PatientID: billing.PatientID(r.URL.Query().Get("patient_id")),
	}
	plans, err := h.Plans.ListPlans(r.Context(), tc, filter)
	if err != nil {
		h.fail(w, r, "Failed to list plans", err)
		return
	}

	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePlan creates a plan and its installment schedule.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	var req CreatePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := time.Parse(billing.DateLayout, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}

	plan, installments, err := h.Plans.CreatePlan(r.Context(), tc, billing.CreatePlanInput{
		PatientID:        billing.PatientID(req.PatientID),
		Description:      req.Description,
		TotalAmount:      req.TotalAmount,
		InstallmentCount: req.InstallmentCount,
		Frequency:        billing.Frequency(req.Frequency),
		StartDate:        start,
	})
	if err != nil {
		h.fail(w, r, "Failed to create plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(*plan, installments))
}

// GetPlan returns a plan with its installments.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	plan, installments, err := h.Plans.GetPlan(r.Context(), tc, billing.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get plan", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(*plan, installments))
}

// RecordPayment applies a payment to a plan.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	var paidAt time.Time
	if req.PaidAt != "" {
		var err error
		if paidAt, err = time.Parse(billing.DateLayout, req.PaidAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at format (use YYYY-MM-DD)", err)
			return
		}
	}

	planID := billing.PlanID(chi.URLParam(r, "id"))
	plan, payment, err := h.Plans.RecordPayment(r.Context(), tc, billing.RecordPaymentInput{
		PlanID:    planID,
		Amount:    req.Amount,
		PaidAt:    paidAt,
		Reference: req.Reference,
	})
	if err != nil {
		h.fail(w, r, "Failed to record payment", err)
		return
	}

	_, installments, err := h.Plans.GetPlan(r.Context(), tc, planID)
	if err != nil {
		// the payment is committed; answer without the schedule
		h.Log.WithError(err).WithField("plan_id", planID).Warn("failed to reload installments after payment")
	}
	writeJSON(w, http.StatusCreated, RecordPaymentResponse{
		Plan:    toPlanDTO(*plan, installments),
		Payment: toPaymentDTO(*payment),
	})
}

// CancelPlan moves an active plan to cancelled.
func (h *Handler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	id := billing.PlanID(chi.URLParam(r, "id"))
	if err := h.Plans.CancelPlan(r.Context(), tc, id); err != nil {
		h.fail(w, r, "Failed to cancel plan", err)
		return
	}
	plan, installments, err := h.Plans.GetPlan(r.Context(), tc, id)
	if err != nil {
		h.fail(w, r, "Failed to get plan", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(*plan, installments))
}

// GetDueState evaluates a plan at ?as_of (default today).
func (h *Handler) GetDueState(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	asOf := h.Now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(billing.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
			return
		}
		asOf = parsed
	}

	report, err := h.Plans.EvaluatePlan(r.Context(), tc, billing.PlanID(chi.URLParam(r, "id")), asOf)
	if err != nil {
		h.fail(w, r, "Failed to evaluate plan", err)
		return
	}
	writeJSON(w, http.StatusOK, DueReportDTO{
		PlanID:    string(report.Plan.ID),
		AsOf:      billing.DateKey(asOf),
		Actual:    toDueStateDTO(report.Actual),
		Estimated: toDueStateDTO(report.Estimated),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// tenant returns the caller's TenantContext or writes 401.
func tenant(w http.ResponseWriter, r *http.Request) (billing.TenantContext, bool) {
	tc, ok := TenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", errMissingTenant)
	}
	return tc, ok
}

// decode reads a JSON body into dst and validates it, writing 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", validationDetails(err))
		return false
	}
	return true
}

// validationDetails flattens validator errors into "field: rule" pairs.
func validationDetails(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrPlanNotActive),
		errors.Is(err, billing.ErrDuplicateDelivery),
		errors.Is(err, billing.ErrDeliveryAlreadyClosed),
		errors.Is(err, billing.ErrConcurrentModification),
		errors.Is(err, billing.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, billing.ErrDispatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status; 5xx are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithError(err).WithField("path", r.URL.Path).Error(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
