package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// PLAN SERVICE - Plan lifecycle: create, pay, cancel
// =============================================================================

// PlanService owns the plan lifecycle. It is the only writer of plans.
type PlanService struct {
	Store             PlanStore
	Log               logrus.FieldLogger
	RoundingIncrement decimal.Decimal

	Now   func() time.Time
	NewID func() string
}

func NewPlanService(store PlanStore, log logrus.FieldLogger) *PlanService {
	return &PlanService{
		Store:             store,
		Log:               log,
		RoundingIncrement: DefaultRoundingIncrement,
		Now:               func() time.Time { return time.Now().UTC() },
		NewID:             uuid.NewString,
	}
}

// CreatePlanInput is what the front desk submits for a new plan.
type CreatePlanInput struct {
	PatientID        PatientID
	Description      string
	TotalAmount      decimal.Decimal
	InstallmentCount int
	Frequency        Frequency
	StartDate        time.Time
}

// CreatePlan validates the input, generates the schedule and persists the
// plan together with its installments.
func (s *PlanService) CreatePlan(ctx context.Context, tc TenantContext, in CreatePlanInput) (*InstallmentPlan, []Installment, error) {
	if tc.TenantID == "" {
		return nil, nil, invalid("tenant_id", "is required")
	}
	if in.PatientID == "" {
		return nil, nil, invalid("patient_id", "is required")
	}

	sched := ScheduleInput{
		TotalAmount:       in.TotalAmount,
		InstallmentCount:  in.InstallmentCount,
		Frequency:         in.Frequency,
		StartDate:         in.StartDate,
		RoundingIncrement: s.RoundingIncrement,
	}
	installments, err := GenerateSchedule(sched)
	if err != nil {
		return nil, nil, err
	}

	now := s.Now()
	plan := InstallmentPlan{
		ID:                PlanID(s.NewID()),
		TenantID:          tc.TenantID,
		PatientID:         in.PatientID,
		Description:       in.Description,
		TotalAmount:       in.TotalAmount,
		InstallmentCount:  in.InstallmentCount,
		InstallmentAmount: installments[0].Amount,
		Frequency:         in.Frequency,
		StartDate:         TruncateDay(in.StartDate),
		AmountPaid:        decimal.Zero,
		Status:            PlanActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for i := range installments {
		installments[i].PlanID = plan.ID
	}

	if err := s.Store.CreatePlan(ctx, plan, installments); err != nil {
		return nil, nil, Persistence("create plan", err)
	}

	s.Log.WithFields(logrus.Fields{
		"tenant_id":    tc.TenantID,
		"plan_id":      plan.ID,
		"patient_id":   plan.PatientID,
		"total":        plan.TotalAmount.String(),
		"installments": plan.InstallmentCount,
		"frequency":    plan.Frequency,
	}).Info("installment plan created")
	return &plan, installments, nil
}

// GetPlan returns a plan with its installments.
func (s *PlanService) GetPlan(ctx context.Context, tc TenantContext, id PlanID) (*InstallmentPlan, []Installment, error) {
	plan, err := s.Store.GetPlan(ctx, tc.TenantID, id)
	if err != nil {
		return nil, nil, Persistence("get plan", err)
	}
	installments, err := s.Store.ListInstallments(ctx, tc.TenantID, id)
	if err != nil {
		return nil, nil, Persistence("list installments", err)
	}
	return plan, installments, nil
}

// ListPlans returns the tenant's plans.
func (s *PlanService) ListPlans(ctx context.Context, tc TenantContext, filter PlanFilter) ([]InstallmentPlan, error) {
	plans, err := s.Store.ListPlans(ctx, tc.TenantID, filter)
	return plans, Persistence("list plans", err)
}

// RecordPaymentInput describes money received against a plan.
type RecordPaymentInput struct {
	PlanID    PlanID
	Amount    decimal.Decimal
	PaidAt    time.Time // defaults to now
	Reference string
}

// RecordPayment appends a payment, raises AmountPaid, marks every installment
// now fully covered as paid, and completes the plan once AmountPaid reaches
// TotalAmount. Overpaying the remaining balance is rejected.
func (s *PlanService) RecordPayment(ctx context.Context, tc TenantContext, in RecordPaymentInput) (*InstallmentPlan, *Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, nil, invalid("amount", "must be greater than zero, got %s", in.Amount)
	}

	plan, installments, err := s.GetPlan(ctx, tc, in.PlanID)
	if err != nil {
		return nil, nil, err
	}
	if !plan.IsActive() {
		return nil, nil, ErrPlanNotActive
	}
	if in.Amount.GreaterThan(plan.Remaining()) {
		return nil, nil, invalid("amount", "%s exceeds remaining balance %s", in.Amount, plan.Remaining())
	}

	now := s.Now()
	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}

	payment := Payment{
		ID:        PaymentID(s.NewID()),
		TenantID:  tc.TenantID,
		PlanID:    plan.ID,
		Amount:    in.Amount,
		PaidAt:    paidAt.UTC(),
		Reference: in.Reference,
		CreatedAt: now,
	}

	previous := plan.AmountPaid
	updated := *plan
	updated.AmountPaid = previous.Add(in.Amount)
	updated.UpdatedAt = now
	if updated.AmountPaid.GreaterThanOrEqual(updated.TotalAmount) {
		updated.Status = PlanCompleted
	}

	update := PaymentUpdate{
		Payment:            payment,
		Plan:               updated,
		PreviousAmountPaid: previous,
		PaidInstallments:   CoveredInstallments(installments, updated.AmountPaid),
	}
	if err := s.Store.SavePayment(ctx, update); err != nil {
		return nil, nil, Persistence("save payment", err)
	}

	s.Log.WithFields(logrus.Fields{
		"tenant_id":   tc.TenantID,
		"plan_id":     plan.ID,
		"amount":      in.Amount.String(),
		"amount_paid": updated.AmountPaid.String(),
		"status":      updated.Status,
	}).Info("payment recorded")
	return &updated, &payment, nil
}

// CoveredInstallments returns the indexes of pending installments that are
// fully covered by amountPaid, walking installments in index order.
func CoveredInstallments(installments []Installment, amountPaid decimal.Decimal) []int {
	var covered []int
	cumulative := decimal.Zero
	for _, inst := range installments {
		cumulative = cumulative.Add(inst.Amount)
		if cumulative.GreaterThan(amountPaid) {
			break
		}
		if inst.Status != InstallmentPaid {
			covered = append(covered, inst.Index)
		}
	}
	return covered
}

// CancelPlan moves an active plan to cancelled.
func (s *PlanService) CancelPlan(ctx context.Context, tc TenantContext, id PlanID) error {
	err := s.Store.UpdatePlanStatus(ctx, tc.TenantID, id, PlanActive, PlanCancelled, s.Now())
	if err != nil {
		return Persistence("cancel plan", err)
	}
	s.Log.WithFields(logrus.Fields{"tenant_id": tc.TenantID, "plan_id": id}).Info("installment plan cancelled")
	return nil
}

// DueReport pairs the heuristic and authoritative evaluations of a plan.
type DueReport struct {
	Plan      InstallmentPlan
	Estimated DueState
	Actual    DueState
}

// EvaluatePlan runs both evaluators for one plan at `now`.
func (s *PlanService) EvaluatePlan(ctx context.Context, tc TenantContext, id PlanID, now time.Time) (*DueReport, error) {
	plan, installments, err := s.GetPlan(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	return &DueReport{
		Plan:      *plan,
		Estimated: EvaluateDueState(DueInputFromPlan(*plan), now),
		Actual:    EvaluateInstallments(*plan, installments, now),
	}, nil
}
