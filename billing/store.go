/*
store.go - Persistence interfaces for plans, payments and collaborators

PURPOSE:
  Defines the boundary between the billing engine and the database.
  Implementations:
    - store/sqlstore: SQLite (dev, tests) and PostgreSQL (production)
    - store/memory:   in-memory, for component tests

ATOMICITY CONTRACT:
  CreatePlan writes the plan and ALL its installments, or nothing.
  SavePayment writes the payment row, the plan's new AmountPaid/Status and
  the newly-paid installments, or nothing. It is guarded by the plan's
  previous AmountPaid: if another payment landed in between, the store
  returns ErrConcurrentModification and the caller may retry.

NO DELETES:
  Plans and payments are never deleted. Plans only change status.

TENANT SCOPING:
  Every read takes the TenantID; a plan belonging to another tenant is
  reported as ErrPlanNotFound.
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PlanFilter narrows ListPlans. Zero value lists every plan of the tenant.
type PlanFilter struct {
	Status    PlanStatus
	PatientID PatientID
}

// PaymentUpdate is everything SavePayment writes atomically.
type PaymentUpdate struct {
	Payment            Payment
	Plan               InstallmentPlan // with AmountPaid/Status already applied
	PreviousAmountPaid decimal.Decimal
	PaidInstallments   []int // indexes newly transitioned to paid
}

// PlanStore persists plans, installments and payments.
type PlanStore interface {
	CreatePlan(ctx context.Context, plan InstallmentPlan, installments []Installment) error
	GetPlan(ctx context.Context, tenantID TenantID, id PlanID) (*InstallmentPlan, error)
	ListPlans(ctx context.Context, tenantID TenantID, filter PlanFilter) ([]InstallmentPlan, error)
	ListInstallments(ctx context.Context, tenantID TenantID, planID PlanID) ([]Installment, error)
	SavePayment(ctx context.Context, update PaymentUpdate) error
	ListPayments(ctx context.Context, tenantID TenantID, planID PlanID) ([]Payment, error)

	// UpdatePlanStatus transitions from -> to. Returns ErrPlanNotActive when
	// the plan is not currently in `from`.
	UpdatePlanStatus(ctx context.Context, tenantID TenantID, id PlanID, from, to PlanStatus, at time.Time) error
}

// DirectoryStore reads the patients and appointments owned by the rest of
// the clinic application.
type DirectoryStore interface {
	GetPatient(ctx context.Context, tenantID TenantID, id PatientID) (*Patient, error)
	ListAppointments(ctx context.Context, tenantID TenantID, from, to time.Time) ([]Appointment, error)
}
