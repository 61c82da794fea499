/*
Package billing provides the installment billing engine.

PURPOSE:
  This package contains the domain types and pure algorithms behind clinic
  payment plans: generating an installment schedule for a plan, deriving
  which installment is currently due, and applying payments to a plan.
  Persistence and notification delivery live in other packages and talk to
  this one through the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - InstallmentPlan: an agreement to pay a total over N scheduled installments
  - Installment:     one scheduled slice of a plan (index, amount, due date)
  - Payment:         an append-only record of money received against a plan
  - Tenant/Patient/Plan IDs: type-safe identifiers

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Sum invariant: a plan's installments always add up to its total exactly
  3. No deletes: plans only transition status (active -> completed|cancelled)
  4. Tenant scoping: every row carries the owning clinic's TenantID

USAGE:
  installments, err := billing.GenerateSchedule(billing.ScheduleInput{
      TotalAmount:      decimal.NewFromInt(900000),
      InstallmentCount: 3,
      Frequency:        billing.FrequencyMonthly,
      StartDate:        billing.NewDate(2024, time.January, 1),
  })

SEE ALSO:
  - schedule.go: ScheduleGenerator
  - due.go:      DueStateEvaluator
  - plan.go:     PlanService (create, pay, cancel)
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type PatientID string
type PlanID string
type PaymentID string

// =============================================================================
// FREQUENCY
// =============================================================================

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

// ApproxPeriodDays is the fixed period length used by the batch heuristic.
// Monthly is approximated as 30 days; authoritative monthly due dates use
// calendar arithmetic (see DueDate).
func (f Frequency) ApproxPeriodDays() int {
	switch f {
	case FrequencyWeekly:
		return 7
	case FrequencyBiweekly:
		return 15
	default:
		return 30
	}
}

// =============================================================================
// PLAN
// =============================================================================

type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

type InstallmentPlan struct {
	ID                PlanID
	TenantID          TenantID
	PatientID         PatientID
	Description       string
	TotalAmount       decimal.Decimal
	InstallmentCount  int
	InstallmentAmount decimal.Decimal // regular (non-final) installment amount
	Frequency         Frequency
	StartDate         time.Time
	AmountPaid        decimal.Decimal
	Status            PlanStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Remaining returns what is still owed on the plan, never negative.
func (p InstallmentPlan) Remaining() decimal.Decimal {
	r := p.TotalAmount.Sub(p.AmountPaid)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (p InstallmentPlan) IsActive() bool { return p.Status == PlanActive }

// =============================================================================
// INSTALLMENT
// =============================================================================

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
)

type Installment struct {
	PlanID  PlanID
	Index   int // 1-based, contiguous within the plan
	Amount  decimal.Decimal
	DueDate time.Time
	Status  InstallmentStatus
	PaidAt  *time.Time
}

// =============================================================================
// PAYMENT
// =============================================================================

// Payment is append-only. Creating one is what moves a plan's AmountPaid.
type Payment struct {
	ID        PaymentID
	TenantID  TenantID
	PlanID    PlanID
	Amount    decimal.Decimal
	PaidAt    time.Time
	Reference string
	CreatedAt time.Time
}

// =============================================================================
// CHANNEL - Closed set of notification delivery media
// =============================================================================

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool { return c == ChannelEmail || c == ChannelWhatsApp }

// Channels lists every supported channel in a stable order.
func Channels() []Channel { return []Channel{ChannelEmail, ChannelWhatsApp} }

// =============================================================================
// COLLABORATORS (read-only from this subsystem's point of view)
// =============================================================================

type Patient struct {
	ID       PatientID
	TenantID TenantID
	Name     string
	Email    string
	Phone    string
}

// Contact returns the patient's address for a channel, or "" when missing.
func (p Patient) Contact(c Channel) string {
	switch c {
	case ChannelEmail:
		return p.Email
	case ChannelWhatsApp:
		return p.Phone
	}
	return ""
}

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentCompleted AppointmentStatus = "completed"
)

type Appointment struct {
	ID          string
	TenantID    TenantID
	PatientID   PatientID
	ScheduledAt time.Time
	Status      AppointmentStatus
	Notes       string
}

// =============================================================================
// TENANT CONTEXT
// =============================================================================

// TenantContext identifies the clinic on whose behalf a call is made.
// It is passed explicitly into every component; there is no ambient
// "current user".
type TenantContext struct {
	TenantID  TenantID
	AuthToken string
}

// SystemTenant builds the context used by scheduled runs, which act for a
// tenant without a user token.
func SystemTenant(id TenantID) TenantContext {
	return TenantContext{TenantID: id}
}
