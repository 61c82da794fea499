/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external contract: money is rendered as
  decimal strings, dates as YYYY-MM-DD, timestamps as RFC 3339.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Request:  Request body types from clients
  - *Response: Response wrappers

WIRE NAMES:
  Plan endpoints use snake_case. The two notification endpoints keep the
  camelCase/Spanish field names the clinic frontend already sends
  (destinatario, asunto, pacienteId, dentistaId, usado, limite).

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.decode, which runs them. Amount checks stay in the billing package.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/clinicflow/billing-engine/reminder"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PLANS
// =============================================================================

// CreatePlanRequest is the request to create an installment plan.
type CreatePlanRequest struct {
	PatientID        string          `json:"patient_id" validate:"required"`
	Description      string          `json:"description" validate:"max=500"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	InstallmentCount int             `json:"installment_count" validate:"required,min=2,max=120"`
	Frequency        string          `json:"frequency" validate:"required,oneof=weekly biweekly monthly"`
	StartDate        string          `json:"start_date" validate:"required,datetime=2006-01-02"`
}

// RecordPaymentRequest is the request to record a payment against a plan.
type RecordPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    string          `json:"paid_at" validate:"omitempty,datetime=2006-01-02"`
	Reference string          `json:"reference" validate:"max=200"`
}

type PlanDTO struct {
	ID                string           `json:"id"`
	PatientID         string           `json:"patient_id"`
	Description       string           `json:"description,omitempty"`
	TotalAmount       string           `json:"total_amount"`
	InstallmentCount  int              `json:"installment_count"`
	InstallmentAmount string           `json:"installment_amount"`
	Frequency         string           `json:"frequency"`
	StartDate         string           `json:"start_date"`
	AmountPaid        string           `json:"amount_paid"`
	Remaining         string           `json:"remaining"`
	Status            string           `json:"status"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
	Installments      []InstallmentDTO `json:"installments,omitempty"`
}

type InstallmentDTO struct {
	Index   int     `json:"index"`
	Amount  string  `json:"amount"`
	DueDate string  `json:"due_date"`
	Status  string  `json:"status"`
	PaidAt  *string `json:"paid_at,omitempty"`
}

type PaymentDTO struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	Amount    string `json:"amount"`
	PaidAt    string `json:"paid_at"`
	Reference string `json:"reference,omitempty"`
}

// RecordPaymentResponse is returned after a payment is applied.
type RecordPaymentResponse struct {
	Plan    PlanDTO    `json:"plan"`
	Payment PaymentDTO `json:"payment"`
}

type DueStateDTO struct {
	Class           string          `json:"class"`
	ExpectedIndex   int             `json:"expected_index"`
	PaidCount       int             `json:"paid_count"`
	DaysElapsed     int             `json:"days_elapsed"`
	DaysOverdue     int             `json:"days_overdue,omitempty"`
	NextInstallment *InstallmentDTO `json:"next_installment,omitempty"`
}

// DueReportDTO carries both evaluations; Actual is the one reminders use.
type DueReportDTO struct {
	PlanID    string      `json:"plan_id"`
	AsOf      string      `json:"as_of"`
	Actual    DueStateDTO `json:"actual"`
	Estimated DueStateDTO `json:"estimated"`
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// SendEmailRequest is the manual send-email body.
type SendEmailRequest struct {
	Destinatario string         `json:"destinatario" validate:"required,email"`
	Asunto       string         `json:"asunto" validate:"required,max=300"`
	HTML         string         `json:"html" validate:"required"`
	Tipo         string         `json:"tipo"`
	PacienteID   string         `json:"pacienteId"`
	Metadata     map[string]any `json:"metadata"`
	DentistaID   string         `json:"dentistaId"`
}

type SendEmailResponse struct {
	Success    bool   `json:"success"`
	MessageID  string `json:"messageId"`
	RegistroID string `json:"registroId"`
}

// SendWhatsAppRequest is the manual send-whatsapp body. Either ContentSID
// (approved template) or Mensaje (free text) is required.
type SendWhatsAppRequest struct {
	To               string            `json:"to" validate:"required,min=8"`
	DentistaID       string            `json:"dentistaId"`
	PacienteID       string            `json:"pacienteId"`
	Tipo             string            `json:"tipo"`
	ContentSID       string            `json:"contentSid" validate:"required_without=Mensaje"`
	Mensaje          string            `json:"mensaje" validate:"required_without=ContentSID"`
	ContentVariables map[string]string `json:"contentVariables"`
}

type SendWhatsAppResponse struct {
	Success bool   `json:"success"`
	SID     string `json:"sid"`
	Usado   int    `json:"usado"`
	Limite  *int   `json:"limite"`
}

// NotificationErrorResponse keeps the {success:false} shape the
// notification endpoints return on failure.
type NotificationErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Usado   *int   `json:"usado,omitempty"`
	Limite  *int   `json:"limite,omitempty"`
}

// =============================================================================
// REMINDERS, DELIVERIES, QUOTA
// =============================================================================

type RunResultDTO struct {
	Subject    string `json:"subject"`
	PatientID  string `json:"patient_id,omitempty"`
	Kind       string `json:"kind"`
	Channel    string `json:"channel"`
	Outcome    string `json:"outcome"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type RunSummaryDTO struct {
	RunID      string         `json:"run_id"`
	Trigger    string         `json:"trigger"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
	Scanned    int            `json:"scanned"`
	Sent       int            `json:"sent"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Denied     int            `json:"denied"`
	Errors     int            `json:"errors"`
	Outcomes   []RunResultDTO `json:"outcomes"`
}

type RunDTO struct {
	ID          string  `json:"id"`
	Trigger     string  `json:"trigger"`
	Status      string  `json:"status"`
	Scanned     int     `json:"scanned"`
	Sent        int     `json:"sent"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Denied      int     `json:"denied"`
	Errors      int     `json:"errors"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type DeliveryDTO struct {
	ID                string            `json:"id"`
	PatientID         string            `json:"patient_id,omitempty"`
	Channel           string            `json:"channel"`
	Recipient         string            `json:"recipient"`
	SubjectOrTemplate string            `json:"subject_or_template,omitempty"`
	Kind              string            `json:"kind,omitempty"`
	Status            string            `json:"status"`
	CreatedAt         string            `json:"created_at"`
	SentAt            *string           `json:"sent_at,omitempty"`
	ClosedAt          *string           `json:"closed_at,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	CostUnit          int               `json:"cost_unit"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type QuotaUsageDTO struct {
	Channel string `json:"channel"`
	Period  string `json:"period"`
	Used    int    `json:"used"`
	Limit   *int   `json:"limit"` // null = unlimited
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioResult lists what a scenario created.
type ScenarioResult struct {
	Status         string   `json:"status"`
	Scenario       string   `json:"scenario"`
	Tier           string   `json:"tier"`
	PatientIDs     []string `json:"patient_ids"`
	PlanIDs        []string `json:"plan_ids,omitempty"`
	AppointmentIDs []string `json:"appointment_ids,omitempty"`
}

// ErrorResponse is the body of every non-notification error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTimestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTimestamp(*t)
	return &s
}

func toPlanDTO(p billing.InstallmentPlan, installments []billing.Installment) PlanDTO {
	dto := PlanDTO{
		ID:                string(p.ID),
		PatientID:         string(p.PatientID),
		Description:       p.Description,
		TotalAmount:       p.TotalAmount.String(),
		InstallmentCount:  p.InstallmentCount,
		InstallmentAmount: p.InstallmentAmount.String(),
		Frequency:         string(p.Frequency),
		StartDate:         billing.DateKey(p.StartDate),
		AmountPaid:        p.AmountPaid.String(),
		Remaining:         p.Remaining().String(),
		Status:            string(p.Status),
		CreatedAt:         formatTimestamp(p.CreatedAt),
		UpdatedAt:         formatTimestamp(p.UpdatedAt),
	}
	for _, inst := range installments {
		dto.Installments = append(dto.Installments, toInstallmentDTO(inst))
	}
	return dto
}

func toInstallmentDTO(inst billing.Installment) InstallmentDTO {
	return InstallmentDTO{
		Index:   inst.Index,
		Amount:  inst.Amount.String(),
		DueDate: billing.DateKey(inst.DueDate),
		Status:  string(inst.Status),
		PaidAt:  formatTimestampPtr(inst.PaidAt),
	}
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:        string(p.ID),
		PlanID:    string(p.PlanID),
		Amount:    p.Amount.String(),
		PaidAt:    formatTimestamp(p.PaidAt),
		Reference: p.Reference,
	}
}

func toDueStateDTO(s billing.DueState) DueStateDTO {
	dto := DueStateDTO{
		Class:         string(s.Class),
		ExpectedIndex: s.ExpectedIndex,
		PaidCount:     s.PaidCount,
		DaysElapsed:   s.DaysElapsed,
		DaysOverdue:   s.DaysOverdue,
	}
	if s.Next != nil {
		next := toInstallmentDTO(*s.Next)
		dto.NextInstallment = &next
	}
	return dto
}

func toRunSummaryDTO(s *reminder.Summary) RunSummaryDTO {
	dto := RunSummaryDTO{
		RunID:      s.RunID,
		Trigger:    s.Trigger,
		StartedAt:  formatTimestamp(s.StartedAt),
		FinishedAt: formatTimestamp(s.FinishedAt),
		Scanned:    s.Scanned,
		Sent:       s.Sent,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		Denied:     s.Denied,
		Errors:     s.Errors,
		Outcomes:   make([]RunResultDTO, 0, len(s.Outcomes)),
	}
	for _, r := range s.Outcomes {
		dto.Outcomes = append(dto.Outcomes, RunResultDTO{
			Subject:    r.Subject,
			PatientID:  string(r.PatientID),
			Kind:       string(r.Kind),
			Channel:    string(r.Channel),
			Outcome:    string(r.Outcome),
			DeliveryID: r.DeliveryID,
			Error:      r.Error,
		})
	}
	return dto
}

func toRunDTO(r reminder.Run) RunDTO {
	return RunDTO{
		ID:          r.ID,
		Trigger:     r.Trigger,
		Status:      string(r.Status),
		Scanned:     r.Scanned,
		Sent:        r.Sent,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		Denied:      r.Denied,
		Errors:      r.Errors,
		Error:       r.Error,
		StartedAt:   formatTimestamp(r.StartedAt),
		CompletedAt: formatTimestampPtr(r.CompletedAt),
	}
}

func toDeliveryDTO(rec ledger.Record) DeliveryDTO {
	return DeliveryDTO{
		ID:                rec.ID,
		PatientID:         string(rec.PatientID),
		Channel:           string(rec.Channel),
		Recipient:         rec.Recipient,
		SubjectOrTemplate: rec.SubjectOrTemplate,
		Kind:              string(rec.Kind),
		Status:            string(rec.Status),
		CreatedAt:         formatTimestamp(rec.CreatedAt),
		SentAt:            formatTimestampPtr(rec.SentAt),
		ClosedAt:          formatTimestampPtr(rec.ClosedAt),
		ErrorMessage:      rec.ErrorMessage,
		ProviderMessageID: rec.ProviderMessageID,
		CostUnit:          rec.CostUnit,
		IdempotencyKey:    rec.IdempotencyKey,
		Metadata:          rec.Metadata,
	}
}

func toQuotaUsageDTO(u quota.ChannelUsage) QuotaUsageDTO {
	return QuotaUsageDTO{
		Channel: string(u.Channel),
		Period:  u.Period,
		Used:    u.Used,
		Limit:   u.Limit,
		Allowed: u.Allowed,
		Reason:  u.Reason,
	}
}
