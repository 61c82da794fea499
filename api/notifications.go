package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/notify"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/clinicflow/billing-engine/reminder"
)

// =============================================================================
// MANUAL NOTIFICATIONS
// =============================================================================
//
// Both endpoints go through the same DeliveryPipeline as scheduled
// reminders: quota check, pending ledger record, provider call, close.
// An optional Idempotency-Key header makes a retried request a no-op.

// IdempotencyHeader lets clients retry a send safely.
const IdempotencyHeader = "Idempotency-Key"

// SendEmail sends a free-form email to a patient.
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	var req SendEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !sameTenant(w, tc, req.DentistaID) || !h.channelReady(w, billing.ChannelEmail) {
		return
	}

	d, err := h.Pipeline.Deliver(r.Context(), tc, reminder.Request{
		Channel:        billing.ChannelEmail,
		Recipient:      strings.TrimSpace(req.Destinatario),
		PatientID:      billing.PatientID(req.PacienteID),
		Kind:           kindFromTipo(req.Tipo),
		Content:        notify.Content{Subject: req.Asunto, HTML: req.HTML},
		IdempotencyKey: manualKey(r),
		Metadata:       flattenMetadata(req.Metadata, req.Tipo),
	})
	if !h.delivered(w, r, d, err) {
		return
	}
	writeJSON(w, http.StatusOK, SendEmailResponse{
		Success:    true,
		MessageID:  d.ProviderMessageID,
		RegistroID: d.RecordID,
	})
}

// SendWhatsApp sends a template or free-text WhatsApp message.
func (h *Handler) SendWhatsApp(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	var req SendWhatsAppRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !sameTenant(w, tc, req.DentistaID) || !h.channelReady(w, billing.ChannelWhatsApp) {
		return
	}

	d, err := h.Pipeline.Deliver(r.Context(), tc, reminder.Request{
		Channel:   billing.ChannelWhatsApp,
		Recipient: strings.TrimSpace(req.To),
		PatientID: billing.PatientID(req.PacienteID),
		Kind:      kindFromTipo(req.Tipo),
		Content: notify.Content{
			TemplateID: req.ContentSID,
			Variables:  req.ContentVariables,
			Text:       req.Mensaje,
		},
		IdempotencyKey: manualKey(r),
		Metadata:       flattenMetadata(nil, req.Tipo),
	})
	if !h.delivered(w, r, d, err) {
		return
	}
	writeJSON(w, http.StatusOK, SendWhatsAppResponse{
		Success: true,
		SID:     d.ProviderMessageID,
		Usado:   d.Quota.Used,
		Limite:  d.Quota.Limit,
	})
}

// delivered writes the failure response for anything but a sent message.
func (h *Handler) delivered(w http.ResponseWriter, r *http.Request, d reminder.Delivery, err error) bool {
	if err == nil && d.Outcome == reminder.OutcomeSent {
		return true
	}

	resp := NotificationErrorResponse{Success: false}
	status := http.StatusInternalServerError

	switch {
	case d.Outcome == reminder.OutcomeSkippedDuplicate:
		status = http.StatusConflict
		resp.Error = "Message already sent for this idempotency key"
	case d.Outcome == reminder.OutcomeDeniedQuota:
		status = http.StatusPaymentRequired
		resp.Error = "Monthly message limit reached"
		resp.Usado, resp.Limite = quotaCounters(d.Quota)
	case d.Outcome == reminder.OutcomeFailedDispatch:
		status = http.StatusBadGateway
		resp.Error = "Provider rejected the message"
		var de *notify.DispatchError
		if errors.As(err, &de) && de.ProviderMessage != "" {
			resp.Error = de.ProviderMessage
		}
	case err != nil:
		status = statusFor(err)
		resp.Error = "Failed to send message"
	}
	if err != nil {
		resp.Details = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.Log.WithError(err).WithField("path", r.URL.Path).Error("manual send failed")
	}
	writeJSON(w, status, resp)
	return false
}

// channelReady writes 503 when no provider is configured for ch.
func (h *Handler) channelReady(w http.ResponseWriter, ch billing.Channel) bool {
	s, ok := h.Pipeline.Sender.(interface{ Supports(billing.Channel) bool })
	if !ok || s.Supports(ch) {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, NotificationErrorResponse{
		Success: false,
		Error:   fmt.Sprintf("%s channel is not configured", ch),
	})
	return false
}

// sameTenant rejects a body whose dentistaId names another clinic.
func sameTenant(w http.ResponseWriter, tc billing.TenantContext, dentistaID string) bool {
	if dentistaID == "" || billing.TenantID(dentistaID) == tc.TenantID {
		return true
	}
	writeJSON(w, http.StatusForbidden, NotificationErrorResponse{
		Success: false,
		Error:   "dentistaId does not match the authenticated clinic",
	})
	return false
}

func kindFromTipo(tipo string) ledger.Kind {
	switch k := ledger.Kind(strings.TrimSpace(tipo)); k {
	case ledger.KindInstallmentDue, ledger.KindInstallmentOverdue, ledger.KindAppointmentReminder:
		return k
	}
	return ledger.KindManual
}

func manualKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" {
		return ""
	}
	return "manual:" + key
}

// flattenMetadata stores client metadata as strings; tipo is kept verbatim.
func flattenMetadata(in map[string]any, tipo string) map[string]string {
	if len(in) == 0 && tipo == "" {
		return nil
	}
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	if tipo != "" {
		out["tipo"] = tipo
	}
	return out
}

func quotaCounters(d quota.Decision) (*int, *int) {
	used := d.Used
	return &used, d.Limit
}
