package api

import (
	"net/http"
	"strconv"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/go-chi/chi/v5"
)

// =============================================================================
// REMINDER RUNS
// =============================================================================

const (
	TriggerManual   = "manual"
	defaultPageSize = 50
	maxPageSize     = 500
)

// RunReminders executes a reminder run for the caller's tenant and returns
// the summary. 409 if a run is already in progress.
func (h *Handler) RunReminders(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	summary, err := h.Orchestrator.Run(r.Context(), tc, TriggerManual)
	if err != nil {
		h.fail(w, r, "Reminder run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(summary))
}

// ListRuns returns the tenant's recent runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}
	if h.Runs == nil {
		writeError(w, http.StatusNotFound, "Run history is not recorded", nil)
		return
	}

	limit, err := pageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	runs, err := h.Runs.ListRuns(r.Context(), tc.TenantID, limit)
	if err != nil {
		h.fail(w, r, "Failed to list runs", billing.Persistence("list runs", err))
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DELIVERIES
// =============================================================================

// ListDeliveries returns ledger records (?status=, ?channel=, ?patient_id=, ?limit=).
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	limit, err := pageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	q := r.URL.Query()
	filter := ledger.Filter{
		Status:    ledger.Status(q.Get("status")),
		Channel:   billing.Channel(q.Get("channel")),
		PatientID: billing.PatientID(q.Get("patient_id")),
		Limit:     limit,
	}
	if filter.Channel != "" && !filter.Channel.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid channel", nil)
		return
	}

	recs, err := h.Ledger.List(r.Context(), tc, filter)
	if err != nil {
		h.fail(w, r, "Failed to list deliveries", err)
		return
	}
	dtos := make([]DeliveryDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toDeliveryDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDelivery returns one ledger record.
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	rec, err := h.Ledger.Get(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTO(*rec))
}

// =============================================================================
// QUOTA
// =============================================================================

// GetQuota returns the current month's counters for every channel.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}

	usage, err := h.Quota.Usage(r.Context(), tc)
	if err != nil {
		h.fail(w, r, "Failed to read quota", err)
		return
	}
	dtos := make([]QuotaUsageDTO, len(usage))
	for i, u := range usage {
		dtos[i] = toQuotaUsageDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func pageSize(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &billing.ValidationError{Field: "limit", Message: "must be a positive integer"}
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, nil
}
