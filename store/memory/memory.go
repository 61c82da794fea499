// Package memory provides an in-memory implementation of every store
// interface in the engine, for component tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/clinicflow/billing-engine/reminder"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu sync.RWMutex

	plans        map[billing.PlanID]billing.InstallmentPlan
	planOrder    []billing.PlanID
	installments map[billing.PlanID][]billing.Installment
	payments     map[billing.PlanID][]billing.Payment

	patients     map[patientKey]billing.Patient
	appointments []billing.Appointment

	subscriptions map[billing.TenantID]quota.Subscription
	counters      map[counterKey]int

	deliveries    map[string]ledger.Record
	deliveryOrder []string
	idempotency   map[deliveryKey]string
	runs          map[string]reminder.Run
	runOrder      []string
}

type patientKey struct {
	TenantID  billing.TenantID
	PatientID billing.PatientID
}

type counterKey struct {
	TenantID billing.TenantID
	Period   string
	Channel  billing.Channel
}

type deliveryKey struct {
	TenantID billing.TenantID
	Key      string
}

func New() *Store {
	return &Store{
		plans:         make(map[billing.PlanID]billing.InstallmentPlan),
		installments:  make(map[billing.PlanID][]billing.Installment),
		payments:      make(map[billing.PlanID][]billing.Payment),
		patients:      make(map[patientKey]billing.Patient),
		subscriptions: make(map[billing.TenantID]quota.Subscription),
		counters:      make(map[counterKey]int),
		deliveries:    make(map[string]ledger.Record),
		idempotency:   make(map[deliveryKey]string),
		runs:          make(map[string]reminder.Run),
	}
}

// =============================================================================
// PLANS
// =============================================================================

func (s *Store) CreatePlan(_ context.Context, plan billing.InstallmentPlan, installments []billing.Installment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[plan.ID]; ok {
		return &billing.ValidationError{Field: "id", Message: "plan already exists"}
	}
	s.plans[plan.ID] = plan
	s.planOrder = append(s.planOrder, plan.ID)
	s.installments[plan.ID] = append([]billing.Installment(nil), installments...)
	return nil
}

func (s *Store) GetPlan(_ context.Context, tenantID billing.TenantID, id billing.PlanID) (*billing.InstallmentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok || p.TenantID != tenantID {
		return nil, billing.ErrPlanNotFound
	}
	return &p, nil
}

func (s *Store) ListPlans(_ context.Context, tenantID billing.TenantID, f billing.PlanFilter) ([]billing.InstallmentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.InstallmentPlan
	for _, id := range s.planOrder {
		p := s.plans[id]
		if p.TenantID != tenantID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.PatientID != "" && p.PatientID != f.PatientID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) ListInstallments(_ context.Context, tenantID billing.TenantID, planID billing.PlanID) ([]billing.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID]; !ok || p.TenantID != tenantID {
		return nil, billing.ErrPlanNotFound
	}
	return append([]billing.Installment(nil), s.installments[planID]...), nil
}

// SavePayment applies the update only if the plan's AmountPaid still equals
// PreviousAmountPaid.
func (s *Store) SavePayment(_ context.Context, u billing.PaymentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.plans[u.Plan.ID]
	if !ok || current.TenantID != u.Plan.TenantID {
		return billing.ErrPlanNotFound
	}
	if current.Status != billing.PlanActive {
		return billing.ErrPlanNotActive
	}
	if !current.AmountPaid.Equal(u.PreviousAmountPaid) {
		return billing.ErrConcurrentModification
	}

	s.plans[u.Plan.ID] = u.Plan
	s.payments[u.Plan.ID] = append(s.payments[u.Plan.ID], u.Payment)

	paidAt := u.Payment.PaidAt
	insts := s.installments[u.Plan.ID]
	for _, idx := range u.PaidInstallments {
		for i := range insts {
			if insts[i].Index == idx && insts[i].Status != billing.InstallmentPaid {
				insts[i].Status = billing.InstallmentPaid
				insts[i].PaidAt = &paidAt
			}
		}
	}
	return nil
}

func (s *Store) ListPayments(_ context.Context, tenantID billing.TenantID, planID billing.PlanID) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID]; !ok || p.TenantID != tenantID {
		return nil, billing.ErrPlanNotFound
	}
	return append([]billing.Payment(nil), s.payments[planID]...), nil
}

func (s *Store) UpdatePlanStatus(_ context.Context, tenantID billing.TenantID, id billing.PlanID, from, to billing.PlanStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[id]
	if !ok || p.TenantID != tenantID {
		return billing.ErrPlanNotFound
	}
	if p.Status != from {
		return billing.ErrPlanNotActive
	}
	p.Status = to
	p.UpdatedAt = at
	s.plans[id] = p
	return nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *Store) SavePatient(_ context.Context, p billing.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patientKey{p.TenantID, p.ID}] = p
	return nil
}

func (s *Store) GetPatient(_ context.Context, tenantID billing.TenantID, id billing.PatientID) (*billing.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patients[patientKey{tenantID, id}]
	if !ok {
		return nil, billing.ErrPatientNotFound
	}
	return &p, nil
}

func (s *Store) SaveAppointment(_ context.Context, a billing.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.appointments {
		if s.appointments[i].ID == a.ID && s.appointments[i].TenantID == a.TenantID {
			s.appointments[i] = a
			return nil
		}
	}
	s.appointments = append(s.appointments, a)
	return nil
}

// ListAppointments returns appointments with from <= ScheduledAt < to,
// ordered by time.
func (s *Store) ListAppointments(_ context.Context, tenantID billing.TenantID, from, to time.Time) ([]billing.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Appointment
	for _, a := range s.appointments {
		if a.TenantID != tenantID {
			continue
		}
		if a.ScheduledAt.Before(from) || !a.ScheduledAt.Before(to) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

// =============================================================================
// QUOTA
// =============================================================================

func (s *Store) SaveSubscription(_ context.Context, sub quota.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.TenantID] = sub
	return nil
}

func (s *Store) GetSubscription(_ context.Context, tenantID billing.TenantID) (*quota.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[tenantID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *Store) IncrementUsage(_ context.Context, tenantID billing.TenantID, period string, ch billing.Channel, limit *int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := counterKey{tenantID, period, ch}
	used := s.counters[k]
	if limit != nil && used >= *limit {
		return false, used, nil
	}
	s.counters[k] = used + 1
	return true, used + 1, nil
}

func (s *Store) DecrementUsage(_ context.Context, tenantID billing.TenantID, period string, ch billing.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := counterKey{tenantID, period, ch}
	if s.counters[k] > 0 {
		s.counters[k]--
	}
	return nil
}

func (s *Store) GetUsage(_ context.Context, tenantID billing.TenantID, period string, ch billing.Channel) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[counterKey{tenantID, period, ch}], nil
}

// SetUsage overwrites a counter. Used to seed tests.
func (s *Store) SetUsage(tenantID billing.TenantID, period string, ch billing.Channel, used int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey{tenantID, period, ch}] = used
}

// ListActiveTenants returns tenants with an active subscription, sorted.
func (s *Store) ListActiveTenants(_ context.Context) ([]billing.TenantID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.TenantID
	for id, sub := range s.subscriptions {
		if sub.Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) InsertDelivery(_ context.Context, rec ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.IdempotencyKey != "" {
		if _, ok := s.idempotency[deliveryKey{rec.TenantID, rec.IdempotencyKey}]; ok {
			return billing.ErrDuplicateDelivery
		}
		s.idempotency[deliveryKey{rec.TenantID, rec.IdempotencyKey}] = rec.ID
	}
	s.deliveries[rec.ID] = copyRecord(rec)
	s.deliveryOrder = append(s.deliveryOrder, rec.ID)
	return nil
}

func (s *Store) FinalizeDelivery(_ context.Context, tenantID billing.TenantID, id string, o ledger.Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deliveries[id]
	if !ok || rec.TenantID != tenantID {
		return billing.ErrDeliveryNotFound
	}
	if rec.Status != ledger.StatusPending {
		return billing.ErrDeliveryAlreadyClosed
	}
	rec.Status = o.Status
	rec.ClosedAt = &at
	rec.ProviderMessageID = o.ProviderMessageID
	rec.ErrorMessage = o.ErrorMessage
	if o.Status == ledger.StatusSent {
		rec.SentAt = &at
	}
	s.deliveries[id] = rec
	return nil
}

func (s *Store) GetDelivery(_ context.Context, tenantID billing.TenantID, id string) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.deliveries[id]
	if !ok || rec.TenantID != tenantID {
		return nil, billing.ErrDeliveryNotFound
	}
	out := copyRecord(rec)
	return &out, nil
}

func (s *Store) DeliveryExists(_ context.Context, tenantID billing.TenantID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idempotency[deliveryKey{tenantID, key}]
	return ok, nil
}

// ListDeliveries returns newest first.
func (s *Store) ListDeliveries(_ context.Context, tenantID billing.TenantID, f ledger.Filter) ([]ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Record
	for i := len(s.deliveryOrder) - 1; i >= 0; i-- {
		rec := s.deliveries[s.deliveryOrder[i]]
		if rec.TenantID != tenantID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.Channel != "" && rec.Channel != f.Channel {
			continue
		}
		if f.PatientID != "" && rec.PatientID != f.PatientID {
			continue
		}
		out = append(out, copyRecord(rec))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListStalePending(_ context.Context, before time.Time, limit int) ([]ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Record
	for _, id := range s.deliveryOrder {
		rec := s.deliveries[id]
		if rec.Status == ledger.StatusPending && rec.CreatedAt.Before(before) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRecord(rec ledger.Record) ledger.Record {
	if rec.Metadata != nil {
		md := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}
	return rec
}

// =============================================================================
// RUNS
// =============================================================================

func (s *Store) SaveRun(_ context.Context, run reminder.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		s.runOrder = append(s.runOrder, run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// ListRuns returns newest first.
func (s *Store) ListRuns(_ context.Context, tenantID billing.TenantID, limit int) ([]reminder.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []reminder.Run
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if run.TenantID != tenantID {
			continue
		}
		out = append(out, run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
