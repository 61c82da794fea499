/*
Package ledger is the durable record of every notification attempt.

PURPOSE:
  Sending a reminder spans two systems that share no transaction: our
  database and the provider's API. The ledger makes the attempt durable
  using an outbox pattern:

    1. Open   - insert a `pending` record BEFORE calling the provider.
                If this write fails, the provider is never called.
    2. send   - the caller dispatches through notify.Dispatcher.
    3. Close  - move the record to `sent` or `failed`, exactly once.

  Every attempted send therefore has a record, including failures, which
  is how the clinic answers "did we actually try to notify this patient?"
  independently of provider flakiness.

CRITICAL INVARIANTS:
  1. A record is created `pending` and transitions exactly ONCE to a
     terminal state (`sent` or `failed`). Terminal records never change.
  2. `failed` always carries a non-empty ErrorMessage.
  3. An idempotency key is unique per tenant: the same reminder is never
     opened twice, even by overlapping runs in different processes.

STRANDED RECORDS:
  If the process dies (or the store is unreachable) between Open and
  Close, the record stays `pending`. SweepStale resolves every pending
  record older than a threshold to `failed` so nothing stays pending
  indefinitely. The provider outcome of such an attempt is unknown; the
  record says so.

SEE ALSO:
  - reminder/pipeline.go: the Open -> dispatch -> Close sequence
  - reminder/scheduler.go: runs SweepStale periodically
*/
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// TYPES
// =============================================================================

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Kind names what a message is about.
type Kind string

const (
	KindInstallmentDue      Kind = "installment_due"
	KindInstallmentOverdue  Kind = "installment_overdue"
	KindAppointmentReminder Kind = "appointment_reminder"
	KindManual              Kind = "manual"
)

// StaleMessage is the error recorded on records resolved by the sweep.
const StaleMessage = "stale pending delivery: outcome unknown"

// Record is one notification attempt.
type Record struct {
	ID                string
	TenantID          billing.TenantID
	PatientID         billing.PatientID
	Channel           billing.Channel
	Recipient         string
	SubjectOrTemplate string
	Kind              Kind
	Status            Status
	CreatedAt         time.Time
	SentAt            *time.Time
	ClosedAt          *time.Time
	ErrorMessage      string
	ProviderMessageID string
	CostUnit          int
	IdempotencyKey    string
	Metadata          map[string]string
}

// Draft is what the caller knows before the attempt.
type Draft struct {
	PatientID         billing.PatientID
	Channel           billing.Channel
	Recipient         string
	SubjectOrTemplate string
	Kind              Kind
	CostUnit          int // defaults to 1
	IdempotencyKey    string
	Metadata          map[string]string
}

// Outcome is the terminal state passed to Close.
type Outcome struct {
	Status            Status
	ProviderMessageID string
	ErrorMessage      string
}

func Sent(providerMessageID string) Outcome {
	return Outcome{Status: StatusSent, ProviderMessageID: providerMessageID}
}

func Failed(message string) Outcome {
	return Outcome{Status: StatusFailed, ErrorMessage: message}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status    Status
	Channel   billing.Channel
	PatientID billing.PatientID
	Limit     int
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// InsertDelivery returns billing.ErrDuplicateDelivery when the tenant
	// already has a record with the same non-empty idempotency key.
	InsertDelivery(ctx context.Context, rec Record) error

	// FinalizeDelivery performs the pending -> terminal transition only if the
	// record is still pending. Returns ErrDeliveryNotFound or
	// ErrDeliveryAlreadyClosed otherwise.
	FinalizeDelivery(ctx context.Context, tenantID billing.TenantID, id string, outcome Outcome, at time.Time) error

	GetDelivery(ctx context.Context, tenantID billing.TenantID, id string) (*Record, error)
	DeliveryExists(ctx context.Context, tenantID billing.TenantID, idempotencyKey string) (bool, error)
	ListDeliveries(ctx context.Context, tenantID billing.TenantID, filter Filter) ([]Record, error)

	// ListStalePending returns pending records of ANY tenant created before
	// `before`, oldest first.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Record, error)
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
	Log   logrus.FieldLogger

	Now   func() time.Time
	NewID func() string
}

func New(store Store, log logrus.FieldLogger) *Ledger {
	return &Ledger{
		Store: store,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

// Open persists a pending record. The caller must not dispatch unless Open
// succeeded.
func (l *Ledger) Open(ctx context.Context, tc billing.TenantContext, d Draft) (Record, error) {
	if !d.Channel.Valid() {
		return Record{}, &billing.ValidationError{Field: "channel", Message: "unsupported channel " + string(d.Channel)}
	}
	if strings.TrimSpace(d.Recipient) == "" {
		return Record{}, &billing.ValidationError{Field: "recipient", Message: "is required"}
	}
	cost := d.CostUnit
	if cost <= 0 {
		cost = 1
	}

	rec := Record{
		ID:                l.NewID(),
		TenantID:          tc.TenantID,
		PatientID:         d.PatientID,
		Channel:           d.Channel,
		Recipient:         d.Recipient,
		SubjectOrTemplate: d.SubjectOrTemplate,
		Kind:              d.Kind,
		Status:            StatusPending,
		CreatedAt:         l.Now(),
		CostUnit:          cost,
		IdempotencyKey:    d.IdempotencyKey,
		Metadata:          d.Metadata,
	}
	if err := l.Store.InsertDelivery(ctx, rec); err != nil {
		return Record{}, billing.Persistence("open delivery record", err)
	}

	l.Log.WithFields(logrus.Fields{
		"tenant_id":   tc.TenantID,
		"delivery_id": rec.ID,
		"channel":     rec.Channel,
		"kind":        rec.Kind,
	}).Debug("delivery record opened")
	return rec, nil
}

// Close moves a pending record to its terminal state.
func (l *Ledger) Close(ctx context.Context, tc billing.TenantContext, id string, outcome Outcome) error {
	switch outcome.Status {
	case StatusSent:
	case StatusFailed:
		if strings.TrimSpace(outcome.ErrorMessage) == "" {
			outcome.ErrorMessage = "delivery failed"
		}
	default:
		return &billing.ValidationError{Field: "status", Message: "close requires sent or failed, got " + string(outcome.Status)}
	}

	if err := l.Store.FinalizeDelivery(ctx, tc.TenantID, id, outcome, l.Now()); err != nil {
		return billing.Persistence("close delivery record", err)
	}

	entry := l.Log.WithFields(logrus.Fields{
		"tenant_id":   tc.TenantID,
		"delivery_id": id,
		"status":      outcome.Status,
	})
	if outcome.Status == StatusFailed {
		entry.WithField("error", outcome.ErrorMessage).Warn("delivery failed")
	} else {
		entry.WithField("provider_message_id", outcome.ProviderMessageID).Info("delivery sent")
	}
	return nil
}

// Exists reports whether an idempotency key was already used by the tenant.
func (l *Ledger) Exists(ctx context.Context, tc billing.TenantContext, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	ok, err := l.Store.DeliveryExists(ctx, tc.TenantID, key)
	return ok, billing.Persistence("check delivery key", err)
}

func (l *Ledger) Get(ctx context.Context, tc billing.TenantContext, id string) (*Record, error) {
	rec, err := l.Store.GetDelivery(ctx, tc.TenantID, id)
	return rec, billing.Persistence("get delivery record", err)
}

func (l *Ledger) List(ctx context.Context, tc billing.TenantContext, f Filter) ([]Record, error) {
	recs, err := l.Store.ListDeliveries(ctx, tc.TenantID, f)
	return recs, billing.Persistence("list delivery records", err)
}

// =============================================================================
// RECONCILIATION SWEEP
// =============================================================================

const sweepBatchSize = 100

// SweepStale fails every pending record older than olderThan. Returns the
// number of records it resolved.
func (l *Ledger) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := l.Now().Add(-olderThan)
	resolved := 0

	for {
		stale, err := l.Store.ListStalePending(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return resolved, billing.Persistence("list stale deliveries", err)
		}
		if len(stale) == 0 {
			break
		}

		progressed := false
		for _, rec := range stale {
			err := l.Store.FinalizeDelivery(ctx, rec.TenantID, rec.ID, Failed(StaleMessage), l.Now())
			switch {
			case err == nil:
				resolved++
				progressed = true
				l.Log.WithFields(logrus.Fields{
					"tenant_id":   rec.TenantID,
					"delivery_id": rec.ID,
					"created_at":  rec.CreatedAt,
				}).Warn("stale pending delivery resolved as failed")
			case errors.Is(err, billing.ErrDeliveryAlreadyClosed):
				// closed concurrently by the attempt itself
				progressed = true
			default:
				return resolved, billing.Persistence("resolve stale delivery", err)
			}
		}
		if !progressed || len(stale) < sweepBatchSize {
			break
		}
	}

	if resolved > 0 {
		l.Log.WithField("resolved", resolved).Info("ledger sweep completed")
	}
	return resolved, nil
}
