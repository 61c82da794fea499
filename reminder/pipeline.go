/*
pipeline.go - One message through quota, ledger and provider

PURPOSE:
  DeliveryPipeline is the single path every outbound message takes, both
  scheduled reminders and the manual send endpoints:

    1. idempotency key already in the ledger    -> skipped-duplicate
    2. Guard.CheckAndReserve denied             -> denied-quota (no record)
    3. Ledger.Open                              -> pending record
    4. Dispatcher.Dispatch                      -> provider call
    5. Ledger.Close(sent) + Guard.Commit        -> sent
       Ledger.Close(failed, message)            -> failed-dispatch

  A persistence failure before step 4 aborts the attempt (outcome error)
  and hands back the reserved quota unit. The provider is never called
  without a pending record.

TIMEOUTS:
  Each store call gets StoreTimeout; the dispatcher bounds the provider
  call. Close runs on a context detached from the caller's cancellation so
  a timed-out dispatch still gets its terminal record. If Close itself
  fails, the record stays pending until the ledger sweep resolves it.

SEE ALSO:
  - orchestrator.go: feeds scheduled reminders through Deliver
  - api/notifications.go: feeds manual sends through Deliver
*/
package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/notify"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/sirupsen/logrus"
)

const DefaultStoreTimeout = 5 * time.Second

// Outcome is the terminal state of one candidate.
type Outcome string

const (
	OutcomeSkippedOnTrack   Outcome = "skipped-on-track"
	OutcomeSkippedNoContact Outcome = "skipped-no-contact"
	OutcomeSkippedDuplicate Outcome = "skipped-duplicate"
	OutcomeDeniedQuota      Outcome = "denied-quota"
	OutcomeSent             Outcome = "sent"
	OutcomeFailedDispatch   Outcome = "failed-dispatch"
	OutcomeError            Outcome = "error"
)

// Sender is the provider side of the pipeline.
type Sender interface {
	Dispatch(ctx context.Context, ch billing.Channel, recipient string, c notify.Content) (notify.Result, error)
}

// Request is one message to deliver.
type Request struct {
	Channel        billing.Channel
	Recipient      string
	PatientID      billing.PatientID
	Kind           ledger.Kind
	Content        notify.Content
	IdempotencyKey string
	Metadata       map[string]string
}

// Delivery reports what happened to a Request.
type Delivery struct {
	Outcome           Outcome
	RecordID          string
	ProviderMessageID string
	Quota             quota.Decision
}

type DeliveryPipeline struct {
	Quota        *quota.Guard
	Ledger       *ledger.Ledger
	Sender       Sender
	Log          logrus.FieldLogger
	StoreTimeout time.Duration
}

func NewDeliveryPipeline(guard *quota.Guard, l *ledger.Ledger, sender Sender, log logrus.FieldLogger) *DeliveryPipeline {
	return &DeliveryPipeline{
		Quota:        guard,
		Ledger:       l,
		Sender:       sender,
		Log:          log,
		StoreTimeout: DefaultStoreTimeout,
	}
}

// Deliver runs one request through the pipeline. Delivery.Outcome is always
// set. The error is non-nil for every outcome other than sent and
// skipped-duplicate: a *billing.QuotaExceededError for denied-quota, a
// *notify.DispatchError for failed-dispatch, a persistence error otherwise.
func (p *DeliveryPipeline) Deliver(ctx context.Context, tc billing.TenantContext, req Request) (Delivery, error) {
	log := p.Log.WithFields(logrus.Fields{
		"tenant_id":  tc.TenantID,
		"patient_id": req.PatientID,
		"channel":    req.Channel,
		"kind":       req.Kind,
	})

	if req.IdempotencyKey != "" {
		sctx, cancel := p.storeCtx(ctx)
		exists, err := p.Ledger.Exists(sctx, tc, req.IdempotencyKey)
		cancel()
		if err != nil {
			return Delivery{Outcome: OutcomeError}, err
		}
		if exists {
			log.WithField("idempotency_key", req.IdempotencyKey).Debug("reminder already delivered today")
			return Delivery{Outcome: OutcomeSkippedDuplicate}, nil
		}
	}

	sctx, cancel := p.storeCtx(ctx)
	decision, err := p.Quota.CheckAndReserve(sctx, tc, req.Channel)
	cancel()
	if err != nil {
		return Delivery{Outcome: OutcomeError}, err
	}
	if !decision.Allowed {
		return Delivery{Outcome: OutcomeDeniedQuota, Quota: decision}, decision.Err(tc.TenantID, req.Channel)
	}

	sctx, cancel = p.storeCtx(ctx)
	rec, err := p.Ledger.Open(sctx, tc, ledger.Draft{
		PatientID:         req.PatientID,
		Channel:           req.Channel,
		Recipient:         req.Recipient,
		SubjectOrTemplate: subjectOrTemplate(req.Content),
		Kind:              req.Kind,
		IdempotencyKey:    req.IdempotencyKey,
		Metadata:          req.Metadata,
	})
	cancel()
	if err != nil {
		p.release(ctx, tc, req.Channel, decision, log)
		if errors.Is(err, billing.ErrDuplicateDelivery) {
			// another run opened the same reminder between our check and insert
			return Delivery{Outcome: OutcomeSkippedDuplicate, Quota: decision}, nil
		}
		log.WithError(err).Error("failed to open delivery record, attempt aborted")
		return Delivery{Outcome: OutcomeError, Quota: decision}, err
	}

	out := Delivery{RecordID: rec.ID, Quota: decision}
	log = log.WithField("delivery_id", rec.ID)

	res, sendErr := p.Sender.Dispatch(ctx, req.Channel, req.Recipient, req.Content)

	closeCtx, cancel := p.storeCtx(context.WithoutCancel(ctx))
	defer cancel()

	if sendErr != nil {
		out.Outcome = OutcomeFailedDispatch
		if err := p.Ledger.Close(closeCtx, tc, rec.ID, ledger.Failed(sendErr.Error())); err != nil {
			log.WithError(err).Error("failed to close delivery record as failed; left for sweep")
		}
		return out, sendErr
	}

	out.Outcome = OutcomeSent
	out.ProviderMessageID = res.ProviderMessageID
	if err := p.Ledger.Close(closeCtx, tc, rec.ID, ledger.Sent(res.ProviderMessageID)); err != nil {
		log.WithError(err).Error("failed to close delivery record as sent; left for sweep")
	}
	if err := p.Quota.Commit(closeCtx, tc, req.Channel); err != nil {
		log.WithError(err).Error("failed to commit quota usage")
	}
	if !decision.Reserved {
		// commit mode read the counter before this send
		out.Quota.Used++
	}
	return out, nil
}

func (p *DeliveryPipeline) release(ctx context.Context, tc billing.TenantContext, ch billing.Channel, d quota.Decision, log logrus.FieldLogger) {
	rctx, cancel := p.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := p.Quota.Release(rctx, tc, ch, d); err != nil {
		log.WithError(err).Warn("failed to release reserved quota")
	}
}

func (p *DeliveryPipeline) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
