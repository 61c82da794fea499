/*
Package quota enforces per-tenant monthly message limits per channel.

PURPOSE:
  Every outbound reminder or manual message consumes one unit of the
  tenant's monthly allowance for its channel. The Guard decides whether a
  message may be sent and keeps the counter.

ATOMIC RESERVATION (default mode):
  A read-decide-increment sequence lets two overlapping runs both pass the
  check at used = limit-1 and end at limit+1. Instead, CheckAndReserve
  issues ONE conditional increment against the store:

    UPDATE quota_counters SET used = used + 1
    WHERE tenant_id = ? AND period = ? AND channel = ? AND used < ?

  and treats "no row updated" as a denial. The unit is consumed at check
  time, so a failed provider call still counts against the quota (providers
  bill and rate-limit per attempt). Commit is a no-op in this mode. If no
  attempt happens after all (the ledger write failed, or another run
  already sent the same reminder), the caller hands the unit back with
  Release.

COMMIT-ON-SUCCESS MODE:
  Kept for deployments that bill only delivered messages: CheckAndReserve
  reads the counter, Commit increments it after a successful send. This
  mode has the check-then-act race described above.

DENIALS:
  - no active subscription row      -> denied, reason explains it
  - free tier + whatsapp            -> denied regardless of counters
  - used >= limit                   -> denied
  Denials are not errors; Decision.Err() converts one into a
  billing.QuotaExceededError for callers that need to surface it.
*/
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists subscriptions and monthly counters.
type Store interface {
	// GetSubscription returns nil, nil when the tenant has no subscription row.
	GetSubscription(ctx context.Context, tenantID billing.TenantID) (*Subscription, error)

	// IncrementUsage atomically adds one to the counter if the result stays
	// within limit (nil = no ceiling). Returns whether it incremented and the
	// counter value afterwards (or the unchanged value when it did not).
	IncrementUsage(ctx context.Context, tenantID billing.TenantID, period string, channel billing.Channel, limit *int) (bool, int, error)

	// DecrementUsage subtracts one, never going below zero.
	DecrementUsage(ctx context.Context, tenantID billing.TenantID, period string, channel billing.Channel) error

	GetUsage(ctx context.Context, tenantID billing.TenantID, period string, channel billing.Channel) (int, error)
}

// =============================================================================
// GUARD
// =============================================================================

type Mode string

const (
	ModeReserveOnCheck  Mode = "reserve"
	ModeCommitOnSuccess Mode = "commit"
)

// Decision is the outcome of CheckAndReserve.
type Decision struct {
	Allowed  bool
	Reason   string
	Used     int
	Limit    *int // nil = unlimited
	Period   string
	Reserved bool // a unit was taken and must be released if no attempt follows
}

// Err returns a QuotaExceededError for a denied decision, nil otherwise.
func (d Decision) Err(tenantID billing.TenantID, channel billing.Channel) error {
	if d.Allowed {
		return nil
	}
	return &billing.QuotaExceededError{
		TenantID: tenantID,
		Channel:  channel,
		Reason:   d.Reason,
		Used:     d.Used,
		Limit:    d.Limit,
	}
}

const (
	ReasonNoSubscription   = "no active subscription"
	ReasonChannelNotInTier = "channel not included in subscription tier"
	ReasonLimitReached     = "monthly limit reached"
)

type Guard struct {
	Store Store
	Mode  Mode
	Tiers map[Tier]TierLimits
	Log   logrus.FieldLogger
	Now   func() time.Time
}

func NewGuard(store Store, mode Mode, log logrus.FieldLogger) *Guard {
	if mode == "" {
		mode = ModeReserveOnCheck
	}
	return &Guard{
		Store: store,
		Mode:  mode,
		Tiers: DefaultTiers,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// CheckAndReserve decides whether the tenant may send one more message on
// the channel this month, reserving the unit in ModeReserveOnCheck.
func (g *Guard) CheckAndReserve(ctx context.Context, tc billing.TenantContext, channel billing.Channel) (Decision, error) {
	period := billing.MonthKey(g.Now())
	decision := Decision{Period: period}

	limit, reason, err := g.resolveLimit(ctx, tc.TenantID, channel)
	if err != nil {
		return decision, err
	}
	decision.Limit = limit
	if reason != "" {
		decision.Reason = reason
		g.logDenied(tc, channel, decision)
		return decision, nil
	}

	if g.Mode == ModeCommitOnSuccess {
		used, err := g.Store.GetUsage(ctx, tc.TenantID, period, channel)
		if err != nil {
			return decision, billing.Persistence("read quota counter", err)
		}
		decision.Used = used
		decision.Allowed = limit == nil || used < *limit
		if !decision.Allowed {
			decision.Reason = ReasonLimitReached
			g.logDenied(tc, channel, decision)
		}
		return decision, nil
	}

	ok, used, err := g.Store.IncrementUsage(ctx, tc.TenantID, period, channel, limit)
	if err != nil {
		return decision, billing.Persistence("reserve quota", err)
	}
	decision.Used = used
	decision.Allowed = ok
	decision.Reserved = ok
	if !ok {
		decision.Reason = ReasonLimitReached
		g.logDenied(tc, channel, decision)
	}
	return decision, nil
}

// Commit records a dispatch that was actually made. It only increments in
// ModeCommitOnSuccess; with atomic reservation the unit is already counted.
func (g *Guard) Commit(ctx context.Context, tc billing.TenantContext, channel billing.Channel) error {
	if g.Mode != ModeCommitOnSuccess {
		return nil
	}
	period := billing.MonthKey(g.Now())
	if _, _, err := g.Store.IncrementUsage(ctx, tc.TenantID, period, channel, nil); err != nil {
		return billing.Persistence("commit quota", err)
	}
	return nil
}

// Release hands back a reserved unit when no attempt was made.
func (g *Guard) Release(ctx context.Context, tc billing.TenantContext, channel billing.Channel, d Decision) error {
	if !d.Reserved {
		return nil
	}
	if err := g.Store.DecrementUsage(ctx, tc.TenantID, d.Period, channel); err != nil {
		return billing.Persistence("release quota", err)
	}
	return nil
}

// ChannelUsage is the current month's counter for one channel.
type ChannelUsage struct {
	Channel billing.Channel
	Period  string
	Used    int
	Limit   *int
	Allowed bool
	Reason  string
}

// Usage reports every channel's counter for the current month.
func (g *Guard) Usage(ctx context.Context, tc billing.TenantContext) ([]ChannelUsage, error) {
	period := billing.MonthKey(g.Now())
	var out []ChannelUsage
	for _, ch := range billing.Channels() {
		limit, reason, err := g.resolveLimit(ctx, tc.TenantID, ch)
		if err != nil {
			return nil, err
		}
		used, err := g.Store.GetUsage(ctx, tc.TenantID, period, ch)
		if err != nil {
			return nil, billing.Persistence("read quota counter", err)
		}
		u := ChannelUsage{Channel: ch, Period: period, Used: used, Limit: limit, Reason: reason}
		u.Allowed = reason == "" && (limit == nil || used < *limit)
		if reason == "" && !u.Allowed {
			u.Reason = ReasonLimitReached
		}
		out = append(out, u)
	}
	return out, nil
}

// resolveLimit returns the effective limit, or a denial reason.
func (g *Guard) resolveLimit(ctx context.Context, tenantID billing.TenantID, channel billing.Channel) (*int, string, error) {
	if !channel.Valid() {
		return nil, "", &billing.ValidationError{Field: "channel", Message: fmt.Sprintf("unsupported channel %q", channel)}
	}
	sub, err := g.Store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, "", billing.Persistence("read subscription", err)
	}
	if sub == nil || !sub.Active {
		return nil, ReasonNoSubscription, nil
	}

	tier := LimitsFor(g.Tiers, sub.Tier)
	if channel == billing.ChannelWhatsApp && tier.WhatsAppDisabled {
		return nil, ReasonChannelNotInTier, nil
	}
	if override := sub.override(channel); override != nil {
		return override, "", nil
	}
	return tier.Limit(channel), "", nil
}

func (g *Guard) logDenied(tc billing.TenantContext, channel billing.Channel, d Decision) {
	fields := logrus.Fields{
		"tenant_id": tc.TenantID,
		"channel":   channel,
		"reason":    d.Reason,
		"used":      d.Used,
		"period":    d.Period,
	}
	if d.Limit != nil {
		fields["limit"] = *d.Limit
	}
	g.Log.WithFields(fields).Warn("quota denied")
}
