package quota

import "github.com/clinicflow/billing-engine/billing"

// Tier is the tenant's subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// TierLimits holds monthly limits per channel. A nil limit means unlimited.
type TierLimits struct {
	Email    *int
	WhatsApp *int

	// WhatsAppDisabled denies the channel outright regardless of counters.
	WhatsAppDisabled bool
}

// Limit returns the limit for a channel.
func (l TierLimits) Limit(c billing.Channel) *int {
	if c == billing.ChannelWhatsApp {
		return l.WhatsApp
	}
	return l.Email
}

// DefaultTiers maps tiers to their monthly limits. Free tier never gets
// WhatsApp; enterprise is unlimited on both channels.
var DefaultTiers = map[Tier]TierLimits{
	TierFree:       {Email: intPtr(100), WhatsAppDisabled: true},
	TierBasic:      {Email: intPtr(1000), WhatsApp: intPtr(200)},
	TierPro:        {Email: nil, WhatsApp: intPtr(1000)},
	TierEnterprise: {},
}

// LimitsFor returns the limits of a tier, defaulting to free for unknown tiers.
func LimitsFor(tiers map[Tier]TierLimits, tier Tier) TierLimits {
	if l, ok := tiers[tier]; ok {
		return l
	}
	return tiers[TierFree]
}

// Subscription is the tenant's plan-tier row. Explicit limits override the
// tier defaults; nil keeps the default.
type Subscription struct {
	TenantID      billing.TenantID
	Tier          Tier
	Active        bool
	EmailLimit    *int
	WhatsAppLimit *int
}

func (s Subscription) override(c billing.Channel) *int {
	if c == billing.ChannelWhatsApp {
		return s.WhatsAppLimit
	}
	return s.EmailLimit
}

func intPtr(v int) *int { return &v }
