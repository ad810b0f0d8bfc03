// Package admission decides whether a user may start another session.
package admission

import (
	"fmt"

	"github.com/amonks/workcell/internal/state"
)

// Unlimited marks a limit that never denies.
const Unlimited = -1

// Limits are the entitlements of a subscription tier.
type Limits struct {
	Tier            state.Tier
	MinutesPerMonth int
	MaxConcurrent   int
	PriceCents      int64
}

var tiers = []Limits{
	{Tier: state.TierFree, MinutesPerMonth: 60, MaxConcurrent: 1, PriceCents: 0},
	{Tier: state.TierPro, MinutesPerMonth: 600, MaxConcurrent: 3, PriceCents: 2900},
	{Tier: state.TierTeam, MinutesPerMonth: 3000, MaxConcurrent: 10, PriceCents: 9900},
	{Tier: state.TierEnterprise, MinutesPerMonth: Unlimited, MaxConcurrent: Unlimited, PriceCents: 49900},
}

// Tiers returns the limits of every tier, cheapest first.
func Tiers() []Limits {
	out := make([]Limits, len(tiers))
	copy(out, tiers)
	return out
}

// LimitsFor returns the limits of tier. Unknown tiers get the free limits.
func LimitsFor(tier state.Tier) Limits {
	for _, limits := range tiers {
		if limits.Tier == tier {
			return limits
		}
	}
	return tiers[0]
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Limits  Limits
	Reasons []string
	causes  []error
}

// Err returns nil when the decision allows the session and a *DeniedError
// otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Tier: d.Limits.Tier, Reasons: d.Reasons, causes: d.causes}
}

// Check evaluates both the quota and the concurrency limit for usage.
func Check(usage state.Usage) Decision {
	limits := LimitsFor(usage.Subscription.Tier)
	decision := Decision{Allowed: true, Limits: limits}

	if limits.MinutesPerMonth >= 0 && usage.Subscription.MinutesUsed >= float64(limits.MinutesPerMonth) {
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, fmt.Sprintf(
			"Monthly limit of %d minutes reached for the %s tier. Please upgrade your plan.",
			limits.MinutesPerMonth, limits.Tier,
		))
		decision.causes = append(decision.causes, ErrQuotaExceeded)
	}

	if limits.MaxConcurrent >= 0 && usage.Active >= limits.MaxConcurrent {
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, fmt.Sprintf(
			"Max concurrent sessions (%d) reached for the %s tier.",
			limits.MaxConcurrent, limits.Tier,
		))
		decision.causes = append(decision.causes, ErrConcurrencyExceeded)
	}

	return decision
}

// Admit is a state.Admit that rejects usage Check denies.
func Admit(usage state.Usage) error {
	return Check(usage).Err()
}

var _ state.Admit = Admit
