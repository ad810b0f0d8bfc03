package admission

import (
	"errors"
	"testing"

	"github.com/amonks/workcell/internal/state"
)

func usage(tier state.Tier, minutes float64, active int) state.Usage {
	return state.Usage{
		Subscription: state.Subscription{UserID: "u-1", Tier: tier, MinutesUsed: minutes},
		Active:       active,
	}
}

func TestCheck(t *testing.T) {
	cases := []struct {
		name        string
		usage       state.Usage
		allowed     bool
		quota       bool
		concurrency bool
	}{
		{name: "free fresh", usage: usage(state.TierFree, 0, 0), allowed: true},
		{name: "free below quota", usage: usage(state.TierFree, 59.9, 0), allowed: true},
		{name: "free at quota", usage: usage(state.TierFree, 60, 0), quota: true},
		{name: "free busy", usage: usage(state.TierFree, 0, 1), concurrency: true},
		{name: "free both", usage: usage(state.TierFree, 61, 1), quota: true, concurrency: true},
		{name: "pro two active", usage: usage(state.TierPro, 100, 2), allowed: true},
		{name: "pro three active", usage: usage(state.TierPro, 100, 3), concurrency: true},
		{name: "team quota", usage: usage(state.TierTeam, 3000, 0), quota: true},
		{name: "enterprise unlimited", usage: usage(state.TierEnterprise, 1e9, 1000), allowed: true},
		{name: "unknown tier is free", usage: usage(state.Tier("gold"), 0, 1), concurrency: true},
		{name: "missing tier is free", usage: usage("", 60, 0), quota: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := Check(tc.usage)
			if decision.Allowed != tc.allowed {
				t.Fatalf("expected allowed=%v, got %v (%v)", tc.allowed, decision.Allowed, decision.Reasons)
			}
			err := decision.Err()
			if tc.allowed {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if got := errors.Is(err, ErrQuotaExceeded); got != tc.quota {
				t.Fatalf("expected quota=%v, got %v", tc.quota, got)
			}
			if got := errors.Is(err, ErrConcurrencyExceeded); got != tc.concurrency {
				t.Fatalf("expected concurrency=%v, got %v", tc.concurrency, got)
			}
			var denied *DeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("expected *DeniedError, got %T", err)
			}
		})
	}
}

func TestCheckReasons(t *testing.T) {
	err := Check(usage(state.TierFree, 60, 1)).Err()
	want := "Monthly limit of 60 minutes reached for the free tier. Please upgrade your plan. " +
		"Max concurrent sessions (1) reached for the free tier."
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestAdmit(t *testing.T) {
	if err := Admit(usage(state.TierPro, 0, 0)); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if err := Admit(usage(state.TierFree, 0, 1)); !errors.Is(err, ErrConcurrencyExceeded) {
		t.Fatalf("expected concurrency denial, got %v", err)
	}
}

func TestTiers(t *testing.T) {
	all := Tiers()
	if len(all) != len(state.ValidTiers()) {
		t.Fatalf("expected a row per tier, got %d", len(all))
	}
	all[0].MinutesPerMonth = 1
	if LimitsFor(state.TierFree).MinutesPerMonth != 60 {
		t.Fatalf("expected tier table to be immutable")
	}
	if got := LimitsFor(state.TierTeam).PriceCents; got != 9900 {
		t.Fatalf("expected team price 9900, got %d", got)
	}
}
