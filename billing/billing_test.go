package billing

import (
	"testing"
	"time"

	"github.com/amonks/workcell/internal/ids"
	"github.com/amonks/workcell/internal/state"
)

func TestCostCents(t *testing.T) {
	cases := []struct {
		minutes float64
		rate    float64
		want    int64
	}{
		{minutes: 3, rate: 0.01, want: 3},
		{minutes: 2.5, rate: 0.01, want: 3},
		{minutes: 0.1, rate: 0.01, want: 1},
		{minutes: 100, rate: 0.01, want: 100},
		{minutes: 10, rate: 0.07, want: 70},
		{minutes: 0, rate: 0.01, want: 0},
		{minutes: 5, rate: 0, want: 0},
	}
	for _, tc := range cases {
		if got := CostCents(tc.minutes, tc.rate); got != tc.want {
			t.Errorf("CostCents(%v, %v) = %d, expected %d", tc.minutes, tc.rate, got, tc.want)
		}
	}
}

func TestCharge(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	sess := state.Session{ID: "s-1", UserID: "u-1", DurationSeconds: 180}

	charge := Charge(sess, DefaultRatePerMinute, now)
	if charge == nil {
		t.Fatalf("expected a charge")
	}
	if charge.ID != ids.ForCharge("s-1") {
		t.Fatalf("expected deterministic id, got %q", charge.ID)
	}
	if charge.Minutes != 3 || charge.CostCents != 3 || charge.RatePerMinute != DefaultRatePerMinute {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if charge.Description != "Dev session (3.0 min)" {
		t.Fatalf("unexpected description %q", charge.Description)
	}
	if !charge.CreatedAt.Equal(now) || charge.UserID != "u-1" || charge.SessionID != "s-1" {
		t.Fatalf("unexpected charge: %+v", charge)
	}

	Apply(&sess, charge)
	if sess.CostCents != 3 {
		t.Fatalf("expected cost applied to session, got %d", sess.CostCents)
	}
}

func TestChargeZeroDuration(t *testing.T) {
	if charge := Charge(state.Session{ID: "s-1"}, DefaultRatePerMinute, time.Now()); charge != nil {
		t.Fatalf("expected no charge, got %+v", charge)
	}
}
