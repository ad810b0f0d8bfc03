package ui

import (
	"testing"
	"time"
)

func TestFormatDurationShort(t *testing.T) {
	cases := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{name: "seconds", duration: 45 * time.Second, want: "45s"},
		{name: "minutes", duration: 2*time.Minute + 10*time.Second, want: "2m"},
		{name: "hours", duration: 3*time.Hour + 5*time.Minute, want: "3h"},
		{name: "days", duration: 48 * time.Hour, want: "2d"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FormatDurationShort(tc.duration)
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestFormatTimeAgo(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	then := now.Add(-2 * time.Minute)

	got := FormatTimeAgo(then, now)
	if got != "2m ago" {
		t.Fatalf("expected 2m ago, got %s", got)
	}
}

func TestFormatCents(t *testing.T) {
	cases := map[int64]string{0: "$0.00", 5: "$0.05", 2900: "$29.00", 49901: "$499.01", -150: "-$1.50"}
	for cents, want := range cases {
		if got := FormatCents(cents); got != want {
			t.Fatalf("FormatCents(%d): expected %s, got %s", cents, want, got)
		}
	}
}

func TestFormatMinutes(t *testing.T) {
	if got := FormatMinutes(12.4, 60); got != "12 / 60" {
		t.Fatalf("expected 12 / 60, got %s", got)
	}
	if got := FormatMinutes(3, -1); got != "3 / unlimited" {
		t.Fatalf("expected unlimited, got %s", got)
	}
	if got := FormatOptionalDuration(time.Minute, false); got != "-" {
		t.Fatalf("expected dash, got %s", got)
	}
}
