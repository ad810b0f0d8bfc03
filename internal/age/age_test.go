package age

import (
	"testing"
	"time"
)

func TestDurationData(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Minute)

	cases := []struct {
		name            string
		startedAt       time.Time
		endedAt         time.Time
		durationSeconds float64
		running         bool
		want            time.Duration
		ok              bool
	}{
		{name: "never started", running: true},
		{name: "running measures from start", startedAt: started, running: true, want: 10 * time.Minute, ok: true},
		{name: "running clock skew clamps", startedAt: now.Add(time.Minute), running: true, want: 0, ok: true},
		{name: "recorded duration wins", startedAt: started, endedAt: now, durationSeconds: 42.5, want: 42500 * time.Millisecond, ok: true},
		{name: "ended without recorded duration", startedAt: started, endedAt: started.Add(3 * time.Minute), want: 3 * time.Minute, ok: true},
		{name: "ended before start clamps", startedAt: started, endedAt: started.Add(-time.Second), want: 0, ok: true},
		{name: "finished without timestamps", want: 0, ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DurationData(tc.startedAt, tc.endedAt, tc.durationSeconds, tc.running, now)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("expected %v (%v), got %v (%v)", tc.want, tc.ok, got, ok)
			}
		})
	}
}

func TestAgeData(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	if _, ok := AgeData(time.Time{}, now); ok {
		t.Fatal("expected no age for zero time")
	}
	if got, ok := AgeData(now.Add(-90*time.Second), now); !ok || got != 90*time.Second {
		t.Fatalf("expected 90s, got %v (%v)", got, ok)
	}
	if got, _ := AgeData(now.Add(time.Hour), now); got != 0 {
		t.Fatalf("expected future start to clamp to 0, got %v", got)
	}
}
