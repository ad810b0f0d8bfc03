package session

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProvisioning, true},
		{StatusProvisioning, StatusRunning, true},
		{StatusRunning, StatusAgentWorking, true},
		{StatusAgentWorking, StatusPushing, true},
		{StatusPushing, StatusCompleted, true},
		{StatusPending, StatusRunning, false},
		{StatusAgentWorking, StatusCompleted, false},
		{StatusRunning, StatusProvisioning, false},
		{StatusPending, StatusCancelled, true},
		{StatusPushing, StatusFailed, true},
		{StatusAgentWorking, StatusTimedOut, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusFailed, StatusProvisioning, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s): expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestEnterTerminalStampsEnd(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)
	sess := Session{Status: StatusAgentWorking, StartedAt: start, ContainerID: "ctr-1"}

	enter(&sess, StatusCancelled, now)
	if !sess.EndedAt.Equal(now) || sess.DurationSeconds != 90 || sess.ContainerID != "" {
		t.Fatalf("unexpected terminal session %+v", sess)
	}

	running := Session{Status: StatusProvisioning, StartedAt: start, ContainerID: "ctr-1"}
	enter(&running, StatusRunning, now)
	if !running.EndedAt.IsZero() || running.ContainerID != "ctr-1" {
		t.Fatalf("expected non-terminal status to keep the container, got %+v", running)
	}
}

func TestAge(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)

	if _, ok := Age(Session{Status: StatusPending}, now); ok {
		t.Fatalf("expected no age before start")
	}
	live, ok := Age(Session{Status: StatusAgentWorking, StartedAt: start}, now)
	if !ok || live != 5*time.Minute {
		t.Fatalf("expected 5m, got %s", live)
	}
	done, ok := Age(Session{Status: StatusCompleted, StartedAt: start, DurationSeconds: 120}, now)
	if !ok || done != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", done)
	}
}
