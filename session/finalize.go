package session

import (
	"context"
	"fmt"

	"github.com/amonks/workcell/billing"
	"github.com/amonks/workcell/container"
	"github.com/amonks/workcell/internal/state"
	internalstrings "github.com/amonks/workcell/internal/strings"
)

const shortContainerLength = 12

// Finalize tears down the session's container, bills its duration, and
// closes its live feed. A session that is not yet terminal is marked
// failed. Finalizing twice bills once.
func (s *Service) Finalize(ctx context.Context, id string, handle container.Handle) (Session, error) {
	unlock := s.finalizeLocks.lock(id)
	defer unlock()

	current, err := s.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	finalized := !current.FinalizedAt.IsZero()

	containerID := handle.ContainerID
	if containerID == "" {
		containerID = current.ContainerID
	}
	if containerID != "" {
		teardown := s.containers.Destroy(ctx, containerID)
		if !finalized || teardown.Outcome != container.TeardownAbsent {
			s.recordTeardown(ctx, id, teardown)
		}
	}

	if finalized {
		s.broadcaster.Complete(id)
		return current, nil
	}

	now := s.now().UTC()
	var forced Status
	sess, applied, err := s.store.FinalizeSession(ctx, id, func(sess *Session) (*state.BillingRecord, error) {
		if !sess.Status.IsTerminal() {
			forced = sess.Status
			if sess.ErrorMessage == "" {
				sess.ErrorMessage = fmt.Sprintf("Session finalized while %s", sess.Status)
			}
			enter(sess, StatusFailed, now)
		}
		if sess.EndedAt.IsZero() {
			sess.EndedAt = now
		}
		charge := billing.Charge(*sess, s.rate, now)
		billing.Apply(sess, charge)
		sess.FinalizedAt = now
		return charge, nil
	})
	if err != nil {
		return Session{}, err
	}

	if applied {
		if forced != "" {
			s.recordStatus(ctx, id, forced, StatusFailed, "Session failed: "+sess.ErrorMessage)
		}
		s.logger.Info("session finalized",
			"session", id,
			"status", sess.Status,
			"minutes", sess.DurationSeconds/60,
			"cost_cents", sess.CostCents,
		)
	}
	s.broadcaster.Complete(id)
	return sess, nil
}

func (s *Service) recordTeardown(ctx context.Context, id string, teardown container.TeardownResult) {
	short := internalstrings.Truncate(teardown.ContainerID, shortContainerLength)
	metadata := map[string]any{
		"container": teardown.ContainerID,
		"outcome":   string(teardown.Outcome),
	}

	var content string
	switch teardown.Outcome {
	case container.TeardownDestroyed:
		content = fmt.Sprintf("Container %s destroyed", short)
	case container.TeardownAbsent:
		content = fmt.Sprintf("Container %s already removed", short)
	default:
		content = fmt.Sprintf("Container %s teardown failed: %v", short, teardown.Err)
		s.logger.Warn("container teardown failed", "session", id, "container", teardown.ContainerID, "error", teardown.Err)
	}
	s.record(ctx, id, state.EventKindContainerLog, content, metadata)
}
