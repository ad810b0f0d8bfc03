package session

import (
	"context"
	"sync"
	"time"

	"github.com/amonks/workcell/agent"
	"github.com/amonks/workcell/internal/state"
)

// record persists an event and then publishes it. Events of one session
// are serialized so publishes follow sequence order. Failures are logged;
// an event that cannot be stored is never published.
func (s *Service) record(ctx context.Context, id string, kind state.EventKind, content string, metadata map[string]any) {
	unlock := s.eventLocks.lock(id)
	defer unlock()

	event, err := s.store.AppendEvent(context.WithoutCancel(ctx), state.EventInput{
		SessionID: id,
		Kind:      kind,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("record session event", "session", id, "kind", kind, "error", err)
		return
	}
	s.broadcaster.Publish(event)
}

func (s *Service) recordStatus(ctx context.Context, id string, from, to Status, content string) {
	s.record(ctx, id, state.EventKindStatusChange, content, map[string]any{
		"from":   string(from),
		"status": string(to),
	})
}

// recordAgent consumes the agent's events until the channel is closed.
func (s *Service) recordAgent(ctx context.Context, id string, events <-chan agent.Event, done chan<- struct{}) {
	defer close(done)
	for event := range events {
		s.record(ctx, id, event.Kind, event.Content, event.Metadata)
	}
}

// enter moves sess to status. Entering a terminal status stamps the end
// time and duration and releases the container id.
func enter(sess *Session, status Status, now time.Time) {
	sess.Status = status
	sess.UpdatedAt = now
	if !status.IsTerminal() {
		return
	}
	if sess.EndedAt.IsZero() {
		sess.EndedAt = now
	}
	if !sess.StartedAt.IsZero() && sess.DurationSeconds == 0 {
		if d := sess.EndedAt.Sub(sess.StartedAt); d > 0 {
			sess.DurationSeconds = d.Seconds()
		}
	}
	sess.ContainerID = ""
}

// keyedMutex hands out one mutex per key, dropping it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
