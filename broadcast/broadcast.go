// Package broadcast fans session events out to live observers.
//
// Observers attach with a cursor. They first receive every persisted event
// after the cursor, then live events in sequence order, without duplicates.
// An observer that falls too far behind is dropped without affecting the
// others.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/amonks/workcell/internal/state"
)

// DefaultQueueLimit is the number of undelivered events an observer may hold.
const DefaultQueueLimit = 1024

var (
	// ErrSlowObserver is reported by an observer dropped for falling behind.
	ErrSlowObserver = errors.New("observer fell behind")
)

// Event is a persisted session event.
type Event = state.Event

// Replayer reads persisted events.
type Replayer interface {
	EventsAfter(ctx context.Context, sessionID string, after int64) ([]Event, error)
}

// Broadcaster maps sessions to their attached observers.
type Broadcaster struct {
	replay Replayer
	limit  int

	mu        sync.Mutex
	observers map[string]map[*Observer]struct{}
}

// New returns a Broadcaster that replays from r. A non-positive queueLimit
// selects DefaultQueueLimit.
func New(r Replayer, queueLimit int) *Broadcaster {
	if queueLimit <= 0 {
		queueLimit = DefaultQueueLimit
	}
	return &Broadcaster{
		replay:    r,
		limit:     queueLimit,
		observers: make(map[string]map[*Observer]struct{}),
	}
}

// Attach registers an observer for sessionID that starts after the given
// sequence number. Pass -1 to receive the whole log. The observer stops
// when ctx is done, when Detach is called, or after Complete once it has
// delivered everything.
func (b *Broadcaster) Attach(ctx context.Context, sessionID string, after int64) (*Observer, error) {
	o := newObserver(b, sessionID, after)

	b.mu.Lock()
	set, ok := b.observers[sessionID]
	if !ok {
		set = make(map[*Observer]struct{})
		b.observers[sessionID] = set
	}
	set[o] = struct{}{}
	b.mu.Unlock()

	replayed, err := b.replay.EventsAfter(ctx, sessionID, after)
	if err != nil {
		b.Detach(o)
		return nil, err
	}

	go o.run(ctx, replayed)
	return o, nil
}

// Detach removes o and stops its delivery.
func (b *Broadcaster) Detach(o *Observer) {
	b.remove(o)
	o.stop()
}

// Publish delivers event to every observer of its session. Observers whose
// queue is full are dropped with ErrSlowObserver.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for o := range b.observers[event.SessionID] {
		if !o.enqueue(event, b.limit) {
			b.removeLocked(o)
		}
	}
}

// Complete ends every observer of sessionID after it drains its queue.
func (b *Broadcaster) Complete(sessionID string) {
	b.mu.Lock()
	set := b.observers[sessionID]
	delete(b.observers, sessionID)
	b.mu.Unlock()
	for o := range set {
		o.complete()
	}
}

// Observers returns the number of observers attached to sessionID.
func (b *Broadcaster) Observers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers[sessionID])
}

func (b *Broadcaster) remove(o *Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(o)
}

func (b *Broadcaster) removeLocked(o *Observer) {
	set, ok := b.observers[o.sessionID]
	if !ok {
		return
	}
	delete(set, o)
	if len(set) == 0 {
		delete(b.observers, o.sessionID)
	}
}
