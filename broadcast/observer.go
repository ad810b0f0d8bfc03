package broadcast

import (
	"context"
	"sync"
)

// Observer is one attached consumer of a session's events.
type Observer struct {
	b         *Broadcaster
	sessionID string
	events    chan Event
	stopped   chan struct{}
	stopOnce  sync.Once

	mu       sync.Mutex
	wake     chan struct{}
	queue    []Event
	last     int64
	done     bool
	err      error
	finished chan struct{}
}

func newObserver(b *Broadcaster, sessionID string, after int64) *Observer {
	return &Observer{
		b:         b,
		sessionID: sessionID,
		events:    make(chan Event),
		stopped:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
		last:      after,
		finished:  make(chan struct{}),
	}
}

// SessionID returns the observed session.
func (o *Observer) SessionID() string {
	return o.sessionID
}

// Events returns the delivery channel. It is closed when the observer ends.
func (o *Observer) Events() <-chan Event {
	return o.events
}

// Err returns why the observer ended. It is nil while the observer is live
// and after a normal completion or Detach.
func (o *Observer) Err() error {
	select {
	case <-o.finished:
	default:
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Done is closed once the observer has ended and its channel is closed.
func (o *Observer) Done() <-chan struct{} {
	return o.finished
}

func (o *Observer) enqueue(event Event, limit int) bool {
	o.mu.Lock()
	if o.done || o.err != nil {
		o.mu.Unlock()
		return false
	}
	if len(o.queue) >= limit {
		o.err = ErrSlowObserver
		o.queue = nil
		o.mu.Unlock()
		o.stop()
		return false
	}
	o.queue = append(o.queue, event)
	o.mu.Unlock()
	o.signal()
	return true
}

func (o *Observer) complete() {
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
	o.signal()
}

func (o *Observer) stop() {
	o.stopOnce.Do(func() { close(o.stopped) })
}

func (o *Observer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Observer) fail(err error) {
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()
}

func (o *Observer) run(ctx context.Context, replayed []Event) {
	defer func() {
		o.b.remove(o)
		close(o.events)
		close(o.finished)
	}()

	if !o.deliverAll(ctx, replayed) {
		return
	}

	for {
		o.mu.Lock()
		if o.err != nil {
			o.mu.Unlock()
			return
		}
		if len(o.queue) == 0 {
			if o.done {
				o.mu.Unlock()
				return
			}
			o.mu.Unlock()
			select {
			case <-o.wake:
				continue
			case <-o.stopped:
				return
			case <-ctx.Done():
				o.fail(ctx.Err())
				return
			}
		}
		event := o.queue[0]
		o.queue[0] = Event{}
		o.queue = o.queue[1:]
		last := o.last
		o.mu.Unlock()

		if event.Seq <= last {
			continue
		}
		if event.Seq > last+1 {
			missed, err := o.b.replay.EventsAfter(ctx, o.sessionID, last)
			if err != nil {
				o.fail(err)
				return
			}
			if !o.deliverAll(ctx, missed) {
				return
			}
			continue
		}
		if !o.deliver(ctx, event) {
			return
		}
	}
}

func (o *Observer) deliverAll(ctx context.Context, events []Event) bool {
	for _, event := range events {
		o.mu.Lock()
		last := o.last
		o.mu.Unlock()
		if event.Seq <= last {
			continue
		}
		if !o.deliver(ctx, event) {
			return false
		}
	}
	return true
}

func (o *Observer) deliver(ctx context.Context, event Event) bool {
	select {
	case o.events <- event:
		o.mu.Lock()
		o.last = event.Seq
		o.mu.Unlock()
		return true
	case <-o.stopped:
		return false
	case <-ctx.Done():
		o.fail(ctx.Err())
		return false
	}
}
