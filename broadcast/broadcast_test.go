package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amonks/workcell/internal/state"
)

type memoryLog struct {
	mu     sync.Mutex
	events []Event
	reads  int
}

func (m *memoryLog) append(sessionID, content string) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := Event{SessionID: sessionID, Seq: int64(len(m.events)), Kind: state.EventKindAgentMessage, Content: content}
	m.events = append(m.events, event)
	return event
}

func (m *memoryLog) EventsAfter(ctx context.Context, sessionID string, after int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	var out []Event
	for _, event := range m.events {
		if event.SessionID == sessionID && event.Seq > after {
			out = append(out, event)
		}
	}
	return out, nil
}

func (m *memoryLog) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func receive(t *testing.T, o *Observer, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case event, ok := <-o.Events():
			if !ok {
				t.Fatalf("observer closed after %d events, expected %d", len(got), n)
			}
			got = append(got, event)
		case <-timeout:
			t.Fatalf("timed out after %d events, expected %d", len(got), n)
		}
	}
	return got
}

func waitClosed(t *testing.T, o *Observer) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("observer did not finish")
	}
}

func seqs(events []Event) []int64 {
	out := make([]int64, len(events))
	for i, event := range events {
		out[i] = event.Seq
	}
	return out
}

func TestAttachReplaysThenStreams(t *testing.T) {
	log := &memoryLog{}
	b := New(log, 0)
	for i := 0; i < 3; i++ {
		log.append("s-1", fmt.Sprintf("old %d", i))
	}

	o, err := b.Attach(context.Background(), "s-1", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		b.Publish(log.append("s-1", fmt.Sprintf("new %d", i)))
	}

	got := receive(t, o, 5)
	if fmt.Sprint(seqs(got)) != "[0 1 2 3 4]" {
		t.Fatalf("expected sequences 0..4, got %v", seqs(got))
	}
	if got[3].Content != "new 0" {
		t.Fatalf("unexpected live event %+v", got[3])
	}

	b.Complete("s-1")
	waitClosed(t, o)
	if o.Err() != nil {
		t.Fatalf("expected clean completion, got %v", o.Err())
	}
}

func TestAttachAfterCursor(t *testing.T) {
	log := &memoryLog{}
	b := New(log, 0)
	for i := 0; i < 5; i++ {
		log.append("s-1", "e")
	}

	o, err := b.Attach(context.Background(), "s-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := receive(t, o, 2)
	if fmt.Sprint(seqs(got)) != "[3 4]" {
		t.Fatalf("expected sequences after cursor, got %v", seqs(got))
	}
	b.Detach(o)
	waitClosed(t, o)
}

func TestPublishSkipsReplayedDuplicates(t *testing.T) {
	log := &memoryLog{}
	b := New(log, 0)
	first := log.append("s-1", "persisted before attach")

	o, err := b.Attach(context.Background(), "s-1", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A late publish of an event that the replay already covered.
	b.Publish(first)
	b.Publish(log.append("s-1", "live"))
	b.Complete("s-1")

	var got []Event
	for event := range o.Events() {
		got = append(got, event)
	}
	if fmt.Sprint(seqs(got)) != "[0 1]" {
		t.Fatalf("expected each event once, got %v", seqs(got))
	}
}

func TestPublishGapRereadsLog(t *testing.T) {
	log := &memoryLog{}
	b := New(log, 0)

	o, err := b.Attach(context.Background(), "s-1", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reads := log.readCount()

	log.append("s-1", "never published")
	b.Publish(log.append("s-1", "published"))

	got := receive(t, o, 2)
	if fmt.Sprint(seqs(got)) != "[0 1]" {
		t.Fatalf("expected gap filled from the log, got %v", seqs(got))
	}
	if log.readCount() <= reads {
		t.Fatalf("expected the log to be re-read on a gap")
	}
	b.Detach(o)
}

func TestSlowObserverDropped(t *testing.T) {
	log := &memoryLog{}
	b := New(log, 2)

	slow, err := b.Attach(context.Background(), "s-1", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fast, err := b.Attach(context.Background(), "s-1", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		wg       sync.WaitGroup
		received []Event
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range fast.Events() {
			received = append(received, event)
		}
	}()

	for i := 0; i < 4; i++ {
		b.Publish(log.append("s-1", "burst"))
		// Give the fast observer time to keep its queue short.
		time.Sleep(10 * time.Millisecond)
	}

	waitClosed(t, slow)
	if !errors.Is(slow.Err(), ErrSlowObserver) {
		t.Fatalf("expected ErrSlowObserver, got %v", slow.Err())
	}
	if got := b.Observers("s-1"); got != 1 {
		t.Fatalf("expected only the fast observer attached, got %d", got)
	}

	b.Complete("s-1")
	wg.Wait()
	if len(received) != 4 {
		t.Fatalf("expected fast observer to receive 4 events, got %d", len(received))
	}
	if fast.Err() != nil {
		t.Fatalf("expected fast observer to complete cleanly, got %v", fast.Err())
	}
}

func TestObserverContextCancel(t *testing.T) {
	log := &memoryLog{}
	b := New(log, 0)

	ctx, cancel := context.WithCancel(context.Background())
	o, err := b.Attach(ctx, "s-1", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	waitClosed(t, o)
	if !errors.Is(o.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", o.Err())
	}
	if got := b.Observers("s-1"); got != 0 {
		t.Fatalf("expected observer removed, got %d", got)
	}
}

func TestCompleteWithoutEvents(t *testing.T) {
	b := New(&memoryLog{}, 0)
	o, err := b.Attach(context.Background(), "s-1", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Complete("s-1")
	waitClosed(t, o)
	if _, ok := <-o.Events(); ok {
		t.Fatalf("expected closed channel")
	}
}

type failingReplayer struct{}

func (failingReplayer) EventsAfter(ctx context.Context, sessionID string, after int64) ([]Event, error) {
	return nil, state.ErrSessionNotFound
}

func TestAttachReplayError(t *testing.T) {
	b := New(failingReplayer{}, 0)
	if _, err := b.Attach(context.Background(), "missing", -1); !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if got := b.Observers("missing"); got != 0 {
		t.Fatalf("expected no observers after failed attach, got %d", got)
	}
}
