package container

import "sync"

// LineKind distinguishes output lines from the terminal sentinels.
type LineKind int

const (
	// LineOutput is one line of command output.
	LineOutput LineKind = iota
	// LineExit ends a stream whose command ran; ExitCode is set.
	LineExit
	// LineExecError ends a stream whose exec failed; Err is set.
	LineExecError
)

func (k LineKind) String() string {
	switch k {
	case LineOutput:
		return "output"
	case LineExit:
		return "exit"
	case LineExecError:
		return "exec_error"
	default:
		return "unknown"
	}
}

// Line is one item of an exec stream.
type Line struct {
	Kind     LineKind
	Text     string
	ExitCode int
	Err      error
}

// Terminal reports whether l ends its stream.
func (l Line) Terminal() bool {
	return l.Kind == LineExit || l.Kind == LineExecError
}

// Drain discards the remaining lines of a stream.
func Drain(lines <-chan Line) {
	for range lines {
	}
}

// lineQueue is an unbounded FIFO between the output scanner and the
// consumer channel. Pushes never block.
type lineQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Line
	closed bool
}

func newLineQueue() *lineQueue {
	q := &lineQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *lineQueue) push(line Line) {
	q.mu.Lock()
	q.items = append(q.items, line)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *lineQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available. It reports false once the queue is
// closed and empty.
func (q *lineQueue) pop() (Line, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Line{}, false
	}
	line := q.items[0]
	q.items[0] = Line{}
	q.items = q.items[1:]
	return line, true
}

// forward sends queued items on out in order and closes out when the queue
// is closed and drained.
func (q *lineQueue) forward(out chan<- Line) {
	defer close(out)
	for {
		line, ok := q.pop()
		if !ok {
			return
		}
		out <- line
	}
}
