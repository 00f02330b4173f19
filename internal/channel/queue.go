package channel

import (
	"sync"

	ingesterrors "github.com/alexjbarnes/ingest-client/internal/errors"
)

// Queue is the outbound envelope queue for one session. Any number of
// goroutines may Enqueue; exactly one (the session writer) drains it.
// Enqueue never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []Envelope
	closed bool

	// ready has capacity one. A pending signal means "there may be items";
	// coalescing is fine because the consumer drains everything it can.
	ready chan struct{}
	done  chan struct{}
}

// NewQueue returns an open, empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Enqueue appends env. It fails with ErrChannelClosed once the queue has
// been closed.
func (q *Queue) Enqueue(env Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ingesterrors.ErrChannelClosed
	}

	q.items = append(q.items, env)
	q.mu.Unlock()

	q.signal()

	return nil
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when items may be waiting.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Drain hands queued envelopes to write in FIFO order. If write fails the
// envelope goes back to the front of the queue, the drain stops, and the
// error is returned. Items enqueued during the drain are picked up in the
// same call.
func (q *Queue) Drain(write func(Envelope) error) (int, error) {
	sent := 0

	for {
		env, ok := q.popFront()
		if !ok {
			return sent, nil
		}

		if err := write(env); err != nil {
			q.pushFront(env)
			return sent, err
		}

		sent++
	}
}

func (q *Queue) popFront() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Envelope{}, false
	}

	env := q.items[0]
	q.items[0] = Envelope{}
	q.items = q.items[1:]

	return env, true
}

func (q *Queue) pushFront(env Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append([]Envelope{env}, q.items...)
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Close rejects further Enqueue calls. Envelopes still queued are dropped
// and their count returned. Closing twice is a no-op.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}

	q.closed = true
	dropped := len(q.items)
	q.items = nil
	close(q.done)

	return dropped
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}
