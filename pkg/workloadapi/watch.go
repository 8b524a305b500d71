package workloadapi

import (
	"context"
	"sync"
)

// X509ContextWatcher receives X.509 context updates from a watch.
//
// Callbacks are invoked sequentially on a delivery goroutine dedicated to
// the watch, never on the gRPC receive loop, so a slow watcher cannot stall
// the stream. At most one callback runs at a time for a given watch.
type X509ContextWatcher interface {
	// OnUpdate is called with each new X.509 context, in the order the
	// stream delivered them.
	OnUpdate(x509Context *X509Context)

	// OnError is called when the watch ends: stream failure, a response
	// that failed conversion, or unexpected stream completion. The watch
	// delivers nothing after the first error; re-establishing it is the
	// caller's decision.
	OnError(err error)
}

// Watch is the cancellation handle of one X509 context subscription.
type Watch struct {
	client *Client
	cancel context.CancelFunc
	once   sync.Once

	// done is closed when the delivery goroutine exits; no callbacks are
	// invoked after that.
	done chan struct{}
}

// Cancel tears down the watch. It is idempotent and safe to call
// concurrently with Client.Close, which cancels every watch it tracks.
// Cancellation is cooperative: an in-progress stream read unblocks
// promptly, and a delivery already in flight either completes or is
// discarded, never half-applied.
func (w *Watch) Cancel() {
	w.once.Do(func() {
		w.cancel()
		w.client.removeWatch(w)
	})
}

// Done returns a channel closed once the watch has fully stopped and no
// further callbacks will be made.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// event is one delivery: an update or the terminal error.
type event struct {
	update *X509Context
	err    error
}

// eventQueue is an unbounded FIFO between the stream receive loop and the
// delivery goroutine. Unbounded so that receiving never blocks on a slow
// watcher; the stream itself is the only producer and closes the queue
// when it ends.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Signal()
}

// pop blocks for the next event; ok is false once the queue is closed and
// drained.
func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.events) == 0 {
		return event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}
