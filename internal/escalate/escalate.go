// Package escalate implements the Escalator (spec.md §4.9): a best-effort
// publish-subscribe fanout of detection-completion signals. Subscribers
// never block the request; a full subscriber queue drops its oldest pending
// signal to make room for the newest one.
package escalate

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// publishNotifyTimeout bounds how long Publish waits for a single
// Subscriber.Notify call before moving on to the next subscriber. A
// subscriber that hasn't returned within this window keeps running in its
// own goroutine, but the request thread is never held beyond it.
const publishNotifyTimeout = 100 * time.Millisecond

// RequestCompleteSignal is emitted after every request-side detection pass
// (spec.md §4.9).
type RequestCompleteSignal struct {
	ID              string
	Signature       string
	RequestID       string
	TimestampUnixMS int64
	Risk            string // risk_band
	Honeypot        bool
	Datacenter      bool
	Path            string
	Method          string
	TriggerSignals  map[string]bool
}

// OperationCompleteSignal adds response-side fields once a response has
// also been observed (spec.md §4.9).
type OperationCompleteSignal struct {
	RequestCompleteSignal
	StatusCode    int
	ResponseBytes int64
	ResponseScore float64
	CombinedScore float64
}

// Subscriber receives escalation signals. Publish waits at most
// publishNotifyTimeout for each pending signal's Notify call to return; a
// subscriber that wants to do real work should drain its own channel/queue
// on a separate goroutine.
type Subscriber interface {
	Name() string
	Notify(sig any)
}

// queue is a bounded, drop-oldest ring buffer of pending signals for one
// subscriber.
type queue struct {
	mu       sync.Mutex
	capacity int
	items    []any
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &queue{capacity: capacity}
}

// push appends sig, dropping the oldest pending item if the queue is full.
// Returns true if an item was dropped to make room.
func (q *queue) push(sig any) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, sig)
	return dropped
}

// drain removes and returns every pending item, in FIFO order.
func (q *queue) drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Escalator fans out RequestCompleteSignal/OperationCompleteSignal values to
// every registered subscriber via a bounded, per-subscriber queue.
type Escalator struct {
	capacity int

	mu          sync.Mutex
	subscribers map[string]Subscriber
	queues      map[string]*queue
}

// New builds an Escalator whose per-subscriber queues hold at most capacity
// pending signals (spec.md §6.1 Escalation.queue_capacity). capacity <= 0
// defaults to 256.
func New(capacity int) *Escalator {
	return &Escalator{
		capacity:    capacity,
		subscribers: make(map[string]Subscriber),
		queues:      make(map[string]*queue),
	}
}

// Subscribe registers sub to receive future Publish calls.
func (e *Escalator) Subscribe(sub Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers[sub.Name()] = sub
	e.queues[sub.Name()] = newQueue(e.capacity)
}

// Unsubscribe removes a previously registered subscriber.
func (e *Escalator) Unsubscribe(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subscribers, name)
	delete(e.queues, name)
}

// Publish enqueues sig for every subscriber and flushes each subscriber's
// queue via a bounded Notify call. The request thread waits at most
// publishNotifyTimeout per pending item per subscriber; a subscriber that
// hasn't returned by then keeps running to completion on its own goroutine,
// but Publish moves on rather than blocking the caller beyond the bound.
func (e *Escalator) Publish(sig any) {
	e.mu.Lock()
	subs := make([]Subscriber, 0, len(e.subscribers))
	queues := make([]*queue, 0, len(e.subscribers))
	for name, sub := range e.subscribers {
		subs = append(subs, sub)
		queues = append(queues, e.queues[name])
	}
	e.mu.Unlock()

	for i, sub := range subs {
		q := queues[i]
		if dropped := q.push(sig); dropped {
			log.Debug().Str("subscriber", sub.Name()).Msg("escalator queue full, dropped oldest pending signal")
		}
		for _, pending := range q.drain() {
			notifyBounded(sub, pending)
		}
	}
}

// notifyBounded calls sub.Notify(sig) and waits up to publishNotifyTimeout
// for it to return, logging and moving on rather than blocking further if a
// subscriber is stuck.
func notifyBounded(sub Subscriber, sig any) {
	done := make(chan struct{})
	go func() {
		sub.Notify(sig)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(publishNotifyTimeout):
		log.Debug().Str("subscriber", sub.Name()).Msg("subscriber did not return from Notify within bound, continuing")
	}
}

// NewSignalID generates a lexicographically sortable identifier for a
// signal, using the same ULID scheme the rest of the pack uses for
// externally visible identifiers.
func NewSignalID() string {
	return ulid.Make().String()
}
