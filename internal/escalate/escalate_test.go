package escalate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	name string

	mu       sync.Mutex
	received []any
}

func (r *recordingSubscriber) Name() string { return r.name }
func (r *recordingSubscriber) Notify(sig any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, sig)
}

func (r *recordingSubscriber) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.received...)
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	e := New(4)
	a := &recordingSubscriber{name: "a"}
	b := &recordingSubscriber{name: "b"}
	e.Subscribe(a)
	e.Subscribe(b)

	sig := RequestCompleteSignal{RequestID: "req-1", Risk: "High"}
	e.Publish(sig)

	require.Len(t, a.snapshot(), 1)
	require.Len(t, b.snapshot(), 1)
	assert.Equal(t, sig, a.snapshot()[0])
}

func TestPublishDropsOldestOnQueueOverflow(t *testing.T) {
	q := newQueue(2)
	q.push("first")
	dropped := q.push("second")
	assert.False(t, dropped)
	dropped = q.push("third")
	assert.True(t, dropped)

	remaining := q.drain()
	assert.Equal(t, []any{"second", "third"}, remaining)
}

func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	e := New(4)
	a := &recordingSubscriber{name: "a"}
	e.Subscribe(a)
	e.Unsubscribe("a")

	e.Publish(RequestCompleteSignal{RequestID: "req-2"})
	assert.Empty(t, a.snapshot())
}

type blockingSubscriber struct {
	name    string
	block   chan struct{}
	entered chan struct{}
}

func (b *blockingSubscriber) Name() string { return b.name }
func (b *blockingSubscriber) Notify(sig any) {
	b.entered <- struct{}{}
	<-b.block
}

func TestPublishReturnsPromptlyDespiteABlockingSubscriber(t *testing.T) {
	e := New(4)
	slow := &blockingSubscriber{name: "slow", block: make(chan struct{}), entered: make(chan struct{}, 1)}
	fast := &recordingSubscriber{name: "fast"}
	e.Subscribe(slow)
	e.Subscribe(fast)
	defer close(slow.block)

	done := make(chan struct{})
	go func() {
		e.Publish(RequestCompleteSignal{RequestID: "req-3"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked indefinitely on a subscriber that never returns from Notify")
	}

	select {
	case <-slow.entered:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber never received its signal")
	}
}

func TestNewSignalIDProducesUniqueSortableValues(t *testing.T) {
	first := NewSignalID()
	second := NewSignalID()
	assert.NotEqual(t, first, second)
	assert.Len(t, first, 26)
}
