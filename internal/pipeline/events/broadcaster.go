// Package events fans pipeline notifications out to live observers.
package events

import (
	"fmt"
	"sync"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 256

// Subscription is a channel-backed observer. C is closed when the
// subscription ends for any reason; Done is closed only when the broadcaster
// itself is closed, so callers can tell a drop from a shutdown.
type Subscription struct {
	C    <-chan Event
	Done <-chan struct{}

	id uint64
	ch chan Event
}

// SinkFunc is a synchronous observer. Returning an error unsubscribes it.
type SinkFunc func(Event) error

// Broadcaster delivers every published event to all live subscribers.
// Delivery never blocks: a subscriber whose buffer is full is dropped.
// Thread-safe.
type Broadcaster struct {
	publishMu sync.Mutex // serializes Publish so per-subscriber order holds

	mu      sync.Mutex
	clients map[uint64]chan Event
	sinks   map[uint64]SinkFunc
	nextID  uint64
	buffer  int
	closed  bool
	doneCh  chan struct{}
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
// If buffer <= 0, DefaultBuffer is used.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		clients: make(map[uint64]chan Event),
		sinks:   make(map[uint64]SinkFunc),
		buffer:  buffer,
		doneCh:  make(chan struct{}),
	}
}

func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	id := b.nextID
	b.nextID++
	sub := &Subscription{C: ch, Done: b.doneCh, id: id, ch: ch}
	if b.closed {
		close(ch)
		return sub
	}
	b.clients[id] = ch
	return sub
}

// Unsubscribe removes sub. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.clients[sub.id]; ok {
		delete(b.clients, sub.id)
		close(ch)
	}
}

// SubscribeFunc registers a synchronous sink and returns its unsubscribe func.
// Sinks run on the publishing goroutine, one event at a time.
func (b *Broadcaster) SubscribeFunc(fn SinkFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.closed || fn == nil {
		return func() {}
	}
	b.sinks[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.sinks, id)
	}
}

// Publish attempts delivery to every live subscriber before returning and
// reports how many received the event. Failed subscribers are removed.
func (b *Broadcaster) Publish(ev Event) int {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	delivered := 0
	for id, ch := range b.clients {
		select {
		case ch <- ev:
			delivered++
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
	sinks := make(map[uint64]SinkFunc, len(b.sinks))
	for id, fn := range b.sinks {
		sinks[id] = fn
	}
	b.mu.Unlock()

	// Sinks run outside the lock so they may call back into the pipeline.
	var failed []uint64
	for id, fn := range sinks {
		if err := callSink(fn, ev); err != nil {
			failed = append(failed, id)
			continue
		}
		delivered++
	}
	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			delete(b.sinks, id)
		}
		b.mu.Unlock()
	}
	return delivered
}

func callSink(fn SinkFunc, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event sink panicked: %v", r)
		}
	}()
	return fn(ev)
}

// Len reports the number of live subscribers, sinks included.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients) + len(b.sinks)
}

// Close ends every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	for id := range b.sinks {
		delete(b.sinks, id)
	}
}
