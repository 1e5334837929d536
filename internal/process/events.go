package process

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultSubscriberBuffer is used when Subscribe is given a size below 1.
	DefaultSubscriberBuffer = 256

	// lifecycleSendTimeout bounds how long a lifecycle event may wait for
	// room in a slow subscriber's buffer.
	lifecycleSendTimeout = 100 * time.Millisecond
)

// Subscription receives events from one Engine in emission order.
type Subscription struct {
	ch      chan Event
	b       *broadcaster
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the receive channel. It is closed by Close or when the
// engine is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the events channel.
func (s *Subscription) Close() {
	s.b.remove(s)
}

// broadcaster fans events out to subscribers.
//
// Output lines never wait for a slow subscriber; lifecycle events wait at most
// lifecycleSendTimeout. Delivery order per subscriber matches emission order
// because every publish holds mu for its duration.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*Subscription]struct{})}
}

func (b *broadcaster) subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{ch: make(chan Event, buffer), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	s.once.Do(func() { close(s.ch) })
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for s := range b.subs {
		if ev.Type == EventOutput {
			b.trySend(s, ev)
			continue
		}
		b.sendBounded(s, ev)
	}
}

// trySend delivers without blocking, dropping the event if the buffer is full.
func (b *broadcaster) trySend(s *Subscription, ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		b.dropped.Add(1)
	}
}

func (b *broadcaster) sendBounded(s *Subscription, ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	timer := time.NewTimer(lifecycleSendTimeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
	case <-timer.C:
		s.dropped.Add(1)
		b.dropped.Add(1)
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
	}
	b.subs = nil
}
