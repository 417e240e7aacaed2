package transport

import (
	"sync"
	"sync/atomic"

	"github.com/user/termlink/internal/pty"
)

const defaultSubscriberBuffer = 1024

// Broadcaster fans session events out to every connection. Each
// subscription has its own bounded buffer; when it is full the event is
// dropped for that subscriber only and counted.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Publish never blocks.
func (b *Broadcaster) Publish(ev pty.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			select {
			case sub.lag <- struct{}{}:
			default:
			}
		}
	}
}

func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		b:   b,
		ch:  make(chan pty.Event, b.buffer),
		lag: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is one receiver's view of a Broadcaster.
type Subscription struct {
	b       *Broadcaster
	ch      chan pty.Event
	lag     chan struct{}
	dropped atomic.Uint64
}

// C delivers events in publish order.
func (s *Subscription) C() <-chan pty.Event { return s.ch }

// Lagged is signalled after at least one event was dropped.
func (s *Subscription) Lagged() <-chan struct{} { return s.lag }

// TakeDropped returns and resets the dropped-event counter.
func (s *Subscription) TakeDropped() uint64 { return s.dropped.Swap(0) }

// Close detaches the subscription. Buffered events stay readable.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
}
