package transfer

import (
	"sync"
)

const subscriptionBuffer = 32

// Bus fans events out to every live subscription. Completion events are
// never dropped; progress events are dropped for a subscriber whose buffer is
// full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

func (b *Bus) Subscribe() (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &subscription{
		bus:  b,
		ch:   make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish delivers ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.send(ev)
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscription. Later Subscribe calls fail.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.release()
	}
}

type subscription struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscription) Events() <-chan Event  { return s.ch }
func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subs[s]
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}
	s.release()
	return nil
}

func (s *subscription) release() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) send(ev Event) {
	if ev.Kind == EventProgress {
		select {
		case s.ch <- ev:
		case <-s.done:
		default:
		}
		return
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}
