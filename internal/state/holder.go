// Package state provides observable value holders shared between the update
// pipeline and its observers.
package state

import "sync"

// Holder is a mutex-guarded value with change notification. Any number of
// goroutines may read or subscribe; writes are serialized.
type Holder[T any] struct {
	mu      sync.Mutex
	initial T
	value   T
	nextID  int
	subs    map[int]chan T
}

// NewHolder returns a holder whose current and reset value is initial.
func NewHolder[T any](initial T) *Holder[T] {
	return &Holder[T]{
		initial: initial,
		value:   initial,
		subs:    make(map[int]chan T),
	}
}

func (h *Holder[T]) Get() T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

// Set replaces the value unconditionally.
func (h *Holder[T]) Set(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storeLocked(v)
}

// Transition applies fn to the current value. When fn reports ok, its result
// becomes the new value. The returned value is whatever is current afterwards.
func (h *Holder[T]) Transition(fn func(cur T) (T, bool)) (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next, ok := fn(h.value)
	if !ok {
		return h.value, false
	}
	h.storeLocked(next)
	return next, true
}

// Reset restores the initial value.
func (h *Holder[T]) Reset() {
	h.Set(h.initial)
}

// Subscribe returns a channel that first receives the current value and then
// every later change. A subscriber that falls behind loses intermediate
// values but always ends up with the latest one. cancel closes the channel.
func (h *Holder[T]) Subscribe(buf int) (<-chan T, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan T, buf)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	ch <- h.value
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Holder[T]) storeLocked(v T) {
	h.value = v
	for _, ch := range h.subs {
		deliver(ch, v)
	}
}

// deliver never blocks: when the buffer is full the oldest queued value is
// dropped to make room. Callers hold h.mu, so no other sender races here.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
