// Package event provides owned, closable event streams. Emit never blocks the
// producer: a subscriber that falls behind by more than its buffer loses
// events rather than stalling the component that owns the stream.
package event

import "sync"

const defaultBuffer = 16

type Event[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func New[T any]() *Event[T] {
	return &Event[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a channel receiving every event emitted from now on and
// a function cancelling the subscription. The channel is closed when either
// the subscription is cancelled or the owner closes the event.
func (e *Event[T]) Subscribe(buffer ...int) (<-chan T, func()) {
	size := defaultBuffer
	if len(buffer) > 0 && buffer[0] >= 0 {
		size = buffer[0]
	}
	ch := make(chan T, size)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

// Emit delivers v to every subscriber with room in its buffer and reports how
// many received it.
func (e *Event[T]) Emit(v T) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	delivered := 0
	for _, ch := range e.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later Emit calls are dropped.
func (e *Event[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}
