package librtc

import (
	"sync"
)

type callback[T any] func(T)

// EventEmitterCallback maps events (of type K) to listener callbacks
// (receiving values of type V). A closed emitter stays closed: further On and
// Emit calls are no-ops, so a listener registered after teardown can never be
// invoked by a stray emit.
type EventEmitterCallback[K comparable, V any] struct {
	listeners map[K][]callback[V]
	lock      sync.RWMutex
	closed    bool
}

// NewEventEmitter creates a new EventEmitterCallback and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitterCallback[K, V] {
	return &EventEmitterCallback[K, V]{
		listeners: make(map[K][]callback[V]),
	}
}

// On registers a new listener for the given event. Ignored once the emitter
// is closed.
func (e *EventEmitterCallback[K, V]) On(event K, listener callback[V]) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return
	}
	e.listeners[event] = append(e.listeners[event], listener)
}

// Emit triggers all listeners registered for the given event synchronously,
// in registration order. Listeners run outside the emitter lock, so a
// listener may register further listeners. The method returns once every
// listener has run.
func (e *EventEmitterCallback[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	registered := e.listeners[event]
	listeners := make([]callback[V], len(registered))
	copy(listeners, registered)
	e.lock.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// Close drops all listeners and rejects any later registration.
func (e *EventEmitterCallback[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.closed = true
	e.listeners = nil
}
