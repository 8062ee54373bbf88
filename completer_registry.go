package librtc

import (
	"sync"
	"time"
)

// CompleterRegistry maps string keys to lazily-created completers. It serves
// the case where multiple concurrent identities, such as one per pending
// signaling round-trip, each need their own one-shot signal.
type CompleterRegistry[T any] struct {
	logger         Logger
	defaultTimeout time.Duration

	lock       sync.Mutex
	completers map[string]*Completer[T]
}

func NewCompleterRegistry[T any](logger Logger, defaultTimeout time.Duration) *CompleterRegistry[T] {
	return &CompleterRegistry[T]{
		logger:         logger,
		defaultTimeout: defaultTimeout,
		completers:     make(map[string]*Completer[T]),
	}
}

// Completer returns the completer stored under key, creating it on first
// access. Concurrent first-time lookups of the same key observe the same
// instance.
func (r *CompleterRegistry[T]) Completer(key string) *Completer[T] {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.completers[key]
	if !ok {
		c = NewCompleter[T](r.logger, key, r.defaultTimeout)
		r.completers[key] = c
	}
	return c
}

// Resolve fetches or creates the completer for key and resolves it.
func (r *CompleterRegistry[T]) Resolve(key string, value T) {
	r.Completer(key).Resolve(value)
}

// Fail fetches or creates the completer for key and fails it.
func (r *CompleterRegistry[T]) Fail(key string, err error) {
	r.Completer(key).Fail(err)
}

// ResetAll resets every live completer, cancelling their pending waiters, and
// discards the mapping. The next access per key recreates a fresh instance.
func (r *CompleterRegistry[T]) ResetAll() {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, c := range r.completers {
		c.Reset()
	}
	r.completers = make(map[string]*Completer[T])
}
