package librtc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultCompleterTimeout bounds a Wait call when no per-call timeout is given.
const DefaultCompleterTimeout = 10 * time.Second

type (
	completerOutcome[T any] struct {
		value T
		err   error
	}

	// Completer is a single-resolution future. Any number of callers may wait
	// on it concurrently, each with its own timeout window; the first
	// Resolve or Fail fixes the terminal result for every pending and every
	// future waiter until Reset returns it to the unresolved state.
	//
	// A connection lifecycle repeats, so the same instance is resolved, reset
	// and resolved again. Holders keep their reference across cycles.
	Completer[T any] struct {
		label          string
		defaultTimeout time.Duration
		logger         Logger

		lock    sync.Mutex
		outcome *completerOutcome[T]
		waiters map[uuid.UUID]chan completerOutcome[T]
	}
)

// NewCompleter returns an unresolved completer. The label shows up in logs and
// error messages; defaultTimeout bounds Wait calls (DefaultCompleterTimeout
// when non-positive).
func NewCompleter[T any](logger Logger, label string, defaultTimeout time.Duration) *Completer[T] {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCompleterTimeout
	}
	return &Completer[T]{
		label:          label,
		defaultTimeout: defaultTimeout,
		logger:         logger.WithField("completer", label),
		waiters:        make(map[uuid.UUID]chan completerOutcome[T]),
	}
}

// Wait suspends the caller until the completer resolves, the default timeout
// elapses, or ctx is cancelled. See WaitTimeout.
func (c *Completer[T]) Wait(ctx context.Context) (T, error) {
	return c.WaitTimeout(ctx, c.defaultTimeout)
}

// WaitTimeout suspends the caller until exactly one of the following happens:
// the completer resolves (the resolved value or error is returned), timeout
// elapses (ErrTimedOut), or ctx is cancelled (ErrCancelled). Cancelling ctx
// or firing the timeout affects only this caller's wait entry, never another
// concurrent waiter. If the completer is already resolved, the result is
// returned immediately without registering a waiter or starting a timer.
func (c *Completer[T]) WaitTimeout(ctx context.Context, timeout time.Duration) (T, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.lock.Lock()
	if c.outcome != nil {
		out := *c.outcome
		c.lock.Unlock()
		return out.value, out.err
	}

	id := uuid.New()
	ch := make(chan completerOutcome[T], 1)
	c.waiters[id] = ch
	c.lock.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-timer.C:
		if c.removeWaiter(id) {
			c.logger.Debugf("wait timed out after %s", timeout)
			var zero T
			return zero, errors.Wrapf(ErrTimedOut, "%s after %s", c.label, timeout)
		}
		// Lost the race: a resolution already delivered to our channel.
		out := <-ch
		return out.value, out.err
	case <-ctx.Done():
		if c.removeWaiter(id) {
			var zero T
			return zero, errors.Wrap(ErrCancelled, ctx.Err().Error())
		}
		out := <-ch
		return out.value, out.err
	}
}

// removeWaiter reports whether the entry was still pending. A false return
// means a resolution has already placed an outcome on the entry's channel.
func (c *Completer[T]) removeWaiter(id uuid.UUID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.waiters[id]; !ok {
		return false
	}
	delete(c.waiters, id)
	return true
}

// Resolve fixes value as the terminal result and releases every pending
// waiter with it. Redundant once a result is in effect: multiple code paths
// may race to signal the same milestone, later calls are no-ops until Reset.
func (c *Completer[T]) Resolve(value T) {
	c.complete(completerOutcome[T]{value: value})
}

// Fail fixes err as the terminal result and releases every pending waiter
// with it. First write wins, as with Resolve.
func (c *Completer[T]) Fail(err error) {
	c.complete(completerOutcome[T]{err: err})
}

func (c *Completer[T]) complete(out completerOutcome[T]) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.outcome != nil {
		c.logger.Debugln("redundant resolution ignored")
		return
	}

	c.outcome = &out
	c.deliverLocked(out)
}

// deliverLocked hands out to every pending waiter and clears the pending set.
// Waiter channels are buffered, so delivery never blocks.
func (c *Completer[T]) deliverLocked(out completerOutcome[T]) {
	for id, ch := range c.waiters {
		ch <- out
		delete(c.waiters, id)
	}
}

// Reset fails every still-pending waiter with ErrCancelled and clears the
// terminal result, returning the completer to the unresolved state. Already
// completed waits are unaffected.
func (c *Completer[T]) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.deliverLocked(completerOutcome[T]{
		err: errors.Wrapf(ErrCancelled, "%s reset", c.label),
	})
	c.outcome = nil
}

// Resolved reports whether a terminal result is currently in effect.
func (c *Completer[T]) Resolved() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.outcome != nil
}

// Close releases the completer. Still-pending waiters fail with ErrCancelled
// so no suspended caller is leaked.
func (c *Completer[T]) Close() {
	c.Reset()
}
