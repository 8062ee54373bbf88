package librtc

import (
	"sync"
)

type (
	// StateCondition is a predicate over a connection-state transition.
	// oldState is nil when the predicate is evaluated outside a transition,
	// at enqueue time, against the current state.
	StateCondition func(newState ConnectionState, oldState *ConnectionState) bool

	deferredAction struct {
		execute StateCondition
		remove  StateCondition
		action  func()
	}

	// ConditionalExecutionQueue holds deferred actions gated by a predicate
	// over connection state. Entries are evaluated on every observed state
	// transition, in insertion order, and execute at most once. Actions
	// capture only what they need; the queue never holds a reference back to
	// its owner, so it stays safe to drain while the owner is torn down.
	ConditionalExecutionQueue struct {
		logger  Logger
		current func() ConnectionState

		lock    sync.Mutex
		entries []deferredAction
	}
)

// NewConditionalExecutionQueue builds a queue whose enqueue-time evaluation
// reads the current connection state through current.
func NewConditionalExecutionQueue(logger Logger, current func() ConnectionState) *ConditionalExecutionQueue {
	return &ConditionalExecutionQueue{
		logger:  logger.WithField("component", "exec_queue"),
		current: current,
	}
}

// Enqueue registers action to run once execute holds. If execute already
// holds for the current state, action runs synchronously before Enqueue
// returns and is never deferred. A nil remove keeps the entry pending until
// it executes; otherwise the entry is dropped without executing as soon as
// remove holds on a transition where execute does not.
func (q *ConditionalExecutionQueue) Enqueue(execute, remove StateCondition, action func()) {
	if execute(q.current(), nil) {
		q.logger.Debugln("condition already holds, executing inline")
		action()
		return
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	q.entries = append(q.entries, deferredAction{
		execute: execute,
		remove:  remove,
		action:  action,
	})
}

// OnStateChange evaluates every pending entry against the transition, in
// insertion order. Matching entries are collected under the lock and their
// actions run after it is released, so an action may enqueue further entries
// without deadlocking.
func (q *ConditionalExecutionQueue) OnStateChange(newState, oldState ConnectionState) {
	q.lock.Lock()

	var runnable []func()
	remaining := q.entries[:0]
	for _, e := range q.entries {
		switch {
		case e.execute(newState, &oldState):
			runnable = append(runnable, e.action)
		case e.remove != nil && e.remove(newState, &oldState):
			// dropped without executing
		default:
			remaining = append(remaining, e)
		}
	}
	q.entries = remaining
	q.lock.Unlock()

	for _, action := range runnable {
		action()
	}
}

// Len returns the number of pending entries.
func (q *ConditionalExecutionQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.entries)
}

// Clear drops every pending entry without executing it.
func (q *ConditionalExecutionQueue) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.entries = nil
}
