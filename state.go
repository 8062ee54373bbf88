package librtc

import (
	"fmt"
	"sync"
)

// ConnectionState is the lifecycle state of a session.
type ConnectionState int32

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ReconnectMode selects the recovery strategy of a reconnect attempt.
type ReconnectMode byte

const (
	ReconnectModeNone ReconnectMode = iota
	// ReconnectModeQuick restarts ICE in place, reusing existing transports.
	ReconnectModeQuick
	// ReconnectModeFull tears everything down and connects from scratch.
	ReconnectModeFull
)

func (m ReconnectMode) String() string {
	switch m {
	case ReconnectModeQuick:
		return "quick"
	case ReconnectModeFull:
		return "full"
	default:
		return "none"
	}
}

type (
	// sessionState is the logically atomic container for everything the
	// engine mutates: connection state, reconnect-mode flags, transport
	// handles and the bookkeeping the sync-state message is built from.
	// Never handed out by reference; reads get a snapshot copy.
	sessionState struct {
		connection        ConnectionState
		reconnectMode     ReconnectMode
		nextReconnectMode ReconnectMode

		// generation counts transport lifecycles. Callbacks from a
		// transport pair of an older generation are stale and ignored.
		generation uint64

		url   string
		token string

		subscriberPrimary bool

		publisher  Transport
		subscriber Transport

		publishedTracks  []string
		subscribedTracks []string
		dataChannels     []DataChannelInfo
	}

	stateChangeListener func(newState, oldState ConnectionState)

	stateTransition struct {
		newState, oldState ConnectionState
	}

	// stateStore serializes every read and mutation of the session state.
	// Connection-state transitions are pushed to registered listeners in
	// mutation order; listeners run outside the state lock. Delivery goes
	// through a FIFO drained by a single dispatching goroutine, so a
	// listener may itself trigger a further transition without deadlocking.
	stateStore struct {
		lock  sync.Mutex
		state sessionState

		notifyLock  sync.Mutex
		pending     []stateTransition
		dispatching bool

		listenersMu sync.RWMutex
		listeners   []stateChangeListener
	}
)

func newStateStore() *stateStore {
	return &stateStore{}
}

// onStateChange registers a listener for connection-state transitions.
func (s *stateStore) onStateChange(fn stateChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.listeners = append(s.listeners, fn)
}

// read returns a consistent snapshot of the session state.
func (s *stateStore) read() sessionState {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.snapshotLocked()
}

// connectionState returns only the current connection state.
func (s *stateStore) connectionState() ConnectionState {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state.connection
}

// mutate applies transform under the state lock and returns the resulting
// snapshot. Multi-field decisions, such as computing the next reconnect mode
// and committing it, happen atomically inside transform; derived values leave
// through variables the closure captures. If the connection state changed,
// listeners are notified after the lock is released, in mutation order.
func (s *stateStore) mutate(transform func(*sessionState)) sessionState {
	s.lock.Lock()
	old := s.state.connection
	transform(&s.state)
	next := s.snapshotLocked()
	s.lock.Unlock()

	if next.connection != old {
		s.notify(next.connection, old)
	}
	return next
}

// notify appends the transition to the delivery queue. Whichever caller
// finds no dispatch in progress becomes the dispatcher and drains the queue
// in order; a transition triggered from inside a listener, on this or any
// other goroutine, enqueues and is delivered by the active dispatcher.
func (s *stateStore) notify(newState, oldState ConnectionState) {
	s.notifyLock.Lock()
	s.pending = append(s.pending, stateTransition{newState: newState, oldState: oldState})
	if s.dispatching {
		s.notifyLock.Unlock()
		return
	}
	s.dispatching = true

	for len(s.pending) > 0 {
		tr := s.pending[0]
		s.pending = s.pending[1:]
		s.notifyLock.Unlock()

		s.listenersMu.RLock()
		listeners := make([]stateChangeListener, len(s.listeners))
		copy(listeners, s.listeners)
		s.listenersMu.RUnlock()

		for _, fn := range listeners {
			fn(tr.newState, tr.oldState)
		}

		s.notifyLock.Lock()
	}

	s.dispatching = false
	s.notifyLock.Unlock()
}

func (s *stateStore) snapshotLocked() sessionState {
	snap := s.state
	snap.publishedTracks = append([]string(nil), s.state.publishedTracks...)
	snap.subscribedTracks = append([]string(nil), s.state.subscribedTracks...)
	snap.dataChannels = append([]DataChannelInfo(nil), s.state.dataChannels...)
	return snap
}

// hasPublished reports whether any local track has been published, which
// decides if publisher connectivity participates in reconnect completion.
func (st sessionState) hasPublished() bool {
	return len(st.publishedTracks) > 0
}

// primaryTransport returns the transport designated to carry the main
// connectivity signal for the session.
func (st sessionState) primaryTransport() Transport {
	if st.subscriberPrimary {
		return st.subscriber
	}
	return st.publisher
}

func (st sessionState) primaryRole() TransportRole {
	if st.subscriberPrimary {
		return TransportRoleSubscriber
	}
	return TransportRolePublisher
}
