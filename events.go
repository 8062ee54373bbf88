package librtc

// EventType identifies a session lifecycle transition emitted by the engine.
type EventType byte

const (
	// EventConnect fires when the initial connect sequence completes.
	EventConnect EventType = iota + 1
	// EventReconnecting fires when a reconnect sequence starts.
	EventReconnecting
	// EventReconnected fires when a reconnect sequence succeeds.
	EventReconnected
	// EventDisconnect fires on a terminal disconnect, after retries have been
	// exhausted or a full reconnect failed.
	EventDisconnect
)

func (e EventType) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

type emitter[K comparable, V any] interface {
	// On registers a new listener for the given event.
	On(event K, listener callback[V])

	// Emit triggers all listeners registered for the given event synchronously.
	Emit(event K, data V)

	// Close removes all listeners.
	Close()
}
