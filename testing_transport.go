package librtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

type mockTransport struct {
	role     TransportRole
	observer TransportObserver

	NegotiateFunc          func()
	CreateAndSendOfferFunc func(iceRestart bool) error
	SetConfigurationFunc   func(config webrtc.Configuration) error
	DataChannelFunc        func(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	LocalDescriptionFunc   func() *webrtc.SessionDescription

	lock       sync.Mutex
	state      webrtc.PeerConnectionState
	closed     bool
	negotiated bool
}

func newMockTransport(role TransportRole, observer TransportObserver) *mockTransport {
	return &mockTransport{
		role:     role,
		observer: observer,
		state:    webrtc.PeerConnectionStateNew,
	}
}

// setState records the new state and delivers it through the observer, the
// way a real transport pushes state changes from its own goroutine.
func (t *mockTransport) setState(state webrtc.PeerConnectionState) {
	t.lock.Lock()
	t.state = state
	t.lock.Unlock()

	t.observer.OnStateChanged(t.role, state)
}

func (t *mockTransport) Role() TransportRole { return t.role }

func (t *mockTransport) ConnectionState() webrtc.PeerConnectionState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}

func (t *mockTransport) Negotiate() {
	t.lock.Lock()
	t.negotiated = true
	t.lock.Unlock()

	if t.NegotiateFunc != nil {
		t.NegotiateFunc()
	}
}

func (t *mockTransport) wasNegotiated() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.negotiated
}

func (t *mockTransport) CreateAndSendOffer(iceRestart bool) error {
	if t.CreateAndSendOfferFunc != nil {
		return t.CreateAndSendOfferFunc(iceRestart)
	}
	return nil
}

func (t *mockTransport) SetConfiguration(config webrtc.Configuration) error {
	if t.SetConfigurationFunc != nil {
		return t.SetConfigurationFunc(config)
	}
	return nil
}

func (t *mockTransport) DataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	if t.DataChannelFunc != nil {
		return t.DataChannelFunc(label, init)
	}
	return &mockDataChannel{label: label}, nil
}

func (t *mockTransport) LocalDescription() *webrtc.SessionDescription {
	if t.LocalDescriptionFunc != nil {
		return t.LocalDescriptionFunc()
	}
	return nil
}

func (t *mockTransport) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
}

func (t *mockTransport) isClosed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

type mockDataChannel struct {
	label string
	id    uint16
}

func (d *mockDataChannel) Label() string          { return d.label }
func (d *mockDataChannel) ID() uint16             { return d.id }
func (d *mockDataChannel) Send(data []byte) error { return nil }
func (d *mockDataChannel) Close() error           { return nil }
