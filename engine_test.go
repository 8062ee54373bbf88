package librtc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pion/webrtc/v4"
)

type engineFixture struct {
	signal  *mockSignalClient
	cleaner *mockCleanUp
	engine  *ConnectionEngine

	lock       sync.Mutex
	transports map[TransportRole]*mockTransport
}

func newEngineFixture(t *testing.T, opts EngineOptions) *engineFixture {
	t.Helper()

	f := &engineFixture{
		signal:     &mockSignalClient{},
		cleaner:    &mockCleanUp{},
		transports: make(map[TransportRole]*mockTransport),
	}

	factory := func(role TransportRole, config webrtc.Configuration, observer TransportObserver) (Transport, error) {
		tr := newMockTransport(role, observer)
		f.lock.Lock()
		f.transports[role] = tr
		f.lock.Unlock()
		return tr, nil
	}

	f.engine = NewConnectionEngine(NewWriterLogger(io.Discard), f.signal, factory, f.cleaner, opts)
	return f
}

func (f *engineFixture) transport(role TransportRole) *mockTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.transports[role]
}

// driveTransportConnected flips the given transport to connected as soon as
// it exists, retrying until stop closes. Retrying covers completer resets
// happening after an early state flip.
func (f *engineFixture) driveTransportConnected(role TransportRole, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if tr := f.transport(role); tr != nil {
					tr.setState(webrtc.PeerConnectionStateConnected)
				}
			}
		}
	}()
}

func joinResponse(subscriberPrimary bool) ConnectResponse {
	return ConnectResponse{Join: &JoinResponse{SubscriberPrimary: subscriberPrimary}}
}

func reconnectResponse() ConnectResponse {
	return ConnectResponse{Reconnect: &ReconnectResponse{}}
}

func (f *engineFixture) connect(t *testing.T) {
	t.Helper()

	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{}).
		Return(joinResponse(true), nil).Once()

	stop := make(chan struct{})
	defer close(stop)
	f.driveTransportConnected(TransportRoleSubscriber, stop)

	require.NoError(t, f.engine.Connect(context.Background(), "wss://example", "tok"))
	require.Equal(t, ConnectionStateConnected, f.engine.State())
}

func TestEngineConnect(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: time.Second})

	var connected bool
	f.engine.On(EventConnect, func(EventType) {
		connected = true
	})

	f.connect(t)

	require.True(t, connected)
	require.NotNil(t, f.transport(TransportRolePublisher))
	require.NotNil(t, f.transport(TransportRoleSubscriber))

	st := f.engine.state.read()
	require.True(t, st.subscriberPrimary)
	require.Equal(t, []DataChannelInfo{
		{Label: DataChannelReliableLabel},
		{Label: DataChannelLossyLabel},
	}, st.dataChannels)

	f.signal.AssertExpectations(t)
}

func TestEngineConnectPublisherPrimaryNegotiates(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: time.Second})

	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{}).
		Return(joinResponse(false), nil).Once()

	stop := make(chan struct{})
	defer close(stop)
	f.driveTransportConnected(TransportRolePublisher, stop)

	require.NoError(t, f.engine.Connect(context.Background(), "wss://example", "tok"))

	// With the publisher as primary transport, negotiation is proactive.
	pub := f.transport(TransportRolePublisher)
	require.NotNil(t, pub)
	require.True(t, pub.wasNegotiated())
}

func TestEngineConnectTimesOutWithoutConnectivity(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: 100 * time.Millisecond})

	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{}).
		Return(joinResponse(true), nil).Once()

	err := f.engine.Connect(context.Background(), "wss://example", "tok")
	require.ErrorIs(t, err, ErrTimedOut)
	require.Equal(t, ConnectionStateDisconnected, f.engine.State())
}

func TestEngineConnectInvalidFromNonDisconnected(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: time.Second})
	f.connect(t)

	err := f.engine.Connect(context.Background(), "wss://example", "tok")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestEngineReconnectInvalidWhenDisconnected(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{})

	err := f.engine.Reconnect(context.Background(), ReconnectModeQuick)
	require.ErrorIs(t, err, ErrInvalidState)
	f.cleaner.AssertNotCalled(t, "CleanUpWithError", mock.Anything)
}

func TestEngineReconnectGuardRejectsSecondSequence(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{
		ConnectTimeout:    time.Second,
		ReconnectAttempts: 1,
	})
	f.connect(t)

	gate := make(chan struct{})
	f.signal.tapConnect = func(opts ConnectOptions) {
		if opts.Reconnect {
			<-gate
		}
	}
	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{Reconnect: true}).
		Return(reconnectResponse(), nil).Once()
	f.signal.On("SendSyncState", mock.Anything).Return(nil)
	f.signal.On("ResumeQueues").Return()

	stop := make(chan struct{})
	defer close(stop)
	f.driveTransportConnected(TransportRoleSubscriber, stop)

	first := make(chan error, 1)
	go func() {
		first <- f.engine.Reconnect(context.Background(), ReconnectModeQuick)
	}()

	// Wait until the first sequence holds the in-progress guard.
	require.Eventually(t, func() bool {
		return f.engine.State() == ConnectionStateReconnecting
	}, time.Second, 5*time.Millisecond)

	err := f.engine.Reconnect(context.Background(), ReconnectModeQuick)
	require.ErrorIs(t, err, ErrInvalidState)

	close(gate)
	require.NoError(t, <-first)
	require.Equal(t, ConnectionStateConnected, f.engine.State())
}

func TestEngineReconnectRetriesThenSucceeds(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{
		ConnectTimeout:    500 * time.Millisecond,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	})
	f.connect(t)

	attemptErr := errors.New("signal unreachable")
	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{Reconnect: true}).
		Return(ConnectResponse{}, attemptErr).Twice()
	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{Reconnect: true}).
		Return(reconnectResponse(), nil).Once()
	f.signal.On("SendSyncState", mock.Anything).Return(nil)
	f.signal.On("ResumeQueues").Return()

	var reconnected bool
	f.engine.On(EventReconnected, func(EventType) {
		reconnected = true
	})

	stop := make(chan struct{})
	defer close(stop)
	f.driveTransportConnected(TransportRoleSubscriber, stop)

	require.NoError(t, f.engine.Reconnect(context.Background(), ReconnectModeQuick))

	require.Equal(t, ConnectionStateConnected, f.engine.State())
	require.True(t, reconnected)

	st := f.engine.state.read()
	require.Equal(t, ReconnectModeNone, st.reconnectMode)
	require.Equal(t, ReconnectModeNone, st.nextReconnectMode)

	f.signal.AssertExpectations(t)
	f.cleaner.AssertNotCalled(t, "CleanUpWithError", mock.Anything)
}

func TestEngineFullReconnectFailureIsTerminal(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{
		ConnectTimeout:    500 * time.Millisecond,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	})
	f.connect(t)

	// The escalated attempt re-runs the initial connect sequence and fails.
	cause := errors.New("join rejected")
	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{}).
		Return(ConnectResponse{}, cause).Once()
	f.signal.On("Close").Return().Maybe()
	f.cleaner.On("CleanUp", true).Return().Once()
	f.cleaner.On("CleanUpWithError", mock.Anything).Return().Once()

	var disconnected bool
	f.engine.On(EventDisconnect, func(EventType) {
		disconnected = true
	})

	err := f.engine.Reconnect(context.Background(), ReconnectModeFull)
	require.ErrorIs(t, err, cause)

	// Full is the last resort: no further attempts after its failure.
	require.Equal(t, ConnectionStateDisconnected, f.engine.State())
	require.True(t, disconnected)
	f.signal.AssertNumberOfCalls(t, "Connect", 2) // initial connect + one full attempt
	f.cleaner.AssertExpectations(t)

	pub := f.transport(TransportRolePublisher)
	require.True(t, pub.isClosed())
}

func TestEngineReconnectCancellationExitsSilently(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{
		ConnectTimeout:    500 * time.Millisecond,
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Minute,
	})
	f.connect(t)

	attemptErr := errors.New("signal unreachable")
	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{Reconnect: true}).
		Return(ConnectResponse{}, attemptErr).Once()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.engine.Reconnect(ctx, ReconnectModeQuick)
	}()

	// Attempt 1 fails, then the inter-attempt delay observes cancellation.
	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, ErrCancelled)
	f.cleaner.AssertNotCalled(t, "CleanUpWithError", mock.Anything)
}

func TestEnginePublisherFailureTriggersReconnectOnlyWhenPublished(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{
		ConnectTimeout:    200 * time.Millisecond,
		ReconnectAttempts: 1,
		ReconnectDelay:    10 * time.Millisecond,
	})
	f.connect(t)

	// Nothing published: a publisher failure must not start a sequence.
	f.transport(TransportRolePublisher).setState(webrtc.PeerConnectionStateFailed)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, ConnectionStateConnected, f.engine.State())

	f.engine.TrackPublished("track-1")

	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{Reconnect: true}).
		Return(reconnectResponse(), nil)
	f.signal.On("SendSyncState", mock.Anything).Return(nil)
	f.signal.On("ResumeQueues").Return()

	stop := make(chan struct{})
	defer close(stop)
	f.driveTransportConnected(TransportRoleSubscriber, stop)
	f.driveTransportConnected(TransportRolePublisher, stop)

	f.transport(TransportRolePublisher).setState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		st := f.engine.state.read()
		return st.connection == ConnectionStateConnected && st.reconnectMode == ReconnectModeNone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineExecuteWhenConnected(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: time.Second})

	runs := 0
	f.engine.ExecuteWhenConnected(func() { runs++ })
	require.Equal(t, 0, runs)

	f.connect(t)
	require.Equal(t, 1, runs)

	// Already connected: runs inline.
	f.engine.ExecuteWhenConnected(func() { runs++ })
	require.Equal(t, 2, runs)
}

func TestEngineSyncStateContents(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: time.Second})
	f.connect(t)

	f.engine.TrackPublished("pub-1")
	f.engine.TrackSubscribed("sub-1")
	f.engine.TrackSubscribed("sub-2")
	f.engine.TrackUnsubscribed("sub-1")

	answer := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}
	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}
	f.transport(TransportRoleSubscriber).LocalDescriptionFunc = func() *webrtc.SessionDescription {
		return answer
	}
	f.transport(TransportRolePublisher).LocalDescriptionFunc = func() *webrtc.SessionDescription {
		return offer
	}

	var captured SyncState
	f.signal.On("SendSyncState", mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(0).(SyncState)
	}).Return(nil).Once()

	require.NoError(t, f.engine.sendSyncState())
	require.Equal(t, answer, captured.Answer)
	require.Equal(t, offer, captured.Offer)
	require.Equal(t, []string{"sub-2"}, captured.Subscription)
	require.Equal(t, []string{"pub-1"}, captured.PublishTracks)
	require.Len(t, captured.DataChannels, 2)
}

func TestEngineCloseCancelsWaiters(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: time.Second})
	f.connect(t)

	f.signal.On("Close").Return().Once()

	f.engine.primaryConnected.Reset()
	pending := make(chan error, 1)
	go func() {
		_, err := f.engine.primaryConnected.WaitTimeout(context.Background(), time.Minute)
		pending <- err
	}()
	time.Sleep(20 * time.Millisecond)

	f.engine.Close()

	require.ErrorIs(t, <-pending, ErrCancelled)
	require.Equal(t, ConnectionStateDisconnected, f.engine.State())
	require.True(t, f.transport(TransportRolePublisher).isClosed())
	require.True(t, f.transport(TransportRoleSubscriber).isClosed())
}

func TestEngineStaleTransportCannotResolveNextCycle(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: 100 * time.Millisecond})

	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{}).
		Return(joinResponse(true), nil).Twice()

	err := f.engine.Connect(context.Background(), "wss://example", "tok")
	require.ErrorIs(t, err, ErrTimedOut)

	// The pair from the failed cycle is discarded but still holds its
	// observer. A late connectivity flip from it must change nothing.
	stale := f.transport(TransportRoleSubscriber)
	require.NotNil(t, stale)
	stale.setState(webrtc.PeerConnectionStateConnected)

	err = f.engine.Connect(context.Background(), "wss://example", "tok")
	require.ErrorIs(t, err, ErrTimedOut)
	require.Equal(t, ConnectionStateDisconnected, f.engine.State())

	f.signal.AssertExpectations(t)
}

func TestEngineDeferredActionMayCloseEngine(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: time.Second})

	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{}).
		Return(joinResponse(true), nil).Once()
	f.signal.On("Close").Return().Once()

	// The deferred action itself drives a state transition. Delivery must
	// queue it instead of deadlocking on the notification path.
	f.engine.ExecuteWhenConnected(func() {
		f.engine.Close()
	})

	stop := make(chan struct{})
	defer close(stop)
	f.driveTransportConnected(TransportRoleSubscriber, stop)

	done := make(chan error, 1)
	go func() {
		done <- f.engine.Connect(context.Background(), "wss://example", "tok")
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connect never returned: deferred action blocked state delivery")
	}

	require.Equal(t, ConnectionStateDisconnected, f.engine.State())
	f.signal.AssertExpectations(t)
}

func TestEngineResumeRequiresReconnectResponse(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{ConnectTimeout: time.Second})
	f.connect(t)

	// A join-shaped answer to a reconnect-mode connect means the server did
	// not recognize the session; the resume must not proceed.
	f.signal.On("Connect", mock.Anything, "wss://example", "tok", ConnectOptions{Reconnect: true}).
		Return(joinResponse(true), nil).Once()

	err := f.engine.resumeConnection(context.Background())
	require.ErrorIs(t, err, ErrCannotConnect)

	f.signal.AssertNotCalled(t, "SendSyncState", mock.Anything)
	f.signal.AssertExpectations(t)
}

func TestDefaultReconnectPolicy(t *testing.T) {
	cases := []struct {
		name     string
		attempt  int
		max      int
		current  ReconnectMode
		override ReconnectMode
		want     ReconnectMode
	}{
		{"first attempt starts quick", 1, 3, ReconnectModeQuick, ReconnectModeNone, ReconnectModeQuick},
		{"override escalates to full", 1, 3, ReconnectModeQuick, ReconnectModeFull, ReconnectModeFull},
		{"current full stays full", 2, 3, ReconnectModeFull, ReconnectModeNone, ReconnectModeFull},
		{"final attempt forced quick without override", 3, 3, ReconnectModeFull, ReconnectModeNone, ReconnectModeQuick},
		{"final attempt honors pending override", 3, 3, ReconnectModeQuick, ReconnectModeFull, ReconnectModeFull},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DefaultReconnectPolicy(tc.attempt, tc.max, tc.current, tc.override)
			require.Equal(t, tc.want, got)
		})
	}
}
