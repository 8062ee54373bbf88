package librtc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/pion/webrtc/v4"
)

type (
	// CleanUp is the collaborator releasing application-level session
	// resources. Invoked by the engine, never owned by it.
	CleanUp interface {
		// CleanUp releases resources before a reconnect. isFullReconnect is
		// true when transports are being torn down and rebuilt from scratch.
		CleanUp(isFullReconnect bool)
		// CleanUpWithError releases everything after a terminal failure. The
		// error is the last one observed by the retry loop.
		CleanUpWithError(err error)
	}

	// ReconnectPolicy decides the mode of each reconnect attempt. attempt is
	// 1-based; current is the mode of the previous attempt (quick on the
	// first); override is a pending escalation requested by the caller,
	// consumed by the attempt it applies to.
	ReconnectPolicy func(attempt, maxAttempts int, current, override ReconnectMode) ReconnectMode

	EngineOptions struct {
		// ConnectTimeout bounds the wait for primary transport connectivity.
		ConnectTimeout time.Duration
		// ReconnectAttempts caps how many times one reconnect sequence retries.
		ReconnectAttempts int
		// ReconnectDelay is the fixed delay between attempts.
		ReconnectDelay time.Duration
		// ICEServers, when set, override the server-provided ICE servers.
		ICEServers []webrtc.ICEServer
		// ForceRelay restricts ICE to relay candidates.
		ForceRelay     bool
		AdaptiveStream bool
		// Policy defaults to DefaultReconnectPolicy.
		Policy ReconnectPolicy
		// ConnectParams, when set, refreshes URL and token before each full
		// reconnect.
		ConnectParams *SignalConnectParamsRepo
	}

	// ConnectionEngine drives the session lifecycle: transport configuration,
	// the full connect handshake, and the quick/full reconnection state
	// machine. Transport callbacks arrive through per-generation watchers so
	// a discarded transport pair cannot influence a later lifecycle cycle.
	ConnectionEngine struct {
		logger  Logger
		opts    EngineOptions
		signal  SignalClient
		factory TransportFactory
		cleaner CleanUp

		state   *stateStore
		queue   *ConditionalExecutionQueue
		emitter emitter[EventType, EventType]

		primaryConnected   *Completer[struct{}]
		publisherConnected *Completer[struct{}]
		rpcResponses       *CompleterRegistry[[]byte]
	}
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultReconnectAttempts = 3
	defaultReconnectDelay    = 2 * time.Second
)

func NewConnectionEngine(
	logger Logger,
	signal SignalClient,
	factory TransportFactory,
	cleaner CleanUp,
	opts EngineOptions,
) *ConnectionEngine {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = defaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Policy == nil {
		opts.Policy = DefaultReconnectPolicy
	}

	logger = logger.WithField("component", "connection_engine")

	state := newStateStore()
	queue := NewConditionalExecutionQueue(logger, state.connectionState)
	state.onStateChange(queue.OnStateChange)

	return &ConnectionEngine{
		logger:  logger,
		opts:    opts,
		signal:  signal,
		factory: factory,
		cleaner: cleaner,
		state:   state,
		queue:   queue,
		emitter: NewEventEmitter[EventType, EventType](),

		primaryConnected:   NewCompleter[struct{}](logger, "primary_connected", opts.ConnectTimeout),
		publisherConnected: NewCompleter[struct{}](logger, "publisher_connected", opts.ConnectTimeout),
		rpcResponses:       NewCompleterRegistry[[]byte](logger, opts.ConnectTimeout),
	}
}

// State returns the current connection state.
func (e *ConnectionEngine) State() ConnectionState {
	return e.state.connectionState()
}

// On registers a listener for a lifecycle event.
func (e *ConnectionEngine) On(event EventType, fn func(EventType)) {
	e.emitter.On(event, fn)
}

// RPCResponses exposes the pending signaling round-trip table: one completer
// per request id, resolved when the matching response arrives.
func (e *ConnectionEngine) RPCResponses() *CompleterRegistry[[]byte] {
	return e.rpcResponses
}

// ExecuteWhenConnected runs action as soon as the session is connected,
// inline if it already is. The action is dropped without running if the
// session terminally disconnects first.
func (e *ConnectionEngine) ExecuteWhenConnected(action func()) {
	e.queue.Enqueue(
		func(newState ConnectionState, _ *ConnectionState) bool {
			return newState == ConnectionStateConnected
		},
		func(newState ConnectionState, _ *ConnectionState) bool {
			return newState == ConnectionStateDisconnected
		},
		action,
	)
}

// Connect performs the initial connect sequence: signaling connect, transport
// construction, data channel setup and the wait for primary connectivity.
// Only valid from the disconnected state.
func (e *ConnectionEngine) Connect(ctx context.Context, url, token string) error {
	var invalid error
	e.state.mutate(func(s *sessionState) {
		if s.connection != ConnectionStateDisconnected {
			invalid = errors.Wrapf(ErrInvalidState, "connect attempted while %s", s.connection)
			return
		}
		s.connection = ConnectionStateConnecting
		s.url = url
		s.token = token
	})
	if invalid != nil {
		return invalid
	}

	if err := e.connect(ctx, url, token); err != nil {
		// The cycle ends here: transports go away and every completer must
		// return to unresolved, or a late callback from the discarded pair
		// would leak a stale resolution into the next Connect.
		e.endCycle()
		e.state.mutate(func(s *sessionState) {
			s.connection = ConnectionStateDisconnected
		})
		return err
	}

	e.state.mutate(func(s *sessionState) {
		s.connection = ConnectionStateConnected
	})
	e.emitter.Emit(EventConnect, EventConnect)
	return nil
}

// connect runs the handshake shared by initial connects and full reconnects.
// The caller owns the surrounding state transitions.
func (e *ConnectionEngine) connect(ctx context.Context, url, token string) error {
	res, err := e.signal.Connect(ctx, url, token, ConnectOptions{
		AdaptiveStream: e.opts.AdaptiveStream,
	})
	if err != nil {
		return errors.Wrap(err, "signal connect")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}
	if res.Join == nil {
		return errors.Wrap(ErrCannotConnect, "signal connect returned no join response")
	}

	config := e.rtcConfiguration(res.Join.ICEServers)
	if err := e.configureTransports(config, res.Join.SubscriberPrimary); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}

	if !res.Join.SubscriberPrimary {
		// The publisher carries the primary connectivity signal, so kick off
		// its negotiation right away instead of waiting for a publish.
		st := e.state.read()
		st.publisher.Negotiate()
	}

	if _, err := e.primaryConnected.WaitTimeout(ctx, e.opts.ConnectTimeout); err != nil {
		return errors.Wrap(err, "primary transport did not connect")
	}
	return nil
}

func (e *ConnectionEngine) configureTransports(config webrtc.Configuration, subscriberPrimary bool) error {
	watcher := &transportWatcher{engine: e, generation: e.state.read().generation}

	publisher, err := e.factory(TransportRolePublisher, config, watcher)
	if err != nil {
		return errors.Wrap(err, "creating publisher transport")
	}
	subscriber, err := e.factory(TransportRoleSubscriber, config, watcher)
	if err != nil {
		publisher.Close()
		return errors.Wrap(err, "creating subscriber transport")
	}

	ordered := true
	reliable, err := publisher.DataChannel(DataChannelReliableLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		publisher.Close()
		subscriber.Close()
		return errors.Wrap(err, "opening reliable data channel")
	}

	retransmits := uint16(0)
	lossy, err := publisher.DataChannel(DataChannelLossyLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		publisher.Close()
		subscriber.Close()
		return errors.Wrap(err, "opening lossy data channel")
	}

	e.state.mutate(func(s *sessionState) {
		s.publisher = publisher
		s.subscriber = subscriber
		s.subscriberPrimary = subscriberPrimary
		s.dataChannels = []DataChannelInfo{
			{Label: reliable.Label(), ID: reliable.ID()},
			{Label: lossy.Label(), ID: lossy.ID()},
		}
	})
	return nil
}

// rtcConfiguration builds the transport configuration from server-provided
// ICE servers, caller overrides and the forced-relay policy.
func (e *ConnectionEngine) rtcConfiguration(serverICE []webrtc.ICEServer) webrtc.Configuration {
	ice := serverICE
	if len(e.opts.ICEServers) > 0 {
		ice = e.opts.ICEServers
	}
	config := webrtc.Configuration{ICEServers: ice}
	if e.opts.ForceRelay {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return config
}

// transportWatcher is the TransportObserver handed to each transport pair.
// It is pinned to the generation that created it, so callbacks from a pair
// that has since been discarded never reach the engine.
type transportWatcher struct {
	engine     *ConnectionEngine
	generation uint64
}

func (w *transportWatcher) live() bool {
	return w.generation == w.engine.state.read().generation
}

// OnOffer implements TransportObserver. Only publisher offers travel to the
// server; subscriber negotiation is server-initiated.
func (w *transportWatcher) OnOffer(role TransportRole, sdp webrtc.SessionDescription) {
	if !w.live() || role != TransportRolePublisher {
		return
	}
	e := w.engine
	if err := e.signal.SendOffer(sdp); err != nil {
		e.logger.Errorf("sending %s offer: %s", role, err)
	}
}

// OnICECandidate implements TransportObserver.
func (w *transportWatcher) OnICECandidate(role TransportRole, candidate webrtc.ICECandidateInit) {
	if !w.live() {
		return
	}
	e := w.engine
	if err := e.signal.SendCandidate(candidate, role); err != nil {
		e.logger.Errorf("sending %s candidate: %s", role, err)
	}
}

// OnDataChannelOpened implements TransportObserver.
func (w *transportWatcher) OnDataChannelOpened(role TransportRole, label string) {
	w.engine.logger.Debugf("%s data channel %q opened", role, label)
}

// OnTrackAdded implements TransportObserver.
func (w *transportWatcher) OnTrackAdded(role TransportRole, trackID string) {
	if !w.live() || role != TransportRoleSubscriber {
		return
	}
	w.engine.TrackSubscribed(trackID)
}

// OnTrackRemoved implements TransportObserver.
func (w *transportWatcher) OnTrackRemoved(role TransportRole, trackID string) {
	if !w.live() || role != TransportRoleSubscriber {
		return
	}
	w.engine.TrackUnsubscribed(trackID)
}

// OnStateChanged implements TransportObserver. Connectivity milestones
// resolve the completers; primary or publisher failures trigger a quick
// reconnect.
func (w *transportWatcher) OnStateChanged(role TransportRole, state webrtc.PeerConnectionState) {
	e := w.engine

	st := e.state.read()
	if w.generation != st.generation {
		return
	}
	e.logger.Debugf("%s transport state %s", role, state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if role == st.primaryRole() {
			e.primaryConnected.Resolve(struct{}{})
		}
		if role == TransportRolePublisher {
			e.publisherConnected.Resolve(struct{}{})
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		primaryDown := role == st.primaryRole()
		publisherDown := role == TransportRolePublisher && st.hasPublished()
		if primaryDown || publisherDown {
			go e.tryReconnect(context.Background(), ReconnectModeQuick)
		}
	}
}

// tryReconnect starts a reconnect sequence from a transport-originated
// trigger. ErrInvalidState here is a benign race: another trigger won.
func (e *ConnectionEngine) tryReconnect(ctx context.Context, mode ReconnectMode) {
	if err := e.Reconnect(ctx, mode); err != nil {
		if errors.Is(err, ErrInvalidState) {
			e.logger.Debugf("reconnect not started: %s", err)
			return
		}
		e.logger.Errorf("reconnect failed: %s", err)
	}
}

// OnNetworkChanged reacts to a network-path change by starting a quick
// reconnect.
func (e *ConnectionEngine) OnNetworkChanged(ctx context.Context) error {
	return e.Reconnect(ctx, ReconnectModeQuick)
}

// TrackPublished records a published local track. Publisher connectivity
// participates in reconnect completion once anything has been published.
func (e *ConnectionEngine) TrackPublished(trackID string) {
	e.state.mutate(func(s *sessionState) {
		for _, id := range s.publishedTracks {
			if id == trackID {
				return
			}
		}
		s.publishedTracks = append(s.publishedTracks, trackID)
	})
}

func (e *ConnectionEngine) TrackUnpublished(trackID string) {
	e.state.mutate(func(s *sessionState) {
		s.publishedTracks = removeString(s.publishedTracks, trackID)
	})
}

// TrackSubscribed records a subscribed remote track for sync-state purposes.
func (e *ConnectionEngine) TrackSubscribed(trackID string) {
	e.state.mutate(func(s *sessionState) {
		for _, id := range s.subscribedTracks {
			if id == trackID {
				return
			}
		}
		s.subscribedTracks = append(s.subscribedTracks, trackID)
	})
}

func (e *ConnectionEngine) TrackUnsubscribed(trackID string) {
	e.state.mutate(func(s *sessionState) {
		s.subscribedTracks = removeString(s.subscribedTracks, trackID)
	})
}

// endCycle discards the current transport pair and returns every completer to
// unresolved. Bumping the generation turns any callback still in flight from
// the discarded pair into a no-op, so nothing resolved by the old pair can
// leak into the next connect or reconnect cycle.
func (e *ConnectionEngine) endCycle() {
	var publisher, subscriber Transport
	e.state.mutate(func(s *sessionState) {
		publisher, subscriber = s.publisher, s.subscriber
		s.publisher, s.subscriber = nil, nil
		s.dataChannels = nil
		s.generation++
	})

	if publisher != nil {
		publisher.Close()
	}
	if subscriber != nil {
		subscriber.Close()
	}

	e.primaryConnected.Reset()
	e.publisherConnected.Reset()
	e.rpcResponses.ResetAll()
}

// Close tears the session down. Pending waiters on any completer fail with
// ErrCancelled so no suspended caller is leaked.
func (e *ConnectionEngine) Close() {
	e.endCycle()
	e.state.mutate(func(s *sessionState) {
		s.connection = ConnectionStateDisconnected
		s.reconnectMode = ReconnectModeNone
		s.nextReconnectMode = ReconnectModeNone
		s.publishedTracks = nil
		s.subscribedTracks = nil
	})

	e.primaryConnected.Close()
	e.publisherConnected.Close()
	e.queue.Clear()
	e.signal.Close()
	e.emitter.Close()
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
