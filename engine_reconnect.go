package librtc

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DefaultReconnectPolicy reproduces the escalation behavior of the reference
// client: an explicit escalation request, or a previous full attempt, selects
// full mode; otherwise attempts stay quick. On the final attempt, when no
// escalation is pending, the mode is forced back to quick. Supply your own
// ReconnectPolicy to change this.
func DefaultReconnectPolicy(attempt, maxAttempts int, current, override ReconnectMode) ReconnectMode {
	if override == ReconnectModeFull || current == ReconnectModeFull {
		if attempt == maxAttempts && override == ReconnectModeNone {
			return ReconnectModeQuick
		}
		return ReconnectModeFull
	}
	return ReconnectModeQuick
}

// Reconnect starts a reconnect sequence. mode selects the initial strategy:
// ReconnectModeFull requests an immediate escalation, anything else starts
// quick. Only valid while connected; a sequence already in flight, missing
// connect parameters or missing transports fail immediately with
// ErrInvalidState and never spawn a second sequence.
func (e *ConnectionEngine) Reconnect(ctx context.Context, mode ReconnectMode) error {
	var invalid error
	e.state.mutate(func(s *sessionState) {
		// Checked and set under the same lock so two racing triggers cannot
		// both start a sequence.
		switch {
		case s.reconnectMode != ReconnectModeNone:
			invalid = errors.Wrap(ErrInvalidState, "reconnect already in progress")
		case s.connection != ConnectionStateConnected:
			invalid = errors.Wrapf(ErrInvalidState, "reconnect attempted while %s", s.connection)
		case s.url == "" || s.token == "":
			invalid = errors.Wrap(ErrInvalidState, "no previous connect parameters")
		case s.publisher == nil || s.subscriber == nil:
			invalid = errors.Wrap(ErrInvalidState, "transports not configured")
		default:
			s.connection = ConnectionStateReconnecting
			s.reconnectMode = ReconnectModeQuick
			if mode == ReconnectModeFull {
				s.nextReconnectMode = ReconnectModeFull
			}
		}
	})
	if invalid != nil {
		return invalid
	}

	return e.reconnectLoop(ctx)
}

// RequestFullReconnect marks the next reconnect attempt for escalation to
// full mode, typically because of error severity observed elsewhere.
func (e *ConnectionEngine) RequestFullReconnect() {
	e.state.mutate(func(s *sessionState) {
		s.nextReconnectMode = ReconnectModeFull
	})
}

// reconnectLoop runs bounded attempts with a fixed inter-attempt delay.
// A failed full attempt ends the loop at once: full is the last resort.
// Exhaustion surfaces a single terminal disconnect carrying the last error.
func (e *ConnectionEngine) reconnectLoop(ctx context.Context) error {
	e.emitter.Emit(EventReconnecting, EventReconnecting)

	var lastErr error

	for attempt := 1; attempt <= e.opts.ReconnectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return e.abortReconnect(ctx.Err())
			case <-time.After(e.opts.ReconnectDelay):
			}
		}

		var mode ReconnectMode
		e.state.mutate(func(s *sessionState) {
			mode = e.opts.Policy(attempt, e.opts.ReconnectAttempts, s.reconnectMode, s.nextReconnectMode)
			s.reconnectMode = mode
			s.nextReconnectMode = ReconnectModeNone
		})

		e.logger.Infof("reconnect attempt %d/%d, %s mode", attempt, e.opts.ReconnectAttempts, mode)

		var err error
		if mode == ReconnectModeFull {
			err = e.restartConnection(ctx)
		} else {
			err = e.resumeConnection(ctx)
		}

		if err == nil {
			e.state.mutate(func(s *sessionState) {
				s.connection = ConnectionStateConnected
				s.reconnectMode = ReconnectModeNone
			})
			e.emitter.Emit(EventReconnected, EventReconnected)
			return nil
		}

		if isCancelled(err) {
			return e.abortReconnect(err)
		}

		e.logger.Warnf("reconnect attempt %d failed: %s", attempt, err)
		lastErr = err

		if mode == ReconnectModeFull {
			break
		}
	}

	e.endCycle()
	e.state.mutate(func(s *sessionState) {
		s.connection = ConnectionStateDisconnected
		s.reconnectMode = ReconnectModeNone
		s.nextReconnectMode = ReconnectModeNone
	})
	e.emitter.Emit(EventDisconnect, EventDisconnect)
	e.cleaner.CleanUpWithError(lastErr)
	return lastErr
}

// abortReconnect exits a cancelled sequence silently: flags are cleared and
// the error surfaces to the caller, but no clean-up-with-error happens.
func (e *ConnectionEngine) abortReconnect(cause error) error {
	e.endCycle()
	e.state.mutate(func(s *sessionState) {
		s.connection = ConnectionStateDisconnected
		s.reconnectMode = ReconnectModeNone
		s.nextReconnectMode = ReconnectModeNone
	})
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return errors.Wrap(ErrCancelled, cause.Error())
}

// resumeConnection is the quick path: re-run the signaling connect in
// reconnect mode, reconfigure the existing transports in place, reconcile
// server state, then restart ICE and wait for connectivity to come back.
func (e *ConnectionEngine) resumeConnection(ctx context.Context) error {
	st := e.state.read()
	if st.publisher == nil || st.subscriber == nil {
		return errors.Wrap(ErrInvalidState, "transports not configured")
	}

	res, err := e.signal.Connect(ctx, st.url, st.token, ConnectOptions{
		Reconnect:      true,
		AdaptiveStream: e.opts.AdaptiveStream,
	})
	if err != nil {
		return errors.Wrap(err, "signal reconnect")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}
	if res.Reconnect == nil {
		return errors.Wrap(ErrCannotConnect, "signal reconnect returned no reconnect response")
	}

	if len(res.Reconnect.ICEServers) > 0 {
		config := e.rtcConfiguration(res.Reconnect.ICEServers)
		if err := st.publisher.SetConfiguration(config); err != nil {
			return errors.Wrap(err, "reconfiguring publisher")
		}
		if err := st.subscriber.SetConfiguration(config); err != nil {
			return errors.Wrap(err, "reconfiguring subscriber")
		}
	}

	e.primaryConnected.Reset()
	e.publisherConnected.Reset()

	// The server reconciles subscriptions and channels before ICE restarts.
	if err := e.sendSyncState(); err != nil {
		return errors.Wrap(err, "sending sync state")
	}
	e.signal.ResumeQueues()

	if err := st.publisher.CreateAndSendOffer(true); err != nil {
		return errors.Wrap(err, "ice restart offer")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}

	if _, err := e.primaryConnected.WaitTimeout(ctx, e.opts.ConnectTimeout); err != nil {
		return errors.Wrap(err, "primary transport did not resume")
	}
	if st.hasPublished() {
		if _, err := e.publisherConnected.WaitTimeout(ctx, e.opts.ConnectTimeout); err != nil {
			return errors.Wrap(err, "publisher transport did not resume")
		}
	}
	return nil
}

// restartConnection is the full path: tear down transports and internal
// state completely, then run the entire initial connect sequence again with
// fresh transports.
func (e *ConnectionEngine) restartConnection(ctx context.Context) error {
	e.endCycle()

	st := e.state.read()
	url, token := st.url, st.token

	e.cleaner.CleanUp(true)

	if e.opts.ConnectParams != nil {
		params, err := e.opts.ConnectParams.Get(ctx)
		if err != nil {
			return errors.Wrap(err, "refreshing connect params")
		}
		url, token = params.URL, params.Token
		e.state.mutate(func(s *sessionState) {
			s.url, s.token = url, token
		})
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}

	return e.connect(ctx, url, token)
}

// sendSyncState describes the local session to the server: current
// subscriptions, both local descriptions, published tracks and open data
// channels.
func (e *ConnectionEngine) sendSyncState() error {
	st := e.state.read()

	sync := SyncState{
		Subscription:  st.subscribedTracks,
		PublishTracks: st.publishedTracks,
		DataChannels:  st.dataChannels,
	}
	if st.subscriber != nil {
		sync.Answer = st.subscriber.LocalDescription()
	}
	if st.publisher != nil {
		sync.Offer = st.publisher.LocalDescription()
	}
	return e.signal.SendSyncState(sync)
}
