package librtc

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type (
	// JoinResponse is the payload of an initial connect.
	JoinResponse struct {
		ICEServers        []webrtc.ICEServer
		SubscriberPrimary bool
	}

	// ReconnectResponse is the payload of a connect issued in reconnect mode.
	ReconnectResponse struct {
		ICEServers []webrtc.ICEServer
	}

	// ConnectResponse carries exactly one of Join or Reconnect.
	ConnectResponse struct {
		Join      *JoinResponse
		Reconnect *ReconnectResponse
	}

	// ConnectOptions tunes a single signaling connect call.
	ConnectOptions struct {
		Reconnect      bool
		AdaptiveStream bool
	}

	// SyncState describes the local session so the server can reconcile
	// state after a quick reconnect.
	SyncState struct {
		Answer        *webrtc.SessionDescription
		Offer         *webrtc.SessionDescription
		Subscription  []string
		PublishTracks []string
		DataChannels  []DataChannelInfo
	}

	// SignalClient is the boundary to the signaling server. The message
	// schema on the wire is out of scope; implementations translate these
	// calls into whatever their protocol requires.
	SignalClient interface {
		Connect(ctx context.Context, url, token string, opts ConnectOptions) (ConnectResponse, error)
		// ResumeQueues flushes messages queued while the socket was down.
		ResumeQueues()
		SendCandidate(candidate webrtc.ICECandidateInit, target TransportRole) error
		SendOffer(sdp webrtc.SessionDescription) error
		SendSyncState(state SyncState) error
		Close()
	}
)
