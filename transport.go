package librtc

import (
	"github.com/pion/webrtc/v4"
)

// TransportRole distinguishes the two peer connections of a session.
type TransportRole byte

const (
	TransportRolePublisher TransportRole = iota + 1
	TransportRoleSubscriber
)

func (r TransportRole) String() string {
	switch r {
	case TransportRolePublisher:
		return "publisher"
	case TransportRoleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Data channel labels opened on the publisher transport.
const (
	DataChannelReliableLabel = "_reliable"
	DataChannelLossyLabel    = "_lossy"
)

type (
	// DataChannelInfo describes an open data channel for sync-state purposes.
	DataChannelInfo struct {
		Label string
		ID    uint16
	}

	// DataChannel is the handle returned when a channel is opened on a
	// transport.
	DataChannel interface {
		Label() string
		ID() uint16
		Send(data []byte) error
		Close() error
	}

	// TransportObserver receives callbacks from a transport. Implementations
	// must tolerate delivery from the transport's own goroutines.
	TransportObserver interface {
		OnOffer(role TransportRole, sdp webrtc.SessionDescription)
		OnICECandidate(role TransportRole, candidate webrtc.ICECandidateInit)
		OnDataChannelOpened(role TransportRole, label string)
		OnTrackAdded(role TransportRole, trackID string)
		OnTrackRemoved(role TransportRole, trackID string)
		OnStateChanged(role TransportRole, state webrtc.PeerConnectionState)
	}

	// Transport is the boundary to one peer connection. The engine holds the
	// only strong reference to each instance and replaces, never mutates,
	// them on a full reconnect. ICE, DTLS and SDP mechanics live behind this
	// interface and are out of scope here.
	Transport interface {
		Role() TransportRole
		ConnectionState() webrtc.PeerConnectionState
		// Negotiate schedules an offer/answer round with the remote side.
		Negotiate()
		// CreateAndSendOffer generates a local offer, optionally restarting
		// ICE, and hands it to the observer via OnOffer.
		CreateAndSendOffer(iceRestart bool) error
		SetConfiguration(config webrtc.Configuration) error
		DataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
		LocalDescription() *webrtc.SessionDescription
		Close()
	}

	// TransportFactory builds one transport per role. A fresh pair is created
	// on connect and again on every full reconnect.
	TransportFactory func(role TransportRole, config webrtc.Configuration, observer TransportObserver) (Transport, error)
)
