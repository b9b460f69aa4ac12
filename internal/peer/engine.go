package peer

import "github.com/pion/webrtc/v4"

// Handlers receive events from a Connection. They may be invoked from
// goroutines owned by the engine, so callers marshal them back onto their own
// loop before touching link state.
type Handlers struct {
	OnICECandidate    func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnTrack           func(kind webrtc.RTPCodecType)
}

// Engine creates the underlying peer connections.
type Engine interface {
	NewConnection(remoteID string, h Handlers) (Connection, error)
}

// Connection is the subset of a WebRTC peer connection a Link drives.
type Connection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// SetTrack swaps the outgoing track of the given kind in place. A nil
	// track stops sending without renegotiation.
	SetTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	Close() error
}
