// Package peertest provides an in-memory peer.Engine for tests.
package peertest

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-mesh/internal/peer"
)

// Engine hands out Conns and remembers every one it created.
type Engine struct {
	mu    sync.Mutex
	conns map[string][]*Conn
}

func NewEngine() *Engine {
	return &Engine{conns: make(map[string][]*Conn)}
}

func (e *Engine) NewConnection(remoteID string, h peer.Handlers) (peer.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &Conn{
		remoteID: remoteID,
		handlers: h,
		tracks:   make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
	e.conns[remoteID] = append(e.conns[remoteID], c)
	return c, nil
}

// Conns returns every connection created for remoteID, oldest first.
func (e *Engine) Conns(remoteID string) []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns[remoteID]...)
}

// Latest returns the newest connection for remoteID or nil.
func (e *Engine) Latest(remoteID string) *Conn {
	conns := e.Conns(remoteID)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// Conn records what a Link did to it.
type Conn struct {
	mu       sync.Mutex
	remoteID string
	handlers peer.Handlers

	offers     int
	answers    int
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     map[webrtc.RTPCodecType]webrtc.TrackLocal
	closed     bool

	// FailRemote, when set, is returned by the next SetRemoteDescription.
	FailRemote error
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-to-%s-%d", c.remoteID, c.offers),
	}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer-to-%s-%d", c.remoteID, c.answers),
	}, nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.FailRemote; err != nil {
		c.FailRemote = nil
		return err
	}
	c.remote = append(c.remote, desc)
	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) SetTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks[kind] = track
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *Conn) RemoteDescriptions() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.remote...)
}

// Candidates returns the applied candidates in application order.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks[kind]
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EmitCandidate simulates the engine gathering a local ICE candidate.
func (c *Conn) EmitCandidate(candidate string) {
	if c.handlers.OnICECandidate != nil {
		c.handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitState simulates a connectivity change.
func (c *Conn) EmitState(s webrtc.PeerConnectionState) {
	if c.handlers.OnConnectionState != nil {
		c.handlers.OnConnectionState(s)
	}
}

// EmitTrack simulates a remote track arriving.
func (c *Conn) EmitTrack(kind webrtc.RTPCodecType) {
	if c.handlers.OnTrack != nil {
		c.handlers.OnTrack(kind)
	}
}
