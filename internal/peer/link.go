package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

var (
	ErrClosed           = errors.New("peer link closed")
	ErrNotOfferer       = errors.New("peer link is not the offerer for this pair")
	ErrNegotiating      = errors.New("peer link is negotiating")
	ErrUnexpectedOffer  = errors.New("unexpected offer")
	ErrUnexpectedAnswer = errors.New("unexpected answer")
)

// Description is the payload of offer and answer signals. An answer carries
// the OfferID of the offer it answers.
type Description struct {
	webrtc.SessionDescription
	OfferID string `json:"offerId,omitempty"`
}

// Negotiation tracks the offer/answer exchange of a link.
type Negotiation int

const (
	NegotiationNew Negotiation = iota
	NegotiationLocalOfferPending
	NegotiationRemoteOfferPending
	NegotiationStable
)

func (n Negotiation) String() string {
	switch n {
	case NegotiationNew:
		return "new"
	case NegotiationLocalOfferPending:
		return "local-offer-pending"
	case NegotiationRemoteOfferPending:
		return "remote-offer-pending"
	case NegotiationStable:
		return "stable"
	}
	return fmt.Sprintf("negotiation(%d)", int(n))
}

// State is the combined view of negotiation and connectivity.
type State int

const (
	StateNew State = iota
	StateLocalOfferPending
	StateRemoteOfferPending
	StateStable
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateNew:                "new",
	StateLocalOfferPending:  "local-offer-pending",
	StateRemoteOfferPending: "remote-offer-pending",
	StateStable:             "stable",
	StateConnected:          "connected",
	StateDisconnected:       "disconnected",
	StateFailed:             "failed",
	StateClosed:             "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsOfferer reports whether self makes the offers for the pair (self, remote).
// The lexicographically greater id always offers, so both sides agree.
func IsOfferer(self, remote string) bool {
	return self > remote
}

// Offerer returns the id that offers for the pair. Offerer(a, b) == Offerer(b, a).
func Offerer(a, b string) string {
	if IsOfferer(a, b) {
		return a
	}
	return b
}

// Link is the client side of one (self, remote) pair. It is not safe for
// concurrent use; a single coordination loop owns every link.
type Link struct {
	selfID   string
	remoteID string
	offerer  bool
	conn     Connection
	log      zerolog.Logger

	negotiation   Negotiation
	connectivity  webrtc.PeerConnectionState
	closed        bool
	remoteDescSet bool

	// candidates received before the remote description, in arrival order
	pendingCandidates []webrtc.ICECandidateInit

	offerInFlight        bool
	localOffer           *Description
	offerSentAt          time.Time
	renegotiationPending bool

	media models.MediaState
}

// NewLink wraps conn for the pair (selfID, remoteID).
func NewLink(selfID, remoteID string, conn Connection, log zerolog.Logger) *Link {
	return &Link{
		selfID:       selfID,
		remoteID:     remoteID,
		offerer:      IsOfferer(selfID, remoteID),
		conn:         conn,
		log:          log.With().Str("remote_id", remoteID).Logger(),
		connectivity: webrtc.PeerConnectionStateNew,
		media:        models.DefaultMediaState(),
	}
}

func (l *Link) RemoteID() string { return l.remoteID }

func (l *Link) IsOfferer() bool { return l.offerer }

func (l *Link) Negotiation() Negotiation { return l.negotiation }

func (l *Link) RemoteDescriptionSet() bool { return l.remoteDescSet }

func (l *Link) PendingCandidates() int { return len(l.pendingCandidates) }

// State reports connectivity once the transport has started, negotiation
// progress before that.
func (l *Link) State() State {
	if l.closed {
		return StateClosed
	}
	switch l.connectivity {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	switch l.negotiation {
	case NegotiationLocalOfferPending:
		return StateLocalOfferPending
	case NegotiationRemoteOfferPending:
		return StateRemoteOfferPending
	case NegotiationStable:
		return StateStable
	}
	return StateNew
}

// NeedsOffer reports whether the offerer side should send an offer now:
// the link was never negotiated, a renegotiation is queued, or the last offer
// went unanswered for longer than retryAfter.
func (l *Link) NeedsOffer(now time.Time, retryAfter time.Duration) bool {
	if l.closed || !l.offerer || l.offerInFlight {
		return false
	}
	switch l.negotiation {
	case NegotiationNew:
		return true
	case NegotiationStable:
		return !l.remoteDescSet || l.renegotiationPending
	case NegotiationLocalOfferPending:
		return retryAfter > 0 && now.Sub(l.offerSentAt) >= retryAfter
	}
	return false
}

// Offer creates a new local offer with a fresh OfferID. It is only valid on
// the offerer side and only while no other negotiation is running.
func (l *Link) Offer(now time.Time) (Description, error) {
	if l.closed {
		return Description{}, ErrClosed
	}
	if !l.offerer {
		return Description{}, ErrNotOfferer
	}
	if l.offerInFlight || (l.negotiation != NegotiationNew && l.negotiation != NegotiationStable) {
		return Description{}, ErrNegotiating
	}

	l.offerInFlight = true
	defer func() { l.offerInFlight = false }()

	sdp, err := l.conn.CreateOffer()
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	offer := Description{SessionDescription: sdp, OfferID: uuid.NewString()}
	l.localOffer = &offer
	l.offerSentAt = now
	l.renegotiationPending = false
	l.negotiation = NegotiationLocalOfferPending
	l.log.Debug().Msg("Created offer")
	return offer, nil
}

// ResendOffer returns the pending local offer again for a retry.
func (l *Link) ResendOffer(now time.Time) (Description, error) {
	if l.closed {
		return Description{}, ErrClosed
	}
	if l.negotiation != NegotiationLocalOfferPending || l.localOffer == nil {
		return Description{}, ErrNegotiating
	}
	l.offerSentAt = now
	return *l.localOffer, nil
}

// NextOffer returns what the offerer should post: a resend of an unanswered
// offer or a fresh one.
func (l *Link) NextOffer(now time.Time) (Description, error) {
	if l.negotiation == NegotiationLocalOfferPending {
		return l.ResendOffer(now)
	}
	return l.Offer(now)
}

// RequestRenegotiation asks for a new offer after the set of sent tracks
// changed. It reports true when an offer should be sent right away; requests
// made mid-negotiation are coalesced into one follow-up offer.
func (l *Link) RequestRenegotiation() bool {
	if l.closed || !l.offerer {
		return false
	}
	if l.negotiation == NegotiationStable && !l.offerInFlight {
		return true
	}
	l.renegotiationPending = true
	return false
}

// ApplyOffer applies a remote offer and returns the answer to post back.
func (l *Link) ApplyOffer(offer Description) (Description, error) {
	if l.closed {
		return Description{}, ErrClosed
	}
	if l.offerer {
		return Description{}, ErrUnexpectedOffer
	}

	l.negotiation = NegotiationRemoteOfferPending
	if err := l.conn.SetRemoteDescription(offer.SessionDescription); err != nil {
		return Description{}, fmt.Errorf("set remote offer: %w", err)
	}
	l.remoteDescSet = true
	l.flushCandidates()

	sdp, err := l.conn.CreateAnswer()
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	l.negotiation = NegotiationStable
	l.log.Debug().Msg("Applied offer")
	return Description{SessionDescription: sdp, OfferID: offer.OfferID}, nil
}

// ApplyAnswer completes a negotiation round started by Offer. It reports
// whether a coalesced renegotiation should follow. Answers to any other
// offer than the pending one are rejected.
func (l *Link) ApplyAnswer(answer Description) (bool, error) {
	if l.closed {
		return false, ErrClosed
	}
	if !l.offerer || l.negotiation != NegotiationLocalOfferPending {
		return false, ErrUnexpectedAnswer
	}
	if l.localOffer == nil || answer.OfferID != l.localOffer.OfferID {
		return false, fmt.Errorf("%w: answers offer %q", ErrUnexpectedAnswer, answer.OfferID)
	}

	if err := l.conn.SetRemoteDescription(answer.SessionDescription); err != nil {
		return false, fmt.Errorf("set remote answer: %w", err)
	}
	l.remoteDescSet = true
	l.flushCandidates()

	l.negotiation = NegotiationStable
	l.localOffer = nil
	l.offerSentAt = time.Time{}
	l.log.Debug().Msg("Applied answer")
	return l.renegotiationPending, nil
}

// AddCandidate applies a remote ICE candidate, or queues it until the remote
// description is in place.
func (l *Link) AddCandidate(c webrtc.ICECandidateInit) error {
	if l.closed {
		return ErrClosed
	}
	if !l.remoteDescSet {
		l.pendingCandidates = append(l.pendingCandidates, c)
		return nil
	}
	return l.conn.AddICECandidate(c)
}

func (l *Link) flushCandidates() {
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.log.Warn().Err(err).Msg("Failed to apply buffered ICE candidate")
		}
	}
	if len(pending) > 0 {
		l.log.Debug().Int("count", len(pending)).Msg("Flushed buffered ICE candidates")
	}
}

// SetConnectivity records the transport state reported by the engine.
func (l *Link) SetConnectivity(s webrtc.PeerConnectionState) {
	if l.closed {
		return
	}
	l.connectivity = s
}

func (l *Link) SetTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	if l.closed {
		return ErrClosed
	}
	return l.conn.SetTrack(kind, track)
}

func (l *Link) MediaState() models.MediaState { return l.media }

func (l *Link) SetMediaState(s models.MediaState) { l.media = s }

// Close tears the connection down. It is safe to call more than once.
func (l *Link) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.pendingCandidates = nil
	l.localOffer = nil
	return l.conn.Close()
}
