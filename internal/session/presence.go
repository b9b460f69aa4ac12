package session

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
)

// Reconcile makes the link table match the server's participant list and
// sends any offers that are owed. Loop-only.
func (s *Session) Reconcile(ctx context.Context) {
	if s.left || s.halted {
		return
	}
	participants, err := s.api.Participants(ctx, s.roomID, s.creds)
	if err != nil {
		s.requestFailed(err)
		return
	}
	s.requestSucceeded()

	present := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p.ID == s.self.ID || !p.Active() {
			continue
		}
		if _, gone := s.departed[p.ID]; gone {
			continue
		}
		present[p.ID] = struct{}{}
		s.known[p.ID] = p
		s.ensureLink(p.ID)
	}

	for _, id := range s.links.IDs() {
		if _, ok := present[id]; !ok {
			delete(s.known, id)
			s.removePeer(id)
		}
	}

	now := s.now()
	for _, link := range s.links.Links() {
		if link.NeedsOffer(now, s.opts.OfferRetryAfter) {
			s.pendingOffers[link.RemoteID()] = struct{}{}
		}
	}
	s.flush(ctx)
}

// ensureLink returns the link to remoteID, creating it if needed. It returns
// nil for ourselves, for departed participants and when the engine fails.
func (s *Session) ensureLink(remoteID string) *peer.Link {
	if remoteID == s.self.ID || s.left {
		return nil
	}
	if _, gone := s.departed[remoteID]; gone {
		return nil
	}
	if link, ok := s.links.Get(remoteID); ok {
		return link
	}

	var link *peer.Link
	// current reports whether an engine callback still belongs to the link in
	// the table. Runs on the loop.
	current := func() bool {
		cur, ok := s.links.Get(remoteID)
		return ok && cur == link
	}

	conn, err := s.engine.NewConnection(remoteID, peer.Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			s.enqueue(func(ctx context.Context) {
				if current() {
					s.deliver(ctx, models.SignalKindICE, remoteID, c)
				}
			})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			s.enqueue(func(context.Context) {
				if current() {
					s.connectivityChanged(link, state)
				}
			})
		},
		OnTrack: func(kind webrtc.RTPCodecType) {
			s.enqueue(func(context.Context) {
				if current() {
					s.observer.TrackAdded(remoteID, kind)
				}
			})
		},
	})
	if err != nil {
		s.log.Error().Err(err).Str("remote_id", remoteID).Msg("Failed to create peer connection")
		return nil
	}

	link = peer.NewLink(s.self.ID, remoteID, conn, s.log)
	s.links.Put(link)
	if err := s.media.Attach(link); err != nil {
		s.log.Warn().Err(err).Str("remote_id", remoteID).Msg("Failed to attach local tracks")
	}

	if _, ok := s.tiles[remoteID]; !ok {
		s.tiles[remoteID] = struct{}{}
		p, ok := s.known[remoteID]
		if !ok {
			p = models.Participant{ID: remoteID}
		}
		s.observer.TileAdded(p)
	}

	if link.IsOfferer() {
		s.pendingOffers[remoteID] = struct{}{}
	}
	// newcomers learn our media state from a fresh broadcast
	s.rebroadcast = true
	s.log.Debug().Str("remote_id", remoteID).Bool("offerer", link.IsOfferer()).Msg("Created peer link")
	return link
}

func (s *Session) connectivityChanged(link *peer.Link, state webrtc.PeerConnectionState) {
	link.SetConnectivity(state)
	s.log.Debug().Str("remote_id", link.RemoteID()).Str("state", state.String()).Msg("Peer connectivity changed")
	if state != webrtc.PeerConnectionStateFailed {
		return
	}
	s.observer.Warning(Warning{
		Kind:          WarningConnectivity,
		ParticipantID: link.RemoteID(),
		Err:           errLinkFailed,
		Retryable:     true,
	})
	s.removePeer(link.RemoteID())
}

// RecreateLink replaces the link to remoteID with a fresh one. Loop-only.
func (s *Session) RecreateLink(ctx context.Context, remoteID string) {
	s.dropLink(remoteID)
	s.ensureLink(remoteID)
	s.flush(ctx)
}

// dropLink closes and forgets the link but keeps the tile.
func (s *Session) dropLink(remoteID string) {
	delete(s.pendingOffers, remoteID)
	delete(s.outbox, remoteID)
	link, ok := s.links.Remove(remoteID)
	if !ok {
		return
	}
	if err := link.Close(); err != nil {
		s.log.Debug().Err(err).Str("remote_id", remoteID).Msg("Error closing peer link")
	}
}

// removePeer closes the link and removes the tile.
func (s *Session) removePeer(remoteID string) {
	s.dropLink(remoteID)
	if _, ok := s.tiles[remoteID]; ok {
		delete(s.tiles, remoteID)
		s.observer.TileRemoved(remoteID)
	}
}

// ReplaceTrack swaps the outgoing track on every link.
func (s *Session) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) {
	for _, link := range s.links.Links() {
		if err := link.SetTrack(kind, track); err != nil {
			s.log.Warn().Err(err).Str("remote_id", link.RemoteID()).Msg("Failed to replace track")
		}
	}
}

// Renegotiate queues an offer on every link we offer for.
func (s *Session) Renegotiate() {
	for _, link := range s.links.Links() {
		if link.RequestRenegotiation() {
			s.pendingOffers[link.RemoteID()] = struct{}{}
		}
	}
}
