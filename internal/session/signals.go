package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-mesh/internal/client"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
)

// PollOnce fetches and dispatches everything after the cursor. Loop-only.
func (s *Session) PollOnce(ctx context.Context) {
	if s.left || s.halted {
		return
	}
	for {
		res, err := s.api.PollSignals(ctx, s.roomID, s.creds, s.cursor, s.opts.PollLimit)
		if err != nil {
			s.requestFailed(err)
			return
		}
		s.requestSucceeded()

		for _, sig := range res.Signals {
			if sig.Seq <= s.cursor {
				continue
			}
			s.dispatch(ctx, sig)
			s.cursor = sig.Seq
			if s.left || s.halted {
				return
			}
		}
		if res.NextAfterSeq > s.cursor {
			s.cursor = res.NextAfterSeq
		}
		s.flush(ctx)

		if len(res.Signals) < s.opts.PollLimit {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, sig models.Signal) {
	if sig.From == s.self.ID {
		return
	}
	if _, gone := s.departed[sig.From]; gone {
		return
	}
	log := s.log.With().Int64("seq", sig.Seq).Str("kind", string(sig.Kind)).Str("from", sig.From).Logger()

	switch sig.Kind {
	case models.SignalKindLeave:
		s.departed[sig.From] = struct{}{}
		delete(s.known, sig.From)
		s.removePeer(sig.From)

	case models.SignalKindOffer:
		var offer peer.Description
		if err := json.Unmarshal(sig.Payload, &offer); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed offer")
			return
		}
		s.handleOffer(ctx, sig.From, offer)

	case models.SignalKindAnswer:
		var answer peer.Description
		if err := json.Unmarshal(sig.Payload, &answer); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed answer")
			return
		}
		link, ok := s.links.Get(sig.From)
		if !ok {
			log.Debug().Msg("Answer for unknown link")
			return
		}
		renegotiate, err := link.ApplyAnswer(answer)
		if errors.Is(err, peer.ErrUnexpectedAnswer) {
			log.Debug().Err(err).Msg("Ignoring stale answer")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to apply answer")
			return
		}
		if renegotiate {
			s.pendingOffers[sig.From] = struct{}{}
		}

	case models.SignalKindICE:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &candidate); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed ICE candidate")
			return
		}
		link := s.ensureLink(sig.From)
		if link == nil {
			return
		}
		if err := link.AddCandidate(candidate); err != nil {
			log.Warn().Err(err).Msg("Failed to add ICE candidate")
		}

	case models.SignalKindMedia:
		var state models.MediaState
		if err := json.Unmarshal(sig.Payload, &state); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed media state")
			return
		}
		link := s.ensureLink(sig.From)
		if link == nil {
			return
		}
		link.SetMediaState(state)
		s.observer.MediaStateChanged(sig.From, state)

	default:
		log.Debug().Msg("Ignoring unknown signal kind")
	}
}

// handleOffer answers a remote offer. A link that cannot take the offer is
// rebuilt once before giving up.
func (s *Session) handleOffer(ctx context.Context, from string, offer peer.Description) {
	link := s.ensureLink(from)
	if link == nil {
		return
	}
	answer, err := link.ApplyOffer(offer)
	if errors.Is(err, peer.ErrUnexpectedOffer) {
		s.log.Warn().Str("from", from).Msg("Ignoring offer from the answering side of the pair")
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("from", from).Msg("Failed to apply offer, recreating link")
		s.dropLink(from)
		if link = s.ensureLink(from); link == nil {
			return
		}
		if answer, err = link.ApplyOffer(offer); err != nil {
			s.log.Error().Err(err).Str("from", from).Msg("Failed to apply offer on fresh link")
			return
		}
	}
	s.deliver(ctx, models.SignalKindAnswer, from, answer)
}

// sendOffer posts the link's next offer if it owes one.
func (s *Session) sendOffer(ctx context.Context, link *peer.Link) {
	if !link.IsOfferer() {
		return
	}
	offer, err := link.NextOffer(s.now())
	if err != nil {
		if !errors.Is(err, peer.ErrNegotiating) {
			s.log.Warn().Err(err).Str("remote_id", link.RemoteID()).Msg("Failed to create offer")
		}
		return
	}
	to := link.RemoteID()
	// a lost offer is re-sent by the presence pass once it goes stale
	s.post(ctx, models.SignalKindOffer, &to, offer)
}

// post sends a signal.
func (s *Session) post(ctx context.Context, kind models.SignalKind, to *string, payload any) error {
	if s.left || s.halted {
		return ErrLeft
	}
	if _, err := s.api.PostSignal(ctx, s.roomID, s.creds, kind, to, payload); err != nil {
		s.log.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to post signal")
		s.requestFailed(err)
		return err
	}
	s.requestSucceeded()
	return nil
}

// deliver posts a signal to one remote. Signals that fail transiently wait in
// the remote's outbox, and later ones queue behind them to keep their order.
func (s *Session) deliver(ctx context.Context, kind models.SignalKind, to string, payload any) {
	if s.left || s.halted {
		return
	}
	if len(s.outbox[to]) == 0 {
		err := s.post(ctx, kind, &to, payload)
		if err == nil || !client.IsTransient(err) {
			return
		}
	}
	if len(s.outbox[to]) >= maxOutbox {
		s.log.Warn().Str("remote_id", to).Str("kind", string(kind)).Msg("Outbox full, dropping signal")
		return
	}
	s.outbox[to] = append(s.outbox[to], outgoing{kind: kind, payload: payload})
}

// flushOutbox retries queued signals in order, stopping at the first remote
// whose head still fails.
func (s *Session) flushOutbox(ctx context.Context) {
	for to, queue := range s.outbox {
		for len(queue) > 0 {
			next := queue[0]
			err := s.post(ctx, next.kind, &to, next.payload)
			if err != nil && client.IsTransient(err) {
				break
			}
			queue = queue[1:]
			if s.left || s.halted {
				return
			}
		}
		if len(queue) == 0 {
			delete(s.outbox, to)
		} else {
			s.outbox[to] = queue
		}
	}
}

// BroadcastMediaState publishes local media state to the room.
func (s *Session) BroadcastMediaState(ctx context.Context, state models.MediaState) error {
	if s.left || s.halted {
		return ErrLeft
	}
	if _, err := s.api.PostSignal(ctx, s.roomID, s.creds, models.SignalKindMedia, nil, state); err != nil {
		s.requestFailed(err)
		return err
	}
	s.requestSucceeded()
	return nil
}

func (s *Session) requestFailed(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, models.ErrUnauthorized) || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrCursorExpired) {
		if !s.halted {
			s.halted = true
			s.log.Error().Err(err).Msg("Session rejected by server, stopping")
			s.observer.Warning(Warning{Kind: WarningSession, Err: err})
		}
		return
	}
	if !client.IsTransient(err) {
		return
	}
	s.failures++
	if s.failures >= s.opts.FailureThreshold && !s.networkWarned {
		s.networkWarned = true
		s.observer.Warning(Warning{Kind: WarningNetwork, Err: err, Retryable: true})
	}
}

func (s *Session) requestSucceeded() {
	s.failures = 0
	if s.networkWarned {
		s.networkWarned = false
		s.observer.WarningCleared(WarningNetwork)
	}
}
