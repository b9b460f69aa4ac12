// Package session runs one participant's side of a mesh call: it polls the
// signal log, reconciles presence, drives a peer link per remote participant
// and feeds them local media.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/client"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
)

var (
	ErrNotJoined = errors.New("session has not joined a room")
	ErrLeft      = errors.New("session has left the room")

	errLinkFailed = errors.New("peer connection failed")
)

// API is the signaling server as seen by a session.
type API interface {
	Join(ctx context.Context, roomID, displayName string) (models.JoinRoomResponse, error)
	Leave(ctx context.Context, roomID string, creds client.Credentials) error
	Participants(ctx context.Context, roomID string, creds client.Credentials) ([]models.Participant, error)
	PostSignal(ctx context.Context, roomID string, creds client.Credentials, kind models.SignalKind, to *string, payload any) (int64, error)
	PollSignals(ctx context.Context, roomID string, creds client.Credentials, afterSeq int64, limit int) (models.PollSignalsResponse, error)
}

type Options struct {
	PollInterval     time.Duration
	PresenceInterval time.Duration
	PollLimit        int
	// OfferRetryAfter re-sends an unanswered offer on the next presence pass.
	OfferRetryAfter time.Duration
	// FailureThreshold consecutive transient failures raise WarningNetwork.
	FailureThreshold int
	LeaveTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 900 * time.Millisecond
	}
	if o.PresenceInterval <= 0 {
		o.PresenceInterval = 2500 * time.Millisecond
	}
	if o.PollLimit <= 0 {
		o.PollLimit = 100
	}
	if o.OfferRetryAfter <= 0 {
		o.OfferRetryAfter = 10 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.LeaveTimeout <= 0 {
		o.LeaveTimeout = 2 * time.Second
	}
	return o
}

// maxOutbox bounds the signals waiting for one remote.
const maxOutbox = 128

type outgoing struct {
	kind    models.SignalKind
	payload any
}

type command struct {
	fn     func(ctx context.Context) error
	result chan error
}

// Session is one participant in one room.
//
// All state below is owned by the goroutine running Run. Methods documented
// as loop-only must be called from that goroutine, or from a test that does
// not call Run.
type Session struct {
	api      API
	engine   peer.Engine
	media    *media.Controller
	observer Observer
	opts     Options
	log      zerolog.Logger
	now      func() time.Time

	roomID string
	self   models.Participant
	creds  client.Credentials

	links    *peer.Table
	known    map[string]models.Participant
	departed map[string]struct{}
	tiles    map[string]struct{}
	cursor   int64

	// work queued by media changes and new links, flushed after each step
	pendingOffers map[string]struct{}
	rebroadcast   bool
	// answers and candidates that failed transiently, per remote
	outbox map[string][]outgoing

	failures      int
	networkWarned bool
	halted        bool
	left          bool

	// engine callbacks wait in events until the loop runs them; wake is
	// signalled on every enqueue
	eventsMu sync.Mutex
	events   []func(ctx context.Context)
	wake     chan struct{}

	commands chan command
	done     chan struct{}
}

func New(api API, engine peer.Engine, ctrl *media.Controller, observer Observer, opts Options, log zerolog.Logger) *Session {
	if observer == nil {
		observer = LogObserver{Log: log}
	}
	return &Session{
		api:           api,
		engine:        engine,
		media:         ctrl,
		observer:      observer,
		opts:          opts.withDefaults(),
		log:           log.With().Str("component", "session").Logger(),
		now:           time.Now,
		links:         peer.NewTable(),
		known:         make(map[string]models.Participant),
		departed:      make(map[string]struct{}),
		tiles:         make(map[string]struct{}),
		pendingOffers: make(map[string]struct{}),
		outbox:        make(map[string][]outgoing),
		wake:          make(chan struct{}, 1),
		commands:      make(chan command),
		done:          make(chan struct{}),
	}
}

// Self returns the participant this session joined as.
func (s *Session) Self() models.Participant { return s.self }

func (s *Session) RoomID() string { return s.roomID }

// Table exposes the link table. Loop-only.
func (s *Session) Table() *peer.Table { return s.links }

// Cursor is the last consumed seq. Loop-only.
func (s *Session) Cursor() int64 { return s.cursor }

// Join registers with the room, acquires local media and creates links to
// the participants already present. Media failures are reported as warnings
// and do not fail the join.
func (s *Session) Join(ctx context.Context, roomID, displayName string) error {
	res, err := s.api.Join(ctx, roomID, displayName)
	if err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	s.roomID = roomID
	s.self = res.Participant
	s.creds = client.Credentials{ParticipantID: res.Participant.ID, Secret: res.Participant.Secret}
	s.log = s.log.With().Str("room_id", roomID).Str("participant_id", s.self.ID).Logger()
	s.log.Info().Int("others", len(res.Others)).Msg("Joined room")

	s.media.Bind(s, s)
	s.reportMediaError(s.media.AcquireLocalMedia(ctx))

	for _, p := range res.Others {
		s.known[p.ID] = p
		s.ensureLink(p.ID)
	}
	s.flush(ctx)
	return nil
}

// Run drives the session until ctx is cancelled or Leave is called. On
// return the session has left the room.
func (s *Session) Run(ctx context.Context) error {
	if s.self.ID == "" {
		return ErrNotJoined
	}
	defer close(s.done)

	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()
	presence := time.NewTicker(s.opts.PresenceInterval)
	defer presence.Stop()

	s.Reconcile(ctx)
	s.PollOnce(ctx)

	for !s.left {
		pollC, presenceC := poll.C, presence.C
		if s.halted {
			pollC, presenceC = nil, nil
		}

		select {
		case <-ctx.Done():
			s.Teardown(context.Background())
			return nil
		case <-pollC:
			s.PollOnce(ctx)
		case <-presenceC:
			s.Reconcile(ctx)
		case <-s.wake:
			s.runEvents(ctx)
			s.flush(ctx)
		case cmd := <-s.commands:
			cmd.result <- cmd.fn(ctx)
			s.flush(ctx)
		}
	}
	return nil
}

// Do runs fn on the session loop and waits for its result.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, result: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrLeft
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain runs the callbacks queued by the peer engine. Loop-only.
func (s *Session) Drain(ctx context.Context) {
	s.runEvents(ctx)
	s.flush(ctx)
}

// runEvents runs queued callbacks, including ones queued while it runs.
func (s *Session) runEvents(ctx context.Context) {
	for {
		s.eventsMu.Lock()
		batch := s.events
		s.events = nil
		s.eventsMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			ev(ctx)
		}
	}
}

// enqueue hands an engine callback to the loop. Safe from any goroutine and
// never blocks.
func (s *Session) enqueue(ev func(ctx context.Context)) {
	s.eventsMu.Lock()
	s.events = append(s.events, ev)
	s.eventsMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Leave tears the session down through the running loop.
func (s *Session) Leave(ctx context.Context) error {
	err := s.Do(ctx, func(ctx context.Context) error {
		s.Teardown(ctx)
		return nil
	})
	if errors.Is(err, ErrLeft) {
		return nil
	}
	return err
}

// Teardown stops polling, closes every link, releases local media and tells
// the server we left. The server call is bounded by LeaveTimeout and its
// failure does not stop the teardown. Loop-only.
func (s *Session) Teardown(ctx context.Context) {
	if s.left {
		return
	}
	s.left = true

	for _, link := range s.links.Links() {
		s.removePeer(link.RemoteID())
	}
	s.media.Stop()

	if s.self.ID == "" {
		return
	}
	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LeaveTimeout)
	defer cancel()
	if err := s.api.Leave(leaveCtx, s.roomID, s.creds); err != nil {
		s.log.Debug().Err(err).Msg("Leave request failed")
	}
	s.log.Info().Msg("Left room")
}

func (s *Session) ToggleAudio(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context) error {
		return s.mediaCommand(s.media.ToggleAudio(ctx))
	})
}

func (s *Session) ToggleVideo(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context) error {
		return s.mediaCommand(s.media.ToggleVideo(ctx))
	})
}

func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context) error {
		return s.mediaCommand(s.media.StartScreenShare(ctx))
	})
}

func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context) error {
		return s.mediaCommand(s.media.StopScreenShare(ctx))
	})
}

// RetryMedia retries acquiring devices that failed earlier.
func (s *Session) RetryMedia(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context) error {
		return s.mediaCommand(s.media.AcquireLocalMedia(ctx))
	})
}

// RetryPeer drops the link to remoteID and builds a fresh one.
func (s *Session) RetryPeer(ctx context.Context, remoteID string) error {
	return s.Do(ctx, func(ctx context.Context) error {
		s.RecreateLink(ctx, remoteID)
		return nil
	})
}

// LinkStates reports the state of every link.
func (s *Session) LinkStates(ctx context.Context) (map[string]peer.State, error) {
	states := make(map[string]peer.State)
	err := s.Do(ctx, func(context.Context) error {
		for _, link := range s.links.Links() {
			states[link.RemoteID()] = link.State()
		}
		return nil
	})
	return states, err
}

func (s *Session) mediaCommand(err error) error {
	s.reportMediaError(err)
	return err
}

func (s *Session) reportMediaError(err error) {
	if err == nil {
		return
	}
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		s.observer.Warning(Warning{Kind: WarningMedia, Err: e, Retryable: true})
	}
}

// flush sends the offers, retries and media broadcast queued during a step.
func (s *Session) flush(ctx context.Context) {
	if s.left || s.halted {
		return
	}
	s.flushOutbox(ctx)
	for id := range s.pendingOffers {
		delete(s.pendingOffers, id)
		if link, ok := s.links.Get(id); ok {
			s.sendOffer(ctx, link)
		}
	}
	if s.rebroadcast {
		s.rebroadcast = false
		if err := s.media.BroadcastMediaState(ctx); err != nil {
			s.rebroadcast = true
		}
	}
}
