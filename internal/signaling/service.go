package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

const (
	maxRoomIDLength      = 128
	maxDisplayNameLength = 64
	guestDisplayName     = "Guest"
	secretBytes          = 32
)

// Options bounds the polling surface and the signal log.
type Options struct {
	DefaultPollLimit int
	MaxPollLimit     int
	MaxPayloadBytes  int
	SignalsPerSecond float64
	SignalBurst      int
	RoomTTL          time.Duration
	// NewParticipantID overrides the uuid generator.
	NewParticipantID func() string
}

func (o Options) withDefaults() Options {
	if o.DefaultPollLimit <= 0 {
		o.DefaultPollLimit = 100
	}
	if o.MaxPollLimit < o.DefaultPollLimit {
		o.MaxPollLimit = o.DefaultPollLimit
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = 64 * 1024
	}
	if o.RoomTTL <= 0 {
		o.RoomTTL = 24 * time.Hour
	}
	if o.NewParticipantID == nil {
		o.NewParticipantID = uuid.NewString
	}
	return o
}

// Service implements the room registry and the signal log on top of a Store.
type Service struct {
	store    Store
	notifier Notifier
	limiters *limiterSet
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, notifier Notifier, opts Options, log zerolog.Logger) *Service {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = NewHub()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		limiters: newLimiterSet(opts.SignalsPerSecond, opts.SignalBurst),
		opts:     opts,
		log:      log.With().Str("component", "signaling").Logger(),
		now:      time.Now,
	}
}

// CreateRoom allocates a new room id.
func (s *Service) CreateRoom(ctx context.Context) (string, error) {
	roomID := uuid.New().String()
	if err := s.store.CreateRoom(ctx, roomID, s.now()); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	s.log.Info().Str("room_id", roomID).Msg("Room created")
	return roomID, nil
}

// Join adds a new participant to roomID, creating the room on first join.
// The returned participant carries its secret; others do not.
func (s *Service) Join(ctx context.Context, roomID, displayName string) (models.Participant, []models.Participant, error) {
	if err := validateRoomID(roomID); err != nil {
		return models.Participant{}, nil, err
	}

	p, err := s.newParticipant(displayName)
	if err != nil {
		return models.Participant{}, nil, err
	}
	if err := s.store.AddParticipant(ctx, roomID, p); err != nil {
		return models.Participant{}, nil, fmt.Errorf("add participant: %w", err)
	}

	active, err := s.store.ActiveParticipants(ctx, roomID)
	if err != nil {
		return models.Participant{}, nil, fmt.Errorf("list participants: %w", err)
	}
	others := make([]models.Participant, 0, len(active))
	for _, other := range active {
		if other.ID != p.ID {
			others = append(others, other.Public())
		}
	}

	s.log.Info().
		Str("room_id", roomID).
		Str("participant_id", p.ID).
		Str("display_name", p.DisplayName).
		Int("others", len(others)).
		Msg("Participant joined")
	return p, others, nil
}

// Leave removes the participant from the active set and broadcasts a leave
// signal. Leaving again is a no-op.
func (s *Service) Leave(ctx context.Context, roomID, participantID, secret string) error {
	p, err := s.authenticate(ctx, roomID, participantID, secret)
	if err != nil {
		return err
	}
	if !p.Active() {
		return nil
	}

	removed, err := s.store.MarkDeparted(ctx, roomID, p.ID, s.now())
	if err != nil {
		return fmt.Errorf("mark departed: %w", err)
	}
	s.limiters.forget(p.ID)
	if !removed {
		return nil
	}

	if _, err := s.appendAndNotify(ctx, roomID, models.Signal{
		Kind: models.SignalKindLeave,
		From: p.ID,
	}); err != nil {
		return err
	}
	s.log.Info().Str("room_id", roomID).Str("participant_id", p.ID).Msg("Participant left")
	return nil
}

// Participants lists the active participants of the room without secrets.
func (s *Service) Participants(ctx context.Context, roomID, participantID, secret string) ([]models.Participant, error) {
	if _, err := s.authenticateActive(ctx, roomID, participantID, secret); err != nil {
		return nil, err
	}
	active, err := s.store.ActiveParticipants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]models.Participant, 0, len(active))
	for _, p := range active {
		out = append(out, p.Public())
	}
	return out, nil
}

// Post appends a signal authored by participantID and returns its seq.
func (s *Service) Post(ctx context.Context, roomID string, req models.PostSignalRequest) (int64, error) {
	p, err := s.authenticateActive(ctx, roomID, req.ParticipantID, req.Secret)
	if err != nil {
		return 0, err
	}
	if !req.Kind.Valid() {
		return 0, fmt.Errorf("%w: unknown signal kind %q", models.ErrInvalidRequest, req.Kind)
	}
	if len(req.Payload) > s.opts.MaxPayloadBytes {
		return 0, fmt.Errorf("%w: payload exceeds %d bytes", models.ErrInvalidRequest, s.opts.MaxPayloadBytes)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return 0, fmt.Errorf("%w: payload is not valid JSON", models.ErrInvalidRequest)
	}
	if req.To != nil {
		if *req.To == p.ID {
			return 0, fmt.Errorf("%w: cannot address a signal to yourself", models.ErrInvalidRequest)
		}
		if _, err := s.store.GetParticipant(ctx, roomID, *req.To); err != nil {
			return 0, fmt.Errorf("recipient: %w", err)
		}
	}
	if !s.limiters.allow(p.ID) {
		return 0, models.ErrRateLimited
	}

	return s.appendAndNotify(ctx, roomID, models.Signal{
		Kind:    req.Kind,
		From:    p.ID,
		To:      req.To,
		Payload: req.Payload,
	})
}

// Poll returns the signals after afterSeq that participantID may see, and
// records afterSeq as consumed.
//
// Signals addressed to others or authored by the caller are skipped but still
// advance the cursor, so NextAfterSeq always moves forward. Polling twice with
// the same afterSeq and no writes in between yields the same result.
func (s *Service) Poll(ctx context.Context, roomID, participantID, secret string, afterSeq int64, limit int) (models.PollSignalsResponse, error) {
	p, res, err := s.read(ctx, roomID, participantID, secret, afterSeq, limit)
	if err != nil {
		return models.PollSignalsResponse{}, err
	}
	s.advance(ctx, roomID, p.ID, afterSeq)
	return res, nil
}

// Fetch is Poll without recording afterSeq as consumed. Push transports use
// it for batches the client has not confirmed yet.
func (s *Service) Fetch(ctx context.Context, roomID, participantID, secret string, afterSeq int64, limit int) (models.PollSignalsResponse, error) {
	_, res, err := s.read(ctx, roomID, participantID, secret, afterSeq, limit)
	return res, err
}

// Ack records that participantID has processed every signal up to seq.
func (s *Service) Ack(ctx context.Context, roomID, participantID, secret string, seq int64) error {
	p, err := s.authenticateActive(ctx, roomID, participantID, secret)
	if err != nil {
		return err
	}
	if seq < 0 {
		return fmt.Errorf("%w: ack must not be negative", models.ErrInvalidRequest)
	}
	s.advance(ctx, roomID, p.ID, seq)
	return nil
}

func (s *Service) read(ctx context.Context, roomID, participantID, secret string, afterSeq int64, limit int) (models.Participant, models.PollSignalsResponse, error) {
	p, err := s.authenticateActive(ctx, roomID, participantID, secret)
	if err != nil {
		return models.Participant{}, models.PollSignalsResponse{}, err
	}
	if afterSeq < 0 {
		return models.Participant{}, models.PollSignalsResponse{}, fmt.Errorf("%w: afterSeq must not be negative", models.ErrInvalidRequest)
	}
	limit = s.normalizeLimit(limit)

	out := make([]models.Signal, 0)
	cursor := afterSeq
scan:
	for {
		batch, err := s.store.ReadSignals(ctx, roomID, cursor, limit)
		if errors.Is(err, models.ErrCursorExpired) && cursor < p.JoinSeq {
			// history from before the join is optional
			cursor = p.JoinSeq
			continue
		}
		if err != nil {
			return models.Participant{}, models.PollSignalsResponse{}, fmt.Errorf("read signals: %w", err)
		}
		for _, sig := range batch {
			cursor = sig.Seq
			if sig.VisibleTo(p.ID) {
				out = append(out, sig)
				if len(out) == limit {
					break scan
				}
			}
		}
		if len(batch) < limit {
			break
		}
	}
	return p, models.PollSignalsResponse{Signals: out, NextAfterSeq: cursor}, nil
}

func (s *Service) advance(ctx context.Context, roomID, participantID string, seq int64) {
	if err := s.store.AdvanceWatermark(ctx, roomID, participantID, seq); err != nil {
		s.log.Warn().Err(err).Str("room_id", roomID).Msg("Failed to advance watermark")
	}
}

// Subscribe is used by push transports to wait for new signals in a room.
func (s *Service) Subscribe(ctx context.Context, roomID string) (<-chan int64, func()) {
	return s.notifier.Subscribe(ctx, roomID)
}

// RoomStats reports the state of a room for operators.
func (s *Service) RoomStats(ctx context.Context, roomID string) (models.RoomStats, error) {
	return s.store.RoomStats(ctx, roomID)
}

// DeleteRoom drops a room and its whole signal log.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	s.log.Info().Str("room_id", roomID).Msg("Room deleted")
	return nil
}

func (s *Service) appendAndNotify(ctx context.Context, roomID string, sig models.Signal) (int64, error) {
	sig.CreatedAt = s.now().UTC()
	seq, err := s.store.AppendSignal(ctx, roomID, sig)
	if err != nil {
		return 0, fmt.Errorf("append signal: %w", err)
	}
	if err := s.notifier.Publish(ctx, roomID, seq); err != nil {
		s.log.Warn().Err(err).Str("room_id", roomID).Int64("seq", seq).Msg("Failed to notify subscribers")
	}
	return seq, nil
}

// authenticate checks the id/secret pair. Departed participants still
// authenticate so that leave stays idempotent.
func (s *Service) authenticate(ctx context.Context, roomID, participantID, secret string) (models.Participant, error) {
	if err := validateRoomID(roomID); err != nil {
		return models.Participant{}, err
	}
	if participantID == "" || secret == "" {
		return models.Participant{}, fmt.Errorf("%w: participantId and secret are required", models.ErrUnauthorized)
	}
	p, err := s.store.GetParticipant(ctx, roomID, participantID)
	if err != nil {
		return models.Participant{}, err
	}
	if subtle.ConstantTimeCompare([]byte(p.Secret), []byte(secret)) != 1 {
		return models.Participant{}, fmt.Errorf("%w: secret does not match participant", models.ErrUnauthorized)
	}
	return p, nil
}

func (s *Service) authenticateActive(ctx context.Context, roomID, participantID, secret string) (models.Participant, error) {
	p, err := s.authenticate(ctx, roomID, participantID, secret)
	if err != nil {
		return models.Participant{}, err
	}
	if !p.Active() {
		return models.Participant{}, fmt.Errorf("%w: participant has left the room", models.ErrNotFound)
	}
	return p, nil
}

func (s *Service) normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return s.opts.DefaultPollLimit
	case limit > s.opts.MaxPollLimit:
		return s.opts.MaxPollLimit
	}
	return limit
}

func (s *Service) newParticipant(displayName string) (models.Participant, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return models.Participant{}, fmt.Errorf("generate secret: %w", err)
	}

	name := strings.TrimSpace(displayName)
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		name = string([]rune(name)[:maxDisplayNameLength])
	}
	isGuest := name == ""
	if isGuest {
		name = guestDisplayName
	}

	return models.Participant{
		ID:          s.opts.NewParticipantID(),
		Secret:      base64.RawURLEncoding.EncodeToString(buf),
		DisplayName: name,
		IsGuest:     isGuest,
		CreatedAt:   s.now().UTC(),
	}, nil
}

func validateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: room id is required", models.ErrNotFound)
	}
	if len(roomID) > maxRoomIDLength || strings.ContainsAny(roomID, "/:") {
		return fmt.Errorf("%w: malformed room id", models.ErrInvalidRequest)
	}
	return nil
}
