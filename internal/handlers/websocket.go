package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// StreamSignals pushes poll results over a WebSocket. Each message has the
// same shape and cursor semantics as GET /rooms/:roomId/signal; the server
// wakes on new signals and also re-polls every fallback interval.
//
// Only the afterSeq presented on connect counts as consumed. Clients confirm
// later batches with {"ack": seq} text frames; until then the signals stay in
// the log and a reconnect from an older cursor sees them again.
func StreamSignals(svc *signaling.Service, fallback time.Duration, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q models.PollSignalsQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		roomID := c.Param("roomId")

		ctx, cancel := context.WithCancel(context.Background())
		wake, unsubscribe := svc.Subscribe(ctx, roomID)

		// fail with a plain HTTP status before upgrading
		first, err := svc.Poll(c.Request.Context(), roomID, q.ParticipantID, q.Secret, q.AfterSeq, q.Limit)
		if err != nil {
			unsubscribe()
			cancel()
			respondError(c, log, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			unsubscribe()
			cancel()
			log.Warn().Err(err).Msg("Failed to upgrade connection")
			return
		}

		s := &stream{
			svc:      svc,
			conn:     conn,
			roomID:   roomID,
			query:    q,
			fallback: fallback,
			log:      log.With().Str("room_id", roomID).Str("participant_id", q.ParticipantID).Logger(),
		}
		s.sent.Store(first.NextAfterSeq)
		go s.readPump(ctx, cancel)
		go func() {
			defer unsubscribe()
			s.writePump(ctx, wake, first)
		}()
	}
}

type stream struct {
	svc      *signaling.Service
	conn     *websocket.Conn
	roomID   string
	query    models.PollSignalsQuery
	fallback time.Duration
	log      zerolog.Logger

	// sent is the NextAfterSeq of the last batch written
	sent atomic.Int64
}

// readPump services control frames and acks; it cancels the stream when the
// client goes away.
func (s *stream) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var ack models.StreamAck
		if err := s.conn.ReadJSON(&ack); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Debug().Err(err).Msg("Ignoring malformed stream frame")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("Stream read error")
			}
			return
		}
		if sent := s.sent.Load(); ack.AfterSeq > sent {
			s.log.Debug().Int64("ack", ack.AfterSeq).Int64("sent", sent).Msg("Ignoring ack past the last batch")
			continue
		}
		if err := s.svc.Ack(ctx, s.roomID, s.query.ParticipantID, s.query.Secret, ack.AfterSeq); err != nil {
			s.log.Debug().Err(err).Msg("Failed to record ack")
			return
		}
	}
}

func (s *stream) writePump(ctx context.Context, wake <-chan int64, first models.PollSignalsResponse) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var fallbackC <-chan time.Time
	if s.fallback > 0 {
		fallback := time.NewTicker(s.fallback)
		defer fallback.Stop()
		fallbackC = fallback.C
	}
	defer s.conn.Close()

	if err := s.send(first); err != nil {
		return
	}
	cursor := first.NextAfterSeq
	// keep polling without waiting while batches come back non-empty
	more := len(first.Signals) > 0

	for {
		if !more {
			select {
			case <-ctx.Done():
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case <-ping.C:
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue

			case <-wake:
			case <-fallbackC:
			}
		}

		res, err := s.svc.Fetch(ctx, s.roomID, s.query.ParticipantID, s.query.Secret, cursor, s.query.Limit)
		if err != nil {
			s.log.Debug().Err(err).Msg("Closing stream")
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
			return
		}
		cursor = res.NextAfterSeq
		s.sent.Store(cursor)
		more = len(res.Signals) > 0
		if more {
			if err := s.send(res); err != nil {
				return
			}
		}
	}
}

func (s *stream) send(res models.PollSignalsResponse) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(res); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write stream message")
		return err
	}
	return nil
}
