package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/handlers"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
	"github.com/mossy-p/webrtc-mesh/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		AllowedOrigins: []string{"http://localhost:5173"},
		JWTSecret:      "test-secret",
		Admin:          config.AdminConfig{Username: "ops", Password: "hunter2"},
		Signaling: config.SignalingConfig{
			DefaultPollLimit:       100,
			MaxPollLimit:           500,
			MaxPayloadBytes:        1024,
			StreamFallbackInterval: 50 * time.Millisecond,
		},
	}
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	router, _ := newRouterWithService(t)
	return router
}

func newRouterWithService(t *testing.T) (*gin.Engine, *signaling.Service) {
	t.Helper()
	cfg := testConfig()
	svc := signaling.NewService(memory.NewStore(), signaling.NewHub(), signaling.Options{
		MaxPayloadBytes: cfg.Signaling.MaxPayloadBytes,
	}, zerolog.Nop())
	return handlers.NewRouter(cfg, svc, zerolog.Nop()), svc
}

func do(t *testing.T, router http.Handler, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func joinRoom(t *testing.T, router http.Handler, roomID, name string) models.Participant {
	t.Helper()
	w := do(t, router, http.MethodPost, "/rooms/"+roomID+"/join", models.JoinRoomRequest{DisplayName: name})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[models.JoinRoomResponse](t, w).Participant
}

func creds(p models.Participant) string {
	q := url.Values{}
	q.Set("participantId", p.ID)
	q.Set("secret", p.Secret)
	return q.Encode()
}

func TestHealth(t *testing.T) {
	w := do(t, newRouter(t), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateAndJoinRoom(t *testing.T) {
	router := newRouter(t)

	w := do(t, router, http.MethodPost, "/rooms", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	roomID := decode[models.CreateRoomResponse](t, w).RoomID
	require.NotEmpty(t, roomID)

	alice := joinRoom(t, router, roomID, "Alice")
	require.NotEmpty(t, alice.Secret)

	// join without a body makes a guest
	w = do(t, router, http.MethodPost, "/rooms/"+roomID+"/join", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.JoinRoomResponse](t, w)
	require.True(t, res.Participant.IsGuest)
	require.Len(t, res.Others, 1)
	require.Equal(t, alice.ID, res.Others[0].ID)
	require.NotContains(t, w.Body.String(), alice.Secret)

	w = do(t, router, http.MethodGet, "/rooms/"+roomID+"/participants?"+creds(alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[models.ParticipantsResponse](t, w).Participants, 2)
	require.NotContains(t, w.Body.String(), alice.Secret)
}

func TestSignalRoundTrip(t *testing.T) {
	router := newRouter(t)
	a := joinRoom(t, router, "R1", "A")
	b := joinRoom(t, router, "R1", "B")

	w := do(t, router, http.MethodPost, "/rooms/R1/signal", models.PostSignalRequest{
		ParticipantID: a.ID,
		Secret:        a.Secret,
		To:            &b.ID,
		Kind:          models.SignalKindOffer,
		Payload:       json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, int64(1), decode[models.PostSignalResponse](t, w).Seq)

	w = do(t, router, http.MethodGet, "/rooms/R1/signal?afterSeq=0&"+creds(b), nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[models.PollSignalsResponse](t, w)
	require.Len(t, res.Signals, 1)
	require.Equal(t, models.SignalKindOffer, res.Signals[0].Kind)
	require.Equal(t, a.ID, res.Signals[0].From)
	require.Equal(t, int64(1), res.NextAfterSeq)

	w = do(t, router, http.MethodGet, "/rooms/R1/signal?afterSeq=0&"+creds(a), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"signals":[],"nextAfterSeq":1}`, w.Body.String())
}

func TestErrorStatuses(t *testing.T) {
	router := newRouter(t)
	a := joinRoom(t, router, "R1", "A")

	wrong := url.Values{"participantId": {a.ID}, "secret": {"nope"}}.Encode()
	w := do(t, router, http.MethodGet, "/rooms/R1/signal?"+wrong, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, decode[map[string]string](t, w)["error"], "unauthorized")

	w = do(t, router, http.MethodGet, "/rooms/missing/participants?"+creds(a), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/rooms/R1/signal", models.PostSignalRequest{
		ParticipantID: a.ID,
		Secret:        a.Secret,
		Kind:          "chat",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/rooms/R1/signal", models.PostSignalRequest{
		ParticipantID: a.ID,
		Secret:        a.Secret,
		Kind:          models.SignalKindMedia,
		Payload:       json.RawMessage(`"` + strings.Repeat("x", 2048) + `"`),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLeaveIsIdempotent(t *testing.T) {
	router := newRouter(t)
	a := joinRoom(t, router, "R1", "A")
	b := joinRoom(t, router, "R1", "B")

	body := models.LeaveRoomRequest{ParticipantID: b.ID, Secret: b.Secret}
	for i := 0; i < 2; i++ {
		w := do(t, router, http.MethodPost, "/rooms/R1/leave", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.JSONEq(t, `{"ok":true}`, w.Body.String())
	}

	w := do(t, router, http.MethodGet, "/rooms/R1/signal?"+creds(a), nil)
	res := decode[models.PollSignalsResponse](t, w)
	require.Len(t, res.Signals, 1)
	require.Equal(t, models.SignalKindLeave, res.Signals[0].Kind)
}

func TestOriginFilter(t *testing.T) {
	router := newRouter(t)

	w := do(t, router, http.MethodPost, "/rooms", nil, "Origin", "http://evil.example")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodOptions, "/rooms", nil, "Origin", "http://localhost:5173")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminAPI(t *testing.T) {
	router := newRouter(t)
	a := joinRoom(t, router, "R1", "A")
	joinRoom(t, router, "R1", "B")

	w := do(t, router, http.MethodGet, "/admin/rooms/R1", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, http.MethodPost, "/admin/login", handlers.LoginRequest{Username: "ops", Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, http.MethodPost, "/admin/login", handlers.LoginRequest{Username: "ops", Password: "hunter2"})
	require.Equal(t, http.StatusOK, w.Code)
	token := decode[handlers.LoginResponse](t, w).Token
	auth := []string{"Authorization", "Bearer " + token}

	do(t, router, http.MethodPost, "/rooms/R1/signal", models.PostSignalRequest{
		ParticipantID: a.ID, Secret: a.Secret, Kind: models.SignalKindMedia, Payload: json.RawMessage(`{}`),
	})

	w = do(t, router, http.MethodGet, "/admin/rooms/R1", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[models.RoomStats](t, w)
	require.Equal(t, 2, stats.Participants)
	require.Equal(t, int64(1), stats.HeadSeq)

	w = do(t, router, http.MethodPost, "/admin/rooms/R1/compact", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodDelete, "/admin/rooms/R1", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, router, http.MethodGet, "/admin/rooms/R1", nil, auth...)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamPushesSignals(t *testing.T) {
	router := newRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	a := joinRoom(t, router, "R1", "A")
	b := joinRoom(t, router, "R1", "B")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/R1/stream?afterSeq=0&" + creds(b)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first models.PollSignalsResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	require.Empty(t, first.Signals)

	w := do(t, router, http.MethodPost, "/rooms/R1/signal", models.PostSignalRequest{
		ParticipantID: a.ID, Secret: a.Secret, Kind: models.SignalKindMedia, Payload: json.RawMessage(`{"audioEnabled":false}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var pushed models.PollSignalsResponse
	require.NoError(t, conn.ReadJSON(&pushed))
	require.Len(t, pushed.Signals, 1)
	require.Equal(t, int64(1), pushed.NextAfterSeq)
	require.Equal(t, a.ID, pushed.Signals[0].From)
}

func TestStreamRejectsBadCredentials(t *testing.T) {
	router := newRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	a := joinRoom(t, router, "R1", "A")
	q := url.Values{"participantId": {a.ID}, "secret": {"nope"}}.Encode()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/rooms/R1/stream?"+q, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamKeepsUnackedSignalsAcrossReconnect(t *testing.T) {
	router, svc := newRouterWithService(t)
	srv := httptest.NewServer(router)
	defer srv.Close()
	ctx := context.Background()

	a := joinRoom(t, router, "R1", "A")
	b := joinRoom(t, router, "R1", "B")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/R1/stream?afterSeq=0&" + creds(b)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first models.PollSignalsResponse
	require.NoError(t, conn.ReadJSON(&first))

	w := do(t, router, http.MethodPost, "/rooms/R1/signal", models.PostSignalRequest{
		ParticipantID: a.ID, Secret: a.Secret, To: &b.ID, Kind: models.SignalKindOffer, Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var pushed models.PollSignalsResponse
	require.NoError(t, conn.ReadJSON(&pushed))
	require.Len(t, pushed.Signals, 1)
	// b drops before handling the batch
	require.NoError(t, conn.Close())

	w = do(t, router, http.MethodGet, "/rooms/R1/signal?afterSeq=1&"+creds(a), nil)
	require.Equal(t, http.StatusOK, w.Code)
	pruned, err := svc.Compact(ctx, "R1")
	require.NoError(t, err)
	require.Zero(t, pruned)

	w = do(t, router, http.MethodGet, "/rooms/R1/signal?afterSeq=0&"+creds(b), nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[models.PollSignalsResponse](t, w)
	require.Len(t, res.Signals, 1)
	require.Equal(t, models.SignalKindOffer, res.Signals[0].Kind)

	// an ack on a new stream lets the log be compacted
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	require.Len(t, first.Signals, 1)
	require.NoError(t, conn.WriteJSON(models.StreamAck{AfterSeq: first.NextAfterSeq}))

	require.Eventually(t, func() bool {
		if _, err := svc.Compact(ctx, "R1"); err != nil {
			return false
		}
		stats, err := svc.RoomStats(ctx, "R1")
		return err == nil && stats.StoredSignals == 0
	}, 2*time.Second, 10*time.Millisecond)

	w = do(t, router, http.MethodGet, "/rooms/R1/signal?afterSeq=0&"+creds(b), nil)
	require.Equal(t, http.StatusGone, w.Code, w.Body.String())
}

func TestStreamIgnoresAckPastLastBatch(t *testing.T) {
	router, svc := newRouterWithService(t)
	srv := httptest.NewServer(router)
	defer srv.Close()
	ctx := context.Background()

	a := joinRoom(t, router, "R1", "A")
	b := joinRoom(t, router, "R1", "B")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/rooms/R1/stream?afterSeq=0&"+creds(b), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first models.PollSignalsResponse
	require.NoError(t, conn.ReadJSON(&first))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(models.StreamAck{AfterSeq: 5}))

	w := do(t, router, http.MethodPost, "/rooms/R1/signal", models.PostSignalRequest{
		ParticipantID: a.ID, Secret: a.Secret, Kind: models.SignalKindMedia, Payload: json.RawMessage(`{}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// the stream survived both frames
	var pushed models.PollSignalsResponse
	require.NoError(t, conn.ReadJSON(&pushed))
	require.Len(t, pushed.Signals, 1)

	w = do(t, router, http.MethodGet, "/rooms/R1/signal?afterSeq=1&"+creds(a), nil)
	require.Equal(t, http.StatusOK, w.Code)
	pruned, err := svc.Compact(ctx, "R1")
	require.NoError(t, err)
	require.Zero(t, pruned)
}
