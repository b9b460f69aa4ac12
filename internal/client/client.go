// Package client is a Go client for the signaling HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// Credentials identify a participant on every room-scoped call.
type Credentials struct {
	ParticipantID string
	Secret        string
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("signaling server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("signaling server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the shared sentinel errors.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.ErrUnauthorized
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return models.ErrInvalidRequest
	case http.StatusTooManyRequests:
		return models.ErrRateLimited
	case http.StatusGone:
		return models.ErrCursorExpired
	}
	return nil
}

// IsTransient reports whether a call may succeed if simply retried later.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, models.ErrCursorExpired),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the server at baseURL. A nil httpClient uses a
// client with a 10 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	var resp models.CreateRoomResponse
	if err := c.do(ctx, http.MethodPost, "/rooms", nil, struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) Join(ctx context.Context, roomID, displayName string) (models.JoinRoomResponse, error) {
	var resp models.JoinRoomResponse
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "join"), nil, models.JoinRoomRequest{DisplayName: displayName}, &resp)
	return resp, err
}

func (c *Client) Leave(ctx context.Context, roomID string, creds Credentials) error {
	body := models.LeaveRoomRequest{ParticipantID: creds.ParticipantID, Secret: creds.Secret}
	return c.do(ctx, http.MethodPost, roomPath(roomID, "leave"), nil, body, nil)
}

func (c *Client) Participants(ctx context.Context, roomID string, creds Credentials) ([]models.Participant, error) {
	var resp models.ParticipantsResponse
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "participants"), creds.query(), nil, &resp)
	return resp.Participants, err
}

// PostSignal appends a signal; a nil to broadcasts it.
func (c *Client) PostSignal(ctx context.Context, roomID string, creds Credentials, kind models.SignalKind, to *string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	body := models.PostSignalRequest{
		ParticipantID: creds.ParticipantID,
		Secret:        creds.Secret,
		To:            to,
		Kind:          kind,
		Payload:       raw,
	}
	var resp models.PostSignalResponse
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "signal"), nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.Seq, nil
}

func (c *Client) PollSignals(ctx context.Context, roomID string, creds Credentials, afterSeq int64, limit int) (models.PollSignalsResponse, error) {
	q := creds.query()
	q.Set("afterSeq", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp models.PollSignalsResponse
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "signal"), q, nil, &resp)
	return resp, err
}

func (cr Credentials) query() url.Values {
	q := url.Values{}
	q.Set("participantId", cr.ParticipantID)
	q.Set("secret", cr.Secret)
	return q
}

func roomPath(roomID, action string) string {
	return "/rooms/" + url.PathEscape(roomID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
