package models

import (
	"encoding/json"
	"time"
)

// SignalKind represents the type of a relayed signaling message
type SignalKind string

const (
	SignalKindOffer  SignalKind = "offer"
	SignalKindAnswer SignalKind = "answer"
	SignalKindICE    SignalKind = "ice"
	SignalKindMedia  SignalKind = "media"
	SignalKindLeave  SignalKind = "leave"
)

// Valid reports whether k is one of the known signal kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalKindOffer, SignalKindAnswer, SignalKindICE, SignalKindMedia, SignalKindLeave:
		return true
	}
	return false
}

// Signal is one entry of a room's signal log.
// A nil To means the signal is broadcast to every other participant.
type Signal struct {
	Seq       int64           `json:"seq"`
	Kind      SignalKind      `json:"kind"`
	From      string          `json:"fromParticipantId"`
	To        *string         `json:"toParticipantId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// IsBroadcast reports whether the signal has no single recipient
func (s Signal) IsBroadcast() bool {
	return s.To == nil
}

// VisibleTo reports whether participantID should receive s when polling.
func (s Signal) VisibleTo(participantID string) bool {
	if s.From == participantID {
		return false
	}
	return s.To == nil || *s.To == participantID
}

// MediaState is the payload of a media signal
type MediaState struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
	IsSharing    bool `json:"isSharing"`
}

// DefaultMediaState is assumed for a remote participant until its first broadcast.
func DefaultMediaState() MediaState {
	return MediaState{AudioEnabled: true, VideoEnabled: true}
}

// PostSignalRequest is the request body for POST /rooms/:roomId/signal
type PostSignalRequest struct {
	ParticipantID string          `json:"participantId" binding:"required"`
	Secret        string          `json:"secret" binding:"required"`
	To            *string         `json:"toParticipantId"`
	Kind          SignalKind      `json:"kind" binding:"required"`
	Payload       json.RawMessage `json:"payload"`
}

// PostSignalResponse is the response for POST /rooms/:roomId/signal
type PostSignalResponse struct {
	Seq int64 `json:"seq"`
}

// PollSignalsQuery holds the query parameters of GET /rooms/:roomId/signal
type PollSignalsQuery struct {
	ParticipantID string `form:"participantId" binding:"required"`
	Secret        string `form:"secret" binding:"required"`
	AfterSeq      int64  `form:"afterSeq" binding:"min=0"`
	Limit         int    `form:"limit" binding:"min=0"`
}

// PollSignalsResponse is the response for GET /rooms/:roomId/signal
type PollSignalsResponse struct {
	Signals      []Signal `json:"signals"`
	NextAfterSeq int64    `json:"nextAfterSeq"`
}

// StreamAck is sent by stream clients once they have processed every signal
// up to AfterSeq.
type StreamAck struct {
	AfterSeq int64 `json:"ack"`
}
