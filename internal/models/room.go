package models

import "time"

// Participant is a member of a room.
// Secret is only ever returned to the participant that owns it.
type Participant struct {
	ID          string     `json:"id"`
	Secret      string     `json:"secret,omitempty"`
	DisplayName string     `json:"displayName"`
	IsGuest     bool       `json:"isGuest"`
	CreatedAt   time.Time  `json:"createdAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`
	// JoinSeq is the head of the signal log when the participant joined.
	JoinSeq int64 `json:"-"`
}

// Active reports whether the participant has not left the room.
func (p Participant) Active() bool {
	return p.LeftAt == nil
}

// Public returns a copy of p that is safe to share with other participants.
func (p Participant) Public() Participant {
	p.Secret = ""
	p.LeftAt = nil
	return p
}

// RoomStats is reported by the admin API
type RoomStats struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActiveAt  time.Time `json:"lastActiveAt"`
	Participants  int       `json:"participants"`
	HeadSeq       int64     `json:"headSeq"`
	StoredSignals int       `json:"storedSignals"`
}

// CreateRoomResponse is the response for POST /rooms
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

// JoinRoomRequest contains optional data when joining a room
type JoinRoomRequest struct {
	DisplayName string `json:"displayName,omitempty"`
}

// JoinRoomResponse is the response for POST /rooms/:roomId/join
type JoinRoomResponse struct {
	Participant Participant   `json:"participant"`
	Others      []Participant `json:"others"`
}

// LeaveRoomRequest is the request body for POST /rooms/:roomId/leave
type LeaveRoomRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
	Secret        string `json:"secret" binding:"required"`
}

// CredentialsQuery holds the id/secret pair passed as query parameters
type CredentialsQuery struct {
	ParticipantID string `form:"participantId" binding:"required"`
	Secret        string `form:"secret" binding:"required"`
}

// ParticipantsResponse is the response for GET /rooms/:roomId/participants
type ParticipantsResponse struct {
	Participants []Participant `json:"participants"`
}
