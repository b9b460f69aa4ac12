package signaling

import (
	"context"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// Store persists rooms, participants and the per-room signal log.
//
// AppendSignal is the only operation that needs mutual exclusion: it must
// assign the next seq of the room and make the signal readable atomically,
// so a reader can never observe seq N+1 before seq N.
type Store interface {
	CreateRoom(ctx context.Context, roomID string, now time.Time) error
	RoomExists(ctx context.Context, roomID string) (bool, error)
	DeleteRoom(ctx context.Context, roomID string) error
	// DeleteRoomIfIdle deletes the room when it has no active participants
	// and no activity since idleBefore, checked atomically with the delete.
	DeleteRoomIfIdle(ctx context.Context, roomID string, idleBefore time.Time) (bool, error)
	RoomStats(ctx context.Context, roomID string) (models.RoomStats, error)
	Rooms(ctx context.Context) ([]string, error)

	// AddParticipant creates the room if needed and starts the participant's
	// watermark at the current head of the log. GetParticipant reports that
	// head as JoinSeq.
	AddParticipant(ctx context.Context, roomID string, p models.Participant) error
	// GetParticipant returns active and departed participants.
	GetParticipant(ctx context.Context, roomID, participantID string) (models.Participant, error)
	ActiveParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
	// MarkDeparted returns false if the participant had already left.
	MarkDeparted(ctx context.Context, roomID, participantID string, at time.Time) (bool, error)

	AppendSignal(ctx context.Context, roomID string, sig models.Signal) (int64, error)
	// ReadSignals returns up to max signals with seq > afterSeq in seq order.
	// It fails with models.ErrCursorExpired when afterSeq is below the highest
	// trimmed seq.
	ReadSignals(ctx context.Context, roomID string, afterSeq int64, max int) ([]models.Signal, error)

	// AdvanceWatermark records that participantID has consumed everything
	// up to seq. Watermarks never move backwards.
	AdvanceWatermark(ctx context.Context, roomID, participantID string, seq int64) error
	Watermarks(ctx context.Context, roomID string) (map[string]int64, error)
	// TrimSignals removes signals with seq <= uptoSeq.
	TrimSignals(ctx context.Context, roomID string, uptoSeq int64) (int, error)
}

// Notifier wakes push subscribers when a room's log grows.
type Notifier interface {
	Publish(ctx context.Context, roomID string, seq int64) error
	Subscribe(ctx context.Context, roomID string) (<-chan int64, func())
}
