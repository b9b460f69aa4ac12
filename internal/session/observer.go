package session

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// WarningKind classifies the non-fatal problems a session reports.
type WarningKind int

const (
	// WarningNetwork means polling has failed several times in a row.
	WarningNetwork WarningKind = iota
	// WarningSession means the server rejected our credentials or room; the
	// session stops polling.
	WarningSession
	// WarningMedia is a classified device acquisition failure.
	WarningMedia
	// WarningConnectivity means a peer link failed; RetryPeer recreates it.
	WarningConnectivity
)

func (k WarningKind) String() string {
	switch k {
	case WarningNetwork:
		return "network"
	case WarningSession:
		return "session"
	case WarningMedia:
		return "media"
	case WarningConnectivity:
		return "connectivity"
	}
	return "unknown"
}

type Warning struct {
	Kind          WarningKind
	ParticipantID string
	Err           error
	Retryable     bool
}

// Observer receives UI-facing events. Calls come from the session loop.
type Observer interface {
	TileAdded(p models.Participant)
	TileRemoved(participantID string)
	TrackAdded(participantID string, kind webrtc.RTPCodecType)
	MediaStateChanged(participantID string, state models.MediaState)
	Warning(w Warning)
	WarningCleared(kind WarningKind)
}

// LogObserver writes every event to a logger.
type LogObserver struct {
	Log zerolog.Logger
}

func (o LogObserver) TileAdded(p models.Participant) {
	o.Log.Info().Str("participant_id", p.ID).Str("display_name", p.DisplayName).Msg("Participant tile added")
}

func (o LogObserver) TileRemoved(participantID string) {
	o.Log.Info().Str("participant_id", participantID).Msg("Participant tile removed")
}

func (o LogObserver) TrackAdded(participantID string, kind webrtc.RTPCodecType) {
	o.Log.Info().Str("participant_id", participantID).Str("kind", kind.String()).Msg("Remote track added")
}

func (o LogObserver) MediaStateChanged(participantID string, state models.MediaState) {
	o.Log.Info().
		Str("participant_id", participantID).
		Bool("audio", state.AudioEnabled).
		Bool("video", state.VideoEnabled).
		Bool("sharing", state.IsSharing).
		Msg("Remote media state")
}

func (o LogObserver) Warning(w Warning) {
	o.Log.Warn().
		Err(w.Err).
		Str("kind", w.Kind.String()).
		Str("participant_id", w.ParticipantID).
		Bool("retryable", w.Retryable).
		Msg("Session warning")
}

func (o LogObserver) WarningCleared(kind WarningKind) {
	o.Log.Info().Str("kind", kind.String()).Msg("Session warning cleared")
}
