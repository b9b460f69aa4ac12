package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

// GetRoomStats reports a room's participants and log size (admin)
func GetRoomStats(svc *signaling.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.RoomStats(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// CompactRoom prunes the signals every participant has consumed (admin)
func CompactRoom(svc *signaling.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		pruned, err := svc.Compact(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pruned": pruned})
	}
}

// DeleteRoom drops a room and its signal log (admin)
func DeleteRoom(svc *signaling.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")
		if err := svc.DeleteRoom(c.Request.Context(), roomID); err != nil {
			respondError(c, log, err)
			return
		}

		log.Info().
			Str("room_id", roomID).
			Str("by", c.GetString(middleware.ContextSubject)).
			Msg("Room deleted by operator")
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}
