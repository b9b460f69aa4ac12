package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

// CreateRoom allocates a new room id (public)
func CreateRoom(svc *signaling.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID, err := svc.CreateRoom(c.Request.Context())
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, models.CreateRoomResponse{RoomID: roomID})
	}
}

// JoinRoom issues a participant identity; the room is created on first join
func JoinRoom(svc *signaling.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.JoinRoomRequest
		// the body is optional
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		p, others, err := svc.Join(c.Request.Context(), c.Param("roomId"), req.DisplayName)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, models.JoinRoomResponse{Participant: p, Others: others})
	}
}

// LeaveRoom removes the participant; leaving twice is not an error
func LeaveRoom(svc *signaling.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LeaveRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := svc.Leave(c.Request.Context(), c.Param("roomId"), req.ParticipantID, req.Secret); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// ListParticipants returns the active participants without secrets
func ListParticipants(svc *signaling.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q models.CredentialsQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "participantId and secret are required"})
			return
		}

		participants, err := svc.Participants(c.Request.Context(), c.Param("roomId"), q.ParticipantID, q.Secret)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, models.ParticipantsResponse{Participants: participants})
	}
}
