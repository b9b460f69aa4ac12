package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

// PostSignal appends a signal to the room log
func PostSignal(svc *signaling.Service, maxBodyBytes int64, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

		var req models.PostSignalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		seq, err := svc.Post(c.Request.Context(), c.Param("roomId"), req)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, models.PostSignalResponse{Seq: seq})
	}
}

// PollSignals returns the signals after afterSeq visible to the caller
func PollSignals(svc *signaling.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q models.PollSignalsQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := svc.Poll(c.Request.Context(), c.Param("roomId"), q.ParticipantID, q.Secret, q.AfterSeq, q.Limit)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
