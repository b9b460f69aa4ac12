package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

// envelope bytes allowed on top of the signal payload in a POST body
const signalEnvelopeBytes = 4096

// NewRouter mounts the public room API, the push stream and, when admin
// credentials are configured, the operator API.
func NewRouter(cfg *config.Config, svc *signaling.Service, log zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.Gin(log))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	maxBody := int64(cfg.Signaling.MaxPayloadBytes) + signalEnvelopeBytes

	rooms := router.Group("/rooms")
	{
		rooms.POST("", CreateRoom(svc, log))
		rooms.POST("/:roomId/join", JoinRoom(svc, log))
		rooms.POST("/:roomId/leave", LeaveRoom(svc, log))
		rooms.GET("/:roomId/participants", ListParticipants(svc, log))
		rooms.GET("/:roomId/signal", PollSignals(svc, log))
		rooms.POST("/:roomId/signal", PostSignal(svc, maxBody, log))
		rooms.GET("/:roomId/stream", StreamSignals(svc, cfg.Signaling.StreamFallbackInterval, log))
	}

	if cfg.Admin.Enabled() {
		admin := router.Group("/admin")
		admin.POST("/login", AdminLogin(cfg.Admin, cfg.JWTSecret, log))

		authed := admin.Group("/rooms", middleware.JWTAuth(cfg.JWTSecret, middleware.RoleAdmin))
		{
			authed.GET("/:roomId", GetRoomStats(svc, log))
			authed.POST("/:roomId/compact", CompactRoom(svc, log))
			authed.DELETE("/:roomId", DeleteRoom(svc, log))
		}
	}

	return router
}
