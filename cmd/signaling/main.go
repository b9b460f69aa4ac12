package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/handlers"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
	"github.com/mossy-p/webrtc-mesh/internal/store/memory"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("info", "console", os.Stderr)
		l.Fatal().Err(err).Msg("Invalid configuration")
	}
	l := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, notifier, closeStore := openStore(ctx, cfg, l)
	defer closeStore()

	svc := signaling.NewService(store, notifier, signaling.Options{
		DefaultPollLimit: cfg.Signaling.DefaultPollLimit,
		MaxPollLimit:     cfg.Signaling.MaxPollLimit,
		MaxPayloadBytes:  cfg.Signaling.MaxPayloadBytes,
		SignalsPerSecond: cfg.Signaling.SignalsPerSecond,
		SignalBurst:      cfg.Signaling.SignalBurst,
		RoomTTL:          cfg.Signaling.RoomTTL,
	}, l)

	go svc.RunJanitor(ctx, cfg.Signaling.JanitorInterval)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, svc, l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Info().Str("port", cfg.Port).Str("store", cfg.Store).Bool("admin", cfg.Admin.Enabled()).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	l.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}
	l.Info().Msg("Server exited")
}

func openStore(ctx context.Context, cfg *config.Config, l zerolog.Logger) (signaling.Store, signaling.Notifier, func()) {
	if cfg.Store == config.StoreMemory {
		l.Warn().Msg("Using in-memory store; rooms do not survive restarts")
		return memory.NewStore(), signaling.NewHub(), func() {}
	}

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	l.Info().Str("addr", client.Options().Addr).Msg("Redis connection established")

	return redis.NewStore(client, cfg.Signaling.RoomTTL), redis.NewNotifier(client, l), func() {
		if err := client.Close(); err != nil {
			l.Error().Err(err).Msg("Failed to close Redis client")
		}
	}
}
