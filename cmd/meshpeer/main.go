// Command meshpeer joins a room as a headless mesh participant. It sends
// synthetic audio and video and reads single-letter commands from stdin:
// m toggles the microphone, v the camera, s screen sharing, r retries failed
// devices and q leaves.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/client"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/session"
)

func main() {
	var (
		server    = flag.String("server", "http://localhost:8080", "signaling server base URL")
		roomID    = flag.String("room", "", "room to join; a new room is created when empty")
		name      = flag.String("name", "", "display name")
		noMic     = flag.Bool("no-mic", false, "do not open the microphone")
		noCamera  = flag.Bool("no-camera", false, "do not open the camera")
		poll      = flag.Duration("poll", 900*time.Millisecond, "signal poll interval")
		presence  = flag.Duration("presence", 2500*time.Millisecond, "participant reconcile interval")
		logLevel  = flag.String("log-level", "info", "log level")
		logFormat = flag.String("log-format", "console", "console or json")
	)
	flag.Parse()

	l := logging.New(*logLevel, *logFormat, os.Stderr)

	iceServers, err := config.LoadICEServers()
	if err != nil {
		l.Fatal().Err(err).Msg("Invalid ICE configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(*server, nil)
	if *roomID == "" {
		id, err := api.CreateRoom(ctx)
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to create room")
		}
		*roomID = id
		l.Info().Str("room_id", id).Msg("Created room")
	}

	engine, err := peer.NewPionEngine(iceServers, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to build WebRTC engine")
	}
	ctrl := media.NewController(media.NewSyntheticDevices(l), media.Constraints{
		Audio: !*noMic,
		Video: !*noCamera,
	}, l)

	s := session.New(api, engine, ctrl, session.LogObserver{Log: l}, session.Options{
		PollInterval:     *poll,
		PresenceInterval: *presence,
	}, l)
	if err := s.Join(ctx, *roomID, *name); err != nil {
		l.Fatal().Err(err).Msg("Failed to join room")
	}

	go readCommands(ctx, s, l)

	if err := s.Run(ctx); err != nil {
		l.Fatal().Err(err).Msg("Session failed")
	}
}

func readCommands(ctx context.Context, s *session.Session, l zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	sharing := false
	for scanner.Scan() {
		var err error
		switch strings.TrimSpace(scanner.Text()) {
		case "m":
			err = s.ToggleAudio(ctx)
		case "v":
			err = s.ToggleVideo(ctx)
		case "s":
			if sharing {
				err = s.StopScreenShare(ctx)
			} else {
				err = s.StartScreenShare(ctx)
			}
			if err == nil {
				sharing = !sharing
			}
		case "r":
			err = s.RetryMedia(ctx)
		case "p":
			states, lerr := s.LinkStates(ctx)
			err = lerr
			for id, st := range states {
				l.Info().Str("participant_id", id).Str("state", st.String()).Msg("Peer")
			}
		case "q":
			if err := s.Leave(ctx); err != nil {
				l.Error().Err(err).Msg("Leave failed")
			}
			return
		case "":
		default:
			l.Warn().Msg("Commands: m v s r p q")
		}
		if err != nil {
			l.Warn().Err(err).Msg("Command failed")
		}
	}
}
