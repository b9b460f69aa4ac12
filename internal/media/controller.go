package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// Links is the set of peer links the controller feeds.
type Links interface {
	// ReplaceTrack swaps the outgoing track of kind on every active link.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal)
	// Renegotiate asks every link to renegotiate after the sent-track set
	// changed.
	Renegotiate()
}

// Publisher posts media state broadcasts.
type Publisher interface {
	BroadcastMediaState(ctx context.Context, state models.MediaState) error
}

// TrackSetter is implemented by peer links.
type TrackSetter interface {
	SetTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
}

// Constraints selects the devices AcquireLocalMedia opens.
type Constraints struct {
	Audio bool
	Video bool
}

// Controller owns the local microphone, camera and screen tracks. It is not
// safe for concurrent use; the session loop drives it.
type Controller struct {
	devices     Devices
	constraints Constraints
	links       Links
	publisher   Publisher
	log         zerolog.Logger

	audio  LocalTrack
	camera LocalTrack
	screen LocalTrack

	videoWanted bool
}

func NewController(devices Devices, constraints Constraints, log zerolog.Logger) *Controller {
	return &Controller{
		devices:     devices,
		constraints: constraints,
		videoWanted: constraints.Video,
		log:         log.With().Str("component", "media").Logger(),
	}
}

// Bind connects the controller to the links it feeds and the log it
// publishes to.
func (c *Controller) Bind(links Links, publisher Publisher) {
	c.links = links
	c.publisher = publisher
}

// State is the media state other participants should see.
func (c *Controller) State() models.MediaState {
	return models.MediaState{
		AudioEnabled: live(c.audio) && c.audio.Enabled(),
		VideoEnabled: live(c.camera) && c.camera.Enabled(),
		IsSharing:    c.screen != nil,
	}
}

func live(t LocalTrack) bool {
	return t != nil && !t.Stopped()
}

// AcquireLocalMedia opens whichever requested devices are not open yet and
// returns a classified *Error per device that failed. Devices already open
// are left alone, so calling it again only retries the failures.
func (c *Controller) AcquireLocalMedia(ctx context.Context) error {
	var errs []error
	changed := false

	if c.constraints.Audio && !live(c.audio) {
		track, err := c.devices.Open(ctx, Microphone)
		if err != nil {
			errs = append(errs, newError(Microphone, err))
		} else {
			c.audio = track
			c.replace(webrtc.RTPCodecTypeAudio, track)
			changed = true
		}
	}

	if c.videoWanted && !live(c.camera) {
		track, err := c.devices.Open(ctx, Camera)
		if err != nil {
			errs = append(errs, newError(Camera, err))
		} else {
			c.camera = track
			if c.screen == nil {
				c.replace(webrtc.RTPCodecTypeVideo, track)
			}
			changed = true
		}
	}

	if changed {
		c.renegotiate()
		c.broadcast(ctx)
	}
	return errors.Join(errs...)
}

// ToggleAudio mutes or unmutes the microphone, opening it on first use.
func (c *Controller) ToggleAudio(ctx context.Context) error {
	if !live(c.audio) {
		track, err := c.devices.Open(ctx, Microphone)
		if err != nil {
			return newError(Microphone, err)
		}
		c.audio = track
		c.replace(webrtc.RTPCodecTypeAudio, track)
		c.renegotiate()
	} else {
		c.audio.SetEnabled(!c.audio.Enabled())
	}
	c.broadcast(ctx)
	return nil
}

// ToggleVideo turns the camera off or on. Turning it on re-opens the camera
// when the previous track was stopped.
func (c *Controller) ToggleVideo(ctx context.Context) error {
	if live(c.camera) && c.camera.Enabled() {
		c.camera.SetEnabled(false)
		c.videoWanted = false
		c.broadcast(ctx)
		return nil
	}

	c.videoWanted = true
	if live(c.camera) {
		c.camera.SetEnabled(true)
		c.broadcast(ctx)
		return nil
	}

	track, err := c.devices.Open(ctx, Camera)
	if err != nil {
		return newError(Camera, err)
	}
	hadVideo := c.sentVideo() != nil
	c.camera = track
	if c.screen == nil {
		c.replace(webrtc.RTPCodecTypeVideo, track)
		if !hadVideo {
			c.renegotiate()
		}
	}
	c.broadcast(ctx)
	return nil
}

// StartScreenShare substitutes the screen for the camera on every link.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	if c.screen != nil {
		return nil
	}
	track, err := c.devices.Open(ctx, Screen)
	if err != nil {
		return newError(Screen, err)
	}
	c.screen = track
	c.replace(webrtc.RTPCodecTypeVideo, track)
	c.broadcast(ctx)
	return nil
}

// StopScreenShare puts the camera back, or nothing if it is off.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	if c.screen == nil {
		return nil
	}
	c.screen.Stop()
	c.screen = nil
	c.replace(webrtc.RTPCodecTypeVideo, c.sentVideo())
	c.broadcast(ctx)
	return nil
}

// BroadcastMediaState posts the current state to every participant.
func (c *Controller) BroadcastMediaState(ctx context.Context) error {
	if c.publisher == nil {
		return nil
	}
	return c.publisher.BroadcastMediaState(ctx, c.State())
}

// Attach sets the current outgoing tracks on a new link.
func (c *Controller) Attach(link TrackSetter) error {
	var audio webrtc.TrackLocal
	if live(c.audio) {
		audio = c.audio
	}
	return errors.Join(
		link.SetTrack(webrtc.RTPCodecTypeAudio, audio),
		link.SetTrack(webrtc.RTPCodecTypeVideo, c.sentVideo()),
	)
}

// Stop releases every device.
func (c *Controller) Stop() {
	for _, t := range []LocalTrack{c.audio, c.camera, c.screen} {
		if t != nil {
			t.Stop()
		}
	}
	c.audio, c.camera, c.screen = nil, nil, nil
}

// sentVideo is the track the video sender should carry.
func (c *Controller) sentVideo() webrtc.TrackLocal {
	if c.screen != nil {
		return c.screen
	}
	if live(c.camera) {
		return c.camera
	}
	return nil
}

func (c *Controller) replace(kind webrtc.RTPCodecType, track webrtc.TrackLocal) {
	if c.links != nil {
		c.links.ReplaceTrack(kind, track)
	}
}

func (c *Controller) renegotiate() {
	if c.links != nil {
		c.links.Renegotiate()
	}
}

func (c *Controller) broadcast(ctx context.Context) {
	if err := c.BroadcastMediaState(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to broadcast media state")
	}
}
