package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// Source is a local capture device.
type Source int

const (
	Microphone Source = iota
	Camera
	Screen
)

func (s Source) String() string {
	switch s {
	case Microphone:
		return "microphone"
	case Camera:
		return "camera"
	case Screen:
		return "screen"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Kind is the RTP kind a source produces.
func (s Source) Kind() webrtc.RTPCodecType {
	if s == Microphone {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// LocalTrack is a captured track that can be muted and released.
type LocalTrack interface {
	webrtc.TrackLocal
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the device. A stopped track is never restarted.
	Stop()
	Stopped() bool
}

// Devices opens capture devices.
type Devices interface {
	Open(ctx context.Context, src Source) (LocalTrack, error)
}

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrame = 20 * time.Millisecond

// SyntheticDevices produces tracks without real hardware: the microphone
// sends Opus silence and video sources negotiate but carry no frames.
type SyntheticDevices struct {
	mu    sync.Mutex
	fail  map[Source]error
	opens map[Source]int
	log   zerolog.Logger
}

func NewSyntheticDevices(log zerolog.Logger) *SyntheticDevices {
	return &SyntheticDevices{
		fail:  make(map[Source]error),
		opens: make(map[Source]int),
		log:   log.With().Str("component", "devices").Logger(),
	}
}

// Fail makes every later Open of src return err. A nil err clears it.
func (d *SyntheticDevices) Fail(src Source, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, src)
		return
	}
	d.fail[src] = err
}

// Opens reports how many tracks were opened for src.
func (d *SyntheticDevices) Opens(src Source) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[src]
}

func (d *SyntheticDevices) Open(_ context.Context, src Source) (LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fail[src]; err != nil {
		return nil, err
	}

	var codec webrtc.RTPCodecCapability
	if src == Microphone {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	} else {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	d.opens[src]++
	id := fmt.Sprintf("%s-%d", src, d.opens[src])
	sample, err := webrtc.NewTrackLocalStaticSample(codec, id, "mesh")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", src, err)
	}

	t := &syntheticTrack{
		TrackLocalStaticSample: sample,
		done:                   make(chan struct{}),
	}
	t.enabled.Store(true)
	if src == Microphone {
		go t.pumpSilence(d.log)
	}
	return t, nil
}

type syntheticTrack struct {
	*webrtc.TrackLocalStaticSample
	enabled  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func (t *syntheticTrack) Enabled() bool { return t.enabled.Load() }

func (t *syntheticTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *syntheticTrack) Stop() {
	t.stopOnce.Do(func() {
		t.enabled.Store(false)
		close(t.done)
	})
}

func (t *syntheticTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *syntheticTrack) pumpSilence(log zerolog.Logger) {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			if err := t.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: audioFrame}); err != nil {
				log.Debug().Err(err).Str("track_id", t.ID()).Msg("Failed to write audio sample")
			}
		}
	}
}
