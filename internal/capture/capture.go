// Package capture provides the local media source for publishing: a VP8 IVF
// file standing in for the camera and an Opus OGG file standing in for the
// microphone. Samples are paced in real time and loop at end of file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrDenied is returned when a requested device cannot be opened. Callers map
// it to the "camera or microphone" user error.
var ErrDenied = errors.New("capture: media access denied")

const streamID = "ome-publisher"

// Constraints mirror getUserMedia: Video == nil means no video requested.
type Constraints struct {
	Audio bool
	Video *VideoConstraints
}

// VideoConstraints are ideal values. They are advisory only.
type VideoConstraints struct {
	IdealWidth  int
	IdealHeight int
	AspectRatio float64
}

// DefaultConstraints is what the publisher asks for: audio plus 720p video.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio: true,
		Video: &VideoConstraints{IdealWidth: 1280, IdealHeight: 720, AspectRatio: 16.0 / 9.0},
	}
}

type Sources struct {
	VideoFile string
	AudioFile string
}

// Capturer hands out Streams backed by Sources.
type Capturer struct {
	sources Sources
	logger  *slog.Logger
}

func New(sources Sources, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{sources: sources, logger: logger}
}

// Acquire opens every requested source. All files are validated up front so
// a bad source fails here rather than mid-publish.
func (c *Capturer) Acquire(ctx context.Context, cons Constraints) (*Stream, error) {
	if !cons.Audio && cons.Video == nil {
		return nil, fmt.Errorf("%w: no audio or video requested", ErrDenied)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Stream{logger: c.logger}

	if cons.Video != nil {
		t, err := c.videoTrack(*cons.Video)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	if cons.Audio {
		t, err := c.audioTrack()
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}

	return s, nil
}

func (c *Capturer) videoTrack(want VideoConstraints) (*track, error) {
	if c.sources.VideoFile == "" {
		return nil, fmt.Errorf("%w: no camera source configured", ErrDenied)
	}
	src, err := openIVF(c.sources.VideoFile)
	if err != nil {
		return nil, fmt.Errorf("%w: camera: %v", ErrDenied, err)
	}
	w, h := src.width, src.height
	_ = src.Close()

	if want.IdealWidth > 0 && want.IdealHeight > 0 && (int(w) != want.IdealWidth || int(h) != want.IdealHeight) {
		c.logger.Info("camera source does not match ideal constraints",
			"width", w, "height", h,
			"ideal_width", want.IdealWidth, "ideal_height", want.IdealHeight,
		)
	}

	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: camera: %v", ErrDenied, err)
	}
	path := c.sources.VideoFile
	return &track{
		local: local,
		info:  TrackInfo{Kind: "video", Codec: webrtc.MimeTypeVP8, Source: path, Width: int(w), Height: int(h)},
		open:  func() (frameSource, error) { return openIVF(path) },
	}, nil
}

func (c *Capturer) audioTrack() (*track, error) {
	if c.sources.AudioFile == "" {
		return nil, fmt.Errorf("%w: no microphone source configured", ErrDenied)
	}
	src, err := openOgg(c.sources.AudioFile)
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %v", ErrDenied, err)
	}
	channels := src.channels
	_ = src.Close()

	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %v", ErrDenied, err)
	}
	path := c.sources.AudioFile
	return &track{
		local: local,
		info:  TrackInfo{Kind: "audio", Codec: webrtc.MimeTypeOpus, Source: path, Channels: int(channels)},
		open:  func() (frameSource, error) { return openOgg(path) },
	}, nil
}

// TrackInfo describes an acquired track for display.
type TrackInfo struct {
	Kind     string `json:"kind"`
	Codec    string `json:"codec"`
	Source   string `json:"source"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Channels int    `json:"channels,omitempty"`
}

// Stream is an acquired set of local tracks. The zero value is an empty,
// closed-safe stream.
type Stream struct {
	logger *slog.Logger
	tracks []*track

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	started bool
}

// Tracks returns the tracks to attach to a PeerConnection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.local)
	}
	return out
}

func (s *Stream) Info() []TrackInfo {
	out := make([]TrackInfo, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.info)
	}
	return out
}

// Start begins pumping samples into every track. It is a no-op when already
// started or closed.
func (s *Stream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, t := range s.tracks {
		s.wg.Add(1)
		go func(t *track) {
			defer s.wg.Done()
			if err := pump(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
				s.log().Warn("capture pump stopped", "kind", t.info.Kind, "source", t.info.Source, "err", err)
			}
		}(t)
	}
}

// Close stops all pumps and waits for them. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Stream) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

type track struct {
	local *webrtc.TrackLocalStaticSample
	info  TrackInfo
	open  func() (frameSource, error)
}
