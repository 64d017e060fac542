package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusClockRate = 48000

// frameSource yields encoded samples with their playout duration. io.EOF
// marks the end of one pass over the file.
type frameSource interface {
	next() ([]byte, time.Duration, error)
	io.Closer
}

type ivfSource struct {
	f        *os.File
	r        *ivfreader.IVFReader
	interval time.Duration
	width    uint16
	height   uint16
}

func openIVF(path string) (*ivfSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, h, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("parse ivf header: %w", err)
	}
	if h.FourCC != "VP80" {
		_ = f.Close()
		return nil, fmt.Errorf("unsupported video codec %q (want VP80)", h.FourCC)
	}
	interval := time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
	if interval <= 0 {
		_ = f.Close()
		return nil, fmt.Errorf("invalid ivf timebase %d/%d", h.TimebaseNumerator, h.TimebaseDenominator)
	}
	return &ivfSource{f: f, r: r, interval: interval, width: h.Width, height: h.Height}, nil
}

func (s *ivfSource) next() ([]byte, time.Duration, error) {
	frame, _, err := s.r.ParseNextFrame()
	if err != nil {
		return nil, 0, err
	}
	return frame, s.interval, nil
}

func (s *ivfSource) Close() error { return s.f.Close() }

type oggSource struct {
	f           *os.File
	r           *oggreader.OggReader
	channels    uint8
	lastGranule uint64
}

func openOgg(path string) (*oggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, h, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("parse ogg header: %w", err)
	}
	return &oggSource{f: f, r: r, channels: h.Channels}, nil
}

// next skips pages that carry no samples (the comment header and any page
// whose granule position does not advance).
func (s *oggSource) next() ([]byte, time.Duration, error) {
	for {
		page, h, err := s.r.ParseNextPage()
		if err != nil {
			return nil, 0, err
		}
		if h.GranulePosition <= s.lastGranule {
			continue
		}
		samples := h.GranulePosition - s.lastGranule
		s.lastGranule = h.GranulePosition
		return page, time.Duration(samples) * time.Second / opusClockRate, nil
	}
}

func (s *oggSource) Close() error { return s.f.Close() }

// pump writes samples to t in real time until ctx is done, reopening the
// source at EOF. A file that yields nothing in a full pass is an error.
func pump(ctx context.Context, t *track) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		src, err := t.open()
		if err != nil {
			return err
		}
		wrote, err := pumpOnce(ctx, src, t, timer)
		_ = src.Close()
		if err != nil {
			return err
		}
		if !wrote {
			return fmt.Errorf("%s source has no samples", t.info.Kind)
		}
	}
}

func pumpOnce(ctx context.Context, src frameSource, t *track, timer *time.Timer) (bool, error) {
	wrote := false
	for {
		data, dur, err := src.next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return wrote, nil
		}
		if err != nil {
			return wrote, err
		}

		if err := t.local.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return wrote, err
		}
		wrote = true

		timer.Reset(dur)
		select {
		case <-ctx.Done():
			return wrote, ctx.Err()
		case <-timer.C:
		}
	}
}
