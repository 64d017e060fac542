package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omekit/ome-publisher/internal/capture/capturetest"
)

func TestAcquire_DefaultConstraints(t *testing.T) {
	dir := t.TempDir()
	c := New(Sources{
		VideoFile: capturetest.WriteIVF(t, dir, 1280, 720, 5),
		AudioFile: capturetest.WriteOgg(t, dir, 5),
	}, nil)

	s, err := c.Acquire(context.Background(), DefaultConstraints())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Close()

	info := s.Info()
	if len(info) != 2 || len(s.Tracks()) != 2 {
		t.Fatalf("tracks=%+v", info)
	}
	if info[0].Kind != "video" || info[0].Width != 1280 || info[0].Height != 720 {
		t.Fatalf("video=%+v", info[0])
	}
	if info[1].Kind != "audio" || info[1].Channels != 2 {
		t.Fatalf("audio=%+v", info[1])
	}
}

func TestAcquire_Denied(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.ivf")
	if err := os.WriteFile(garbage, []byte("not a video"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name    string
		sources Sources
		cons    Constraints
	}{
		{name: "no sources", cons: DefaultConstraints()},
		{name: "missing video file", sources: Sources{VideoFile: filepath.Join(dir, "nope.ivf")}, cons: Constraints{Video: &VideoConstraints{}}},
		{name: "garbage video", sources: Sources{VideoFile: garbage}, cons: Constraints{Video: &VideoConstraints{}}},
		{name: "wrong codec", sources: Sources{VideoFile: capturetest.WriteIVFCodec(t, t.TempDir(), "AV01", 2)}, cons: Constraints{Video: &VideoConstraints{}}},
		{name: "audio without source", sources: Sources{VideoFile: capturetest.WriteIVF(t, t.TempDir(), 640, 480, 1)}, cons: DefaultConstraints()},
		{name: "nothing requested", cons: Constraints{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.sources, nil).Acquire(context.Background(), tc.cons)
			if !errors.Is(err, ErrDenied) {
				t.Fatalf("err=%v, want ErrDenied", err)
			}
		})
	}
}

func TestAcquire_AudioOnly(t *testing.T) {
	c := New(Sources{AudioFile: capturetest.WriteOgg(t, t.TempDir(), 3)}, nil)
	s, err := c.Acquire(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := s.Info(); len(got) != 1 || got[0].Kind != "audio" {
		t.Fatalf("info=%+v", got)
	}
}

func TestOggSource_SkipsHeaderPagesAndComputesDuration(t *testing.T) {
	src, err := openOgg(capturetest.WriteOgg(t, t.TempDir(), 4))
	if err != nil {
		t.Fatalf("openOgg: %v", err)
	}
	defer src.Close()

	var durs []time.Duration
	for {
		_, dur, err := src.next()
		if err != nil {
			break
		}
		durs = append(durs, dur)
	}
	// The writer starts granule positions at 1, so the first page is nearly
	// empty and every later page advances by one 20ms packet.
	if len(durs) != 4 {
		t.Fatalf("pages=%d, want 4", len(durs))
	}
	for _, d := range durs[1:] {
		if d != 20*time.Millisecond {
			t.Fatalf("durations=%v, want 20ms after the first page", durs)
		}
	}
}

func TestIVFSource_Interval(t *testing.T) {
	src, err := openIVF(capturetest.WriteIVF(t, t.TempDir(), 320, 240, 2))
	if err != nil {
		t.Fatalf("openIVF: %v", err)
	}
	defer src.Close()

	if want := time.Second / 30; src.interval != want {
		t.Fatalf("interval=%v, want %v", src.interval, want)
	}
}

func TestStream_StartCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c := New(Sources{VideoFile: capturetest.WriteIVF(t, dir, 1280, 720, 2)}, nil)
	s, err := c.Acquire(context.Background(), Constraints{Video: &VideoConstraints{}})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	s.Start()
	s.Start()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}

	// Start after Close must not spawn pumps.
	s.Start()
}

func TestZeroStreamIsSafe(t *testing.T) {
	var s Stream
	s.Start()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(s.Tracks()) != 0 {
		t.Fatalf("expected no tracks")
	}
}
