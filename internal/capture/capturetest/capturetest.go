// Package capturetest writes tiny media files for tests that need a working
// capture source.
package capturetest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// WriteIVF writes a VP8 IVF file with the given dimensions and frame count
// at 30 fps. Frame payloads are not decodable video; they only need to parse.
func WriteIVF(t testing.TB, dir string, width, height uint16, frames int) string {
	t.Helper()
	return writeIVF(t, dir, "VP80", width, height, frames)
}

// WriteIVFCodec is WriteIVF with an explicit FourCC.
func WriteIVFCodec(t testing.TB, dir, fourCC string, frames int) string {
	t.Helper()
	return writeIVF(t, dir, fourCC, 1280, 720, frames)
}

func writeIVF(t testing.TB, dir, fourCC string, width, height uint16, frames int) string {
	t.Helper()

	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], fourCC)
	binary.LittleEndian.PutUint16(header[12:], width)
	binary.LittleEndian.PutUint16(header[14:], height)
	binary.LittleEndian.PutUint32(header[16:], 30) // timebase denominator
	binary.LittleEndian.PutUint32(header[20:], 1)  // timebase numerator
	binary.LittleEndian.PutUint32(header[24:], uint32(frames))

	buf := header
	for i := 0; i < frames; i++ {
		payload := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(payload)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		buf = append(buf, fh...)
		buf = append(buf, payload...)
	}

	path := filepath.Join(dir, "camera.ivf")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write ivf: %v", err)
	}
	return path
}

// WriteOgg writes a stereo Opus OGG file with packets of 20ms each.
func WriteOgg(t testing.TB, dir string, packets int) string {
	t.Helper()

	path := filepath.Join(dir, "microphone.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		t.Fatalf("oggwriter: %v", err)
	}
	for i := 0; i < packets; i++ {
		// TOC byte 0xfc: config 31, stereo, one frame.
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}
		if err := w.WriteRTP(pkt); err != nil {
			t.Fatalf("write ogg packet: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close ogg: %v", err)
	}
	return path
}
