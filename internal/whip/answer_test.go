package whip

import (
	"errors"
	"strings"
	"testing"
)

func sdpWith(media ...string) string {
	lines := []string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	lines = append(lines, media...)
	return strings.Join(lines, "\r\n") + "\r\n"
}

func TestValidateAnswer(t *testing.T) {
	accepted := sdpWith(
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=recvonly",
	)
	if err := validateAnswer(accepted); err != nil {
		t.Fatalf("accepted answer: %v", err)
	}

	rejected := sdpWith(
		"m=video 0 UDP/TLS/RTP/SAVPF 96",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=inactive",
	)
	if err := validateAnswer(rejected); !errors.Is(err, ErrAnswerRejected) {
		t.Fatalf("err=%v, want ErrAnswerRejected", err)
	}

	if err := validateAnswer("garbage"); err == nil || errors.Is(err, ErrAnswerRejected) {
		t.Fatalf("err=%v, want parse error", err)
	}
}
