package whip

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
)

var ErrAnswerRejected = errors.New("whip: answer rejected every media section")

// validateAnswer checks that the endpoint accepted at least one of the
// offered media sections. A rejected m-line has port 0 or is inactive.
func validateAnswer(answer string) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(answer)); err != nil {
		return fmt.Errorf("whip: invalid answer: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 && !bundleOnly(md) {
			continue
		}
		if _, inactive := md.Attribute(sdp.AttrKeyInactive); inactive {
			continue
		}
		if _, sendonly := md.Attribute(sdp.AttrKeySendOnly); sendonly {
			continue
		}
		return nil
	}
	return ErrAnswerRejected
}

func bundleOnly(md *sdp.MediaDescription) bool {
	_, ok := md.Attribute("bundle-only")
	return ok
}
