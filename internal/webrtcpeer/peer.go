package webrtcpeer

import (
	"github.com/pion/webrtc/v4"

	"github.com/omekit/ome-publisher/internal/config"
)

// NewPeerConnection constructs the publishing PeerConnection. Media servers
// usually expose public host candidates; STUN/TURN only matter when the
// publisher itself sits behind NAT.
func NewPeerConnection(api *webrtc.API, cfg config.Config) (*webrtc.PeerConnection, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
}
