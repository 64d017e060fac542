package main

import (
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/omekit/ome-publisher/internal/config"
)

// peerConnectionICEServers returns the ICE server list to use for the
// publishing PeerConnection.
//
// A JSON ICE config may carry TURN URLs without credentials. Pion rejects
// those when the PeerConnection is built, which would only surface as a
// publish failure, so they are dropped up front with a warning.
func peerConnectionICEServers(cfg config.Config, logger *slog.Logger) []webrtc.ICEServer {
	if logger == nil {
		logger = slog.Default()
	}

	out := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, server := range cfg.ICEServers {
		if !iceServerHasTURNURL(server) || iceServerHasCredentials(server) {
			out = append(out, server)
			continue
		}
		logger.Warn("dropping TURN server without credentials",
			"warning_code", "turn_credentials_missing",
			"urls", server.URLs,
		)
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func iceServerHasCredentials(server webrtc.ICEServer) bool {
	if strings.TrimSpace(server.Username) == "" {
		return false
	}
	cred, ok := server.Credential.(string)
	return ok && strings.TrimSpace(cred) != ""
}
