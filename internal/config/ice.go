package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "OME_ICE_SERVERS_JSON"

	envStunURLs       = "OME_STUN_URLS"
	envTurnURLs       = "OME_TURN_URLS"
	envTurnUsername   = "OME_TURN_USERNAME"
	envTurnCredential = "OME_TURN_CREDENTIAL"
)

// parseICEServersFromValues prefers the JSON form; the convenience values are
// only consulted when it is empty.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServers(stunURLs, turnURLs, turnUsername, turnCredential)
}

type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts both "urls": "stun:..." and "urls": ["stun:...", ...],
// mirroring RTCIceServer in browsers.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses a browser-style iceServers array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ParseICEServers builds at most one STUN and one TURN entry from
// comma-separated URL lists.
func ParseICEServers(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: turnUsername, Credential: turnCredential}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, u := range server.URLs {
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !needsCreds {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
