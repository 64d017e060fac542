package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk YAML layout. Each field maps onto the env var
// of the same meaning so that the file behaves like a lower-priority
// environment.
type fileConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	Mode            string   `yaml:"mode"`
	UI              string   `yaml:"ui"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`

	MDNS struct {
		Enabled  *bool  `yaml:"enabled"`
		Instance string `yaml:"instance"`
	} `yaml:"mdns"`

	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
		File   string `yaml:"file"`
	} `yaml:"log"`

	OME struct {
		APIBaseURL   string `yaml:"api_base_url"`
		AuthToken    string `yaml:"auth_token"`
		APITimeout   string `yaml:"api_timeout"`
		CallerID     string `yaml:"caller_id"`
		WHIPEndpoint string `yaml:"whip_endpoint"`
		RTMPEndpoint string `yaml:"rtmp_endpoint"`
		PlaybackURL  string `yaml:"playback_url"`
	} `yaml:"ome"`

	Capture struct {
		VideoFile string `yaml:"video_file"`
		AudioFile string `yaml:"audio_file"`
	} `yaml:"capture"`

	Auth struct {
		Mode   string `yaml:"mode"`
		APIKey string `yaml:"api_key"`
	} `yaml:"auth"`

	Events struct {
		PingInterval string `yaml:"ping_interval"`
		IdleTimeout  string `yaml:"idle_timeout"`
	} `yaml:"events"`

	WebRTC struct {
		ICEGatheringTimeout  string   `yaml:"ice_gathering_timeout"`
		ICEServersJSON       string   `yaml:"ice_servers_json"`
		STUNURLs             []string `yaml:"stun_urls"`
		TURNURLs             []string `yaml:"turn_urls"`
		TURNUsername         string   `yaml:"turn_username"`
		TURNCredential       string   `yaml:"turn_credential"`
		UDPPortMin           int      `yaml:"udp_port_min"`
		UDPPortMax           int      `yaml:"udp_port_max"`
		UDPListenIP          string   `yaml:"udp_listen_ip"`
		NAT1To1IPs           []string `yaml:"nat_1to1_ips"`
		NAT1To1CandidateType string   `yaml:"nat_1to1_ip_candidate_type"`
	} `yaml:"webrtc"`
}

func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseFile(b)
}

func parseFile(b []byte) (map[string]string, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if fc.ShutdownTimeout != "" {
		if _, err := time.ParseDuration(fc.ShutdownTimeout); err != nil {
			return nil, fmt.Errorf("parse config file: shutdown_timeout: %w", err)
		}
	}

	values := map[string]string{
		envVarListenAddr:      fc.ListenAddr,
		envVarMode:            fc.Mode,
		envVarUI:              fc.UI,
		envVarAllowedOrigins:  strings.Join(fc.AllowedOrigins, ","),
		envVarShutdownTimeout: fc.ShutdownTimeout,

		envVarLogFormat: fc.Log.Format,
		envVarLogLevel:  fc.Log.Level,
		envVarLogFile:   fc.Log.File,

		envVarAPIBaseURL:   fc.OME.APIBaseURL,
		envVarAuthToken:    fc.OME.AuthToken,
		envVarAPITimeout:   fc.OME.APITimeout,
		envVarCallerID:     fc.OME.CallerID,
		envVarWHIPEndpoint: fc.OME.WHIPEndpoint,
		envVarRTMPEndpoint: fc.OME.RTMPEndpoint,
		envVarPlaybackURL:  fc.OME.PlaybackURL,

		envVarCaptureVideoFile: fc.Capture.VideoFile,
		envVarCaptureAudioFile: fc.Capture.AudioFile,

		envVarAuthMode: fc.Auth.Mode,
		envVarAPIKey:   fc.Auth.APIKey,

		envVarEventsWSPingInterval: fc.Events.PingInterval,
		envVarEventsWSIdleTimeout:  fc.Events.IdleTimeout,

		envVarICEGatheringTimeout: fc.WebRTC.ICEGatheringTimeout,
		envICEServersJSON:         fc.WebRTC.ICEServersJSON,
		envStunURLs:               strings.Join(fc.WebRTC.STUNURLs, ","),
		envTurnURLs:               strings.Join(fc.WebRTC.TURNURLs, ","),
		envTurnUsername:           fc.WebRTC.TURNUsername,
		envTurnCredential:         fc.WebRTC.TURNCredential,
		envVarWebRTCUDPListenIP:   fc.WebRTC.UDPListenIP,
		envVarWebRTCNAT1To1IPs:    strings.Join(fc.WebRTC.NAT1To1IPs, ","),

		envVarWebRTCNAT1To1IPCandidateType: fc.WebRTC.NAT1To1CandidateType,
	}
	if fc.MDNS.Enabled != nil {
		values[envVarMDNS] = strconv.FormatBool(*fc.MDNS.Enabled)
	}
	values[envVarMDNSInstance] = fc.MDNS.Instance
	if fc.WebRTC.UDPPortMin != 0 {
		values[envVarWebRTCUDPPortMin] = strconv.Itoa(fc.WebRTC.UDPPortMin)
	}
	if fc.WebRTC.UDPPortMax != 0 {
		values[envVarWebRTCUDPPortMax] = strconv.Itoa(fc.WebRTC.UDPPortMax)
	}

	for k, v := range values {
		if v == "" {
			delete(values, k)
		}
	}
	return values, nil
}

// layered consults lookup first and falls back to the file values.
func layered(lookup func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// configFileArg finds --config / -config in args without parsing the rest,
// since the file has to be read before the flag defaults are computed.
func configFileArg(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return ""
		}
		name := strings.TrimLeft(a, "-")
		if name == a || (len(a)-len(name)) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
