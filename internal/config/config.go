package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarConfigFile      = "OME_PUBLISHER_CONFIG"
	envVarListenAddr      = "OME_PUBLISHER_LISTEN_ADDR"
	envVarMode            = "OME_PUBLISHER_MODE"
	envVarLogFormat       = "OME_PUBLISHER_LOG_FORMAT"
	envVarLogLevel        = "OME_PUBLISHER_LOG_LEVEL"
	envVarLogFile         = "OME_PUBLISHER_LOG_FILE"
	envVarShutdownTimeout = "OME_PUBLISHER_SHUTDOWN_TIMEOUT"
	envVarUI              = "OME_PUBLISHER_UI"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMDNS            = "OME_PUBLISHER_MDNS"
	envVarMDNSInstance    = "OME_PUBLISHER_MDNS_INSTANCE"

	// Media server session API.
	envVarAPIBaseURL   = "OME_API_BASE_URL"
	envVarAuthToken    = "OME_AUTH_TOKEN"
	envVarAPITimeout   = "OME_API_TIMEOUT"
	envVarCallerID     = "OME_CALLER_ID"
	envVarWHIPEndpoint = "OME_WHIP_ENDPOINT"
	envVarRTMPEndpoint = "OME_RTMP_ENDPOINT"
	envVarPlaybackURL  = "OME_PLAYBACK_URL"

	// Local capture sources.
	envVarCaptureVideoFile = "CAPTURE_VIDEO_FILE"
	envVarCaptureAudioFile = "CAPTURE_AUDIO_FILE"

	// Control API auth.
	envVarAuthMode = "AUTH_MODE"
	envVarAPIKey   = "API_KEY"

	// Live session event stream keepalive.
	envVarEventsWSPingInterval = "EVENTS_WS_PING_INTERVAL"
	envVarEventsWSIdleTimeout  = "EVENTS_WS_IDLE_TIMEOUT"

	envVarICEGatheringTimeout = "ICE_GATHERING_TIMEOUT"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
)

// Exported env var names used by tests and docs.
const (
	EnvAPIBaseURL       = envVarAPIBaseURL
	EnvAuthToken        = envVarAuthToken
	EnvWHIPEndpoint     = envVarWHIPEndpoint
	EnvRTMPEndpoint     = envVarRTMPEndpoint
	EnvWebRTCUDPPortMin = envVarWebRTCUDPPortMin
	EnvWebRTCUDPPortMax = envVarWebRTCUDPPortMax
	EnvConfigFile       = envVarConfigFile
)

const (
	DefaultListenAddr                     = "127.0.0.1:8088"
	DefaultShutdown                       = 10 * time.Second
	DefaultICEGatherTimeout               = 2 * time.Second
	DefaultMode                      Mode = ModeDev
	DefaultUI                        UI   = UITUI
	DefaultAuthMode                  AuthMode = AuthModeNone
	DefaultRTMPEndpoint                   = "rtmp://localhost:1935/app/stream"
	DefaultDirectWHIPEndpoint             = "http://localhost:3333/app/stream?direction=whip"
	DefaultEventsWSPingInterval           = 20 * time.Second
	DefaultEventsWSIdleTimeout            = 60 * time.Second
	DefaultWebRTCUDPListenIP              = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. A publisher
// only needs a handful of ports, but a range this small is almost always a
// typo.
const recommendedWebRTCUDPPortRangeSize = 10

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

// UI selects the front end that drives the session controller.
type UI string

const (
	UITUI      UI = "tui"
	UIWeb      UI = "web"
	UIHeadless UI = "headless"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	LogFile         string
	ShutdownTimeout time.Duration
	Mode            Mode
	UI              UI

	// MDNS advertises the control server on the local network as
	// _ome-publisher._tcp. MDNSInstance defaults to "ome-publisher <caller id>".
	MDNS         bool
	MDNSInstance string

	// APIBaseURL is the media server's session API. Empty means direct mode:
	// publish straight to WHIPEndpoint and never relay.
	APIBaseURL string
	AuthToken  string
	// APITimeout bounds each session API call. Zero means no timeout.
	APITimeout   time.Duration
	CallerID     string
	WHIPEndpoint string
	RTMPEndpoint string
	PlaybackURL  string

	CaptureVideoFile string
	CaptureAudioFile string

	AuthMode AuthMode
	APIKey   string

	EventsWSPingInterval time.Duration
	EventsWSIdleTimeout  time.Duration

	ICEGatheringTimeout time.Duration
	ICEServers          []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCUDPListenIP restricts which local interface address ICE binds to.
	// 0.0.0.0 means all interfaces.
	WebRTCUDPListenIP net.IP

	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
}

// DirectMode reports whether the publisher bypasses the session API.
func (c Config) DirectMode() bool {
	return strings.TrimSpace(c.APIBaseURL) == ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	// A config file only provides defaults; env and flags still win.
	path := configFileArg(args)
	if path == "" {
		path = envOrDefault(lookup, envVarConfigFile, "")
	}
	if path != "" {
		fileValues, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(lookup, fileValues)
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	logFile := envOrDefault(lookup, envVarLogFile, "")
	uiStr := envOrDefault(lookup, envVarUI, string(DefaultUI))
	mdnsInstance := envOrDefault(lookup, envVarMDNSInstance, "")
	mdns, err := envBoolOrDefault(lookup, envVarMDNS, false)
	if err != nil {
		return Config{}, err
	}

	apiBaseURL := envOrDefault(lookup, envVarAPIBaseURL, "")
	authToken := envOrDefault(lookup, envVarAuthToken, "")
	callerID := envOrDefault(lookup, envVarCallerID, "")
	whipEndpoint := envOrDefault(lookup, envVarWHIPEndpoint, "")
	rtmpEndpoint := envOrDefault(lookup, envVarRTMPEndpoint, DefaultRTMPEndpoint)
	playbackURL := envOrDefault(lookup, envVarPlaybackURL, "")
	captureVideoFile := envOrDefault(lookup, envVarCaptureVideoFile, "")
	captureAudioFile := envOrDefault(lookup, envVarCaptureAudioFile, "")

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	apiTimeout, err := envDurationOrDefault(lookup, envVarAPITimeout, 0)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	eventsWSPingInterval, err := envDurationOrDefault(lookup, envVarEventsWSPingInterval, DefaultEventsWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	eventsWSIdleTimeout, err := envDurationOrDefault(lookup, envVarEventsWSIdleTimeout, DefaultEventsWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("ome-publisher", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configFile   string
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&configFile, "config", path, "Optional YAML config file providing defaults (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Control HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&logFile, "log-file", logFile, "Write logs to this file instead of stdout (env "+envVarLogFile+")")
	fs.StringVar(&uiStr, "ui", uiStr, "Front end: tui, web or headless (env "+envVarUI+")")
	fs.BoolVar(&mdns, "mdns", mdns, "Advertise the control server over mDNS (env "+envVarMDNS+")")
	fs.StringVar(&mdnsInstance, "mdns-instance", mdnsInstance, "mDNS instance name (env "+envVarMDNSInstance+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 10s)")

	fs.StringVar(&apiBaseURL, "api-base-url", apiBaseURL, "Media server session API base URL; empty publishes directly (env "+envVarAPIBaseURL+")")
	fs.StringVar(&authToken, "auth-token", authToken, "Authorization header value for the session API and WHIP (env "+envVarAuthToken+")")
	fs.DurationVar(&apiTimeout, "api-timeout", apiTimeout, "Per-call session API timeout, 0 = none (env "+envVarAPITimeout+")")
	fs.StringVar(&callerID, "caller-id", callerID, "External caller id sent on session creation (env "+envVarCallerID+")")
	fs.StringVar(&whipEndpoint, "whip-endpoint", whipEndpoint, "Initial WHIP endpoint (env "+envVarWHIPEndpoint+")")
	fs.StringVar(&rtmpEndpoint, "rtmp-endpoint", rtmpEndpoint, "Initial RTMP relay target (env "+envVarRTMPEndpoint+")")
	fs.StringVar(&playbackURL, "playback-url", playbackURL, "Optional playback link shown in the UI (env "+envVarPlaybackURL+")")
	fs.StringVar(&captureVideoFile, "video-file", captureVideoFile, "VP8 IVF file used as the camera source (env "+envVarCaptureVideoFile+")")
	fs.StringVar(&captureAudioFile, "audio-file", captureAudioFile, "Opus OGG file used as the microphone source (env "+envVarCaptureAudioFile+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Control API auth mode: none or api_key (env "+envVarAuthMode+")")
	fs.DurationVar(&eventsWSPingInterval, "events-ws-ping-interval", eventsWSPingInterval, "Ping interval for the session event WebSocket (env "+envVarEventsWSPingInterval+")")
	fs.DurationVar(&eventsWSIdleTimeout, "events-ws-idle-timeout", eventsWSIdleTimeout, "Idle timeout for the session event WebSocket (env "+envVarEventsWSIdleTimeout+")")

	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before sending the WHIP offer (env "+envVarICEGatheringTimeout+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	ui, err := parseUI(uiStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if apiTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--api-timeout must be >= 0", envVarAPITimeout)
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if eventsWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--events-ws-ping-interval must be > 0", envVarEventsWSPingInterval)
	}
	if eventsWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--events-ws-idle-timeout must be > 0", envVarEventsWSIdleTimeout)
	}
	if eventsWSPingInterval >= eventsWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--events-ws-ping-interval must be < %s/--events-ws-idle-timeout", envVarEventsWSPingInterval, envVarEventsWSIdleTimeout)
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}

	apiBaseURL = strings.TrimRight(strings.TrimSpace(apiBaseURL), "/")
	if apiBaseURL != "" {
		if err := validateHTTPURL(apiBaseURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--api-base-url %q: %w", envVarAPIBaseURL, apiBaseURL, err)
		}
	}

	whipEndpoint = strings.TrimSpace(whipEndpoint)
	if whipEndpoint == "" {
		whipEndpoint = DefaultWHIPEndpoint(apiBaseURL, time.Now())
	}
	if err := validateHTTPURL(whipEndpoint); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--whip-endpoint %q: %w", envVarWHIPEndpoint, whipEndpoint, err)
	}

	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		callerID = fmt.Sprintf("user_%d", rand.IntN(10000))
	}
	mdnsInstance = strings.TrimSpace(mdnsInstance)
	if mdnsInstance == "" {
		mdnsInstance = "ome-publisher " + callerID
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips %q: %w", envVarWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		LogFile:         strings.TrimSpace(logFile),
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		UI:              ui,
		MDNS:            mdns,
		MDNSInstance:    mdnsInstance,

		APIBaseURL:   apiBaseURL,
		AuthToken:    authToken,
		APITimeout:   apiTimeout,
		CallerID:     callerID,
		WHIPEndpoint: whipEndpoint,
		RTMPEndpoint: strings.TrimSpace(rtmpEndpoint),
		PlaybackURL:  strings.TrimSpace(playbackURL),

		CaptureVideoFile: strings.TrimSpace(captureVideoFile),
		CaptureAudioFile: strings.TrimSpace(captureAudioFile),

		AuthMode: authMode,
		APIKey:   apiKey,

		EventsWSPingInterval: eventsWSPingInterval,
		EventsWSIdleTimeout:  eventsWSIdleTimeout,

		ICEGatheringTimeout: iceGatherTimeout,
		ICEServers:          iceServers,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
	}, nil
}

// DefaultWHIPEndpoint derives the initial WHIP URL. With a session API the
// stream name is the current unix time in milliseconds so every run gets a
// fresh stream.
func DefaultWHIPEndpoint(apiBaseURL string, now time.Time) string {
	if apiBaseURL == "" {
		return DefaultDirectWHIPEndpoint
	}
	return apiBaseURL + "/app/" + strconv.FormatInt(now.UnixMilli(), 10) + "?direction=whip"
}

// NewLogger builds the process logger. When cfg.LogFile is set, logs are
// appended there; the returned closer must be called on shutdown.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	} else if cfg.UI == UITUI {
		// Stdout belongs to the terminal UI.
		out = io.Discard
	}
	logger, err := newLogger(cfg, out)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

func newLogger(cfg Config, out io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

func parseUI(raw string) (UI, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(UITUI):
		return UITUI, nil
	case string(UIWeb):
		return UIWeb, nil
	case string(UIHeadless):
		return UIHeadless, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s or %s)", envVarUI, raw, UITUI, UIWeb, UIHeadless)
	}
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("expected http:// or https://")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		u, err := url.Parse(entry)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, strings.ToLower(u.Scheme+"://"+u.Host))
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost), "":
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
