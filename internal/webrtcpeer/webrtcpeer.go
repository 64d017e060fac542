package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/omekit/ome-publisher/internal/config"
)

// Options carries process-level collaborators that are not part of Config.
type Options struct {
	Logger *slog.Logger
	// Net overrides the network stack. Tests pass a pion vnet.Net.
	Net transport.Net
}

// NewAPI builds the pion API used for every publish attempt: default codecs
// (VP8/Opus among them), default interceptors (NACK, RTCP reports), the
// configured ICE network restrictions and a slog-backed logger factory.
func NewAPI(cfg config.Config, opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		candidateType, err := nat1To1CandidateType(cfg.WebRTCNAT1To1IPCandidateType)
		if err != nil {
			return err
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// There is no bind-address knob; IPFilter restricts both gathering and
	// socket binding.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

func nat1To1CandidateType(t config.NAT1To1IPCandidateType) (webrtc.ICECandidateType, error) {
	switch t {
	case config.NAT1To1CandidateTypeHost, "":
		return webrtc.ICECandidateTypeHost, nil
	case config.NAT1To1CandidateTypeSrflx:
		return webrtc.ICECandidateTypeSrflx, nil
	default:
		return 0, fmt.Errorf("invalid NAT 1:1 IP candidate type %q", t)
	}
}
