package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/omekit/ome-publisher/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone && !isLoopbackListenAddr(cfg.ListenAddr) {
		logger.Warn("startup security warning: AUTH_MODE=none on a non-loopback address lets anyone on the network control publishing",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.MDNS && cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: mDNS advertises an unauthenticated control API to the local network",
			"warning_code", "mdns_with_auth_none",
			"mdns_instance", cfg.MDNSInstance,
			"mode", cfg.Mode,
		)
	}

	if cfg.DirectMode() {
		logger.Warn("session API not configured: publishing directly to the WHIP endpoint, RTMP push disabled",
			"warning_code", "direct_mode",
			"whip_host", safeURLHost(cfg.WHIPEndpoint),
			"mode", cfg.Mode,
		)
	} else if strings.TrimSpace(cfg.AuthToken) == "" {
		logger.Warn("startup warning: OME_AUTH_TOKEN is unset; the session API and WHIP endpoint will be called without credentials",
			"warning_code", "ome_auth_token_missing",
			"api_host", safeURLHost(cfg.APIBaseURL),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.EqualFold(safeURLScheme(cfg.WHIPEndpoint), "http") {
		logger.Warn("startup security warning: WHIP endpoint uses plain http while --mode=prod (auth token sent in the clear)",
			"warning_code", "whip_endpoint_insecure_in_prod",
			"whip_host", safeURLHost(cfg.WHIPEndpoint),
			"mode", cfg.Mode,
		)
	}
}

// isLoopbackListenAddr reports whether addr only accepts local connections.
// An empty host (":8080") binds every interface.
func isLoopbackListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}

func safeURLScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Scheme
}
