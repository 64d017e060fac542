package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/omekit/ome-publisher/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := make(map[string]recordedLog)
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		ListenAddr: "0.0.0.0:8080",
		Mode:       config.ModeDev,
		AuthMode:   config.AuthModeNone,
		APIBaseURL: "https://ome.example.com/api",
		AuthToken:  "secret",
	}
	logStartupSecurityWarnings(logger, cfg)

	rec, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if rec.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", rec.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_AuthModeNoneOnLoopbackIsQuiet(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:8080", "localhost:8080", "[::1]:8080"} {
		logger, records := newRecordingLogger()
		cfg := config.Config{
			ListenAddr: addr,
			AuthMode:   config.AuthModeNone,
			APIBaseURL: "https://ome.example.com/api",
			AuthToken:  "secret",
		}
		logStartupSecurityWarnings(logger, cfg)

		if _, ok := warningCodes(records())["auth_mode_none"]; ok {
			t.Fatalf("%s: unexpected auth_mode_none warning", addr)
		}
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		ListenAddr:     "127.0.0.1:8080",
		AuthMode:       config.AuthModeAPIKey,
		AllowedOrigins: []string{"https://ok.example.com", "*"},
		APIBaseURL:     "https://ome.example.com/api",
		AuthToken:      "secret",
	}
	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_SessionAPI(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		want    string
		notWant string
	}{
		{
			name:    "direct mode",
			cfg:     config.Config{WHIPEndpoint: "https://ome.example.com/app/stream?direction=whip"},
			want:    "direct_mode",
			notWant: "ome_auth_token_missing",
		},
		{
			name:    "token missing",
			cfg:     config.Config{APIBaseURL: "https://ome.example.com/api"},
			want:    "ome_auth_token_missing",
			notWant: "direct_mode",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			tc.cfg.ListenAddr = "127.0.0.1:8080"
			logStartupSecurityWarnings(logger, tc.cfg)

			codes := warningCodes(records())
			if _, ok := codes[tc.want]; !ok {
				t.Fatalf("expected warning_code=%s, got %#v", tc.want, records())
			}
			if _, ok := codes[tc.notWant]; ok {
				t.Fatalf("unexpected warning_code=%s", tc.notWant)
			}
		})
	}
}

func TestStartupSecurityWarnings_MDNSWithoutAuth(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		ListenAddr:   "127.0.0.1:8080",
		AuthMode:     config.AuthModeNone,
		MDNS:         true,
		MDNSInstance: "ome-publisher studio",
		APIBaseURL:   "https://ome.example.com/api",
		AuthToken:    "secret",
	}
	logStartupSecurityWarnings(logger, cfg)

	rec, ok := warningCodes(records())["mdns_with_auth_none"]
	if !ok {
		t.Fatalf("expected warning_code=mdns_with_auth_none, got %#v", records())
	}
	if rec.attrs["mdns_instance"] != "ome-publisher studio" {
		t.Fatalf("mdns_instance attr = %#v", rec.attrs["mdns_instance"])
	}
}

func TestStartupSecurityWarnings_InsecureWHIPInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		ListenAddr:   "127.0.0.1:8080",
		Mode:         config.ModeProd,
		AuthMode:     config.AuthModeAPIKey,
		APIBaseURL:   "https://ome.example.com/api",
		AuthToken:    "secret",
		WHIPEndpoint: "http://ome.example.com:3333/app/stream?direction=whip",
	}
	logStartupSecurityWarnings(logger, cfg)

	rec, ok := warningCodes(records())["whip_endpoint_insecure_in_prod"]
	if !ok {
		t.Fatalf("expected warning_code=whip_endpoint_insecure_in_prod, got %#v", records())
	}
	if rec.attrs["whip_host"] != "ome.example.com:3333" {
		t.Fatalf("whip_host attr = %#v", rec.attrs["whip_host"])
	}
}

func TestStartupSecurityWarnings_SecureConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		ListenAddr:     "0.0.0.0:8080",
		Mode:           config.ModeProd,
		AuthMode:       config.AuthModeAPIKey,
		AllowedOrigins: []string{"https://ok.example.com"},
		APIBaseURL:     "https://ome.example.com/api",
		AuthToken:      "secret",
		WHIPEndpoint:   "https://ome.example.com/app/stream?direction=whip",
	}
	logStartupSecurityWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}
