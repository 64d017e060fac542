package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/omekit/ome-publisher/internal/capture"
	"github.com/omekit/ome-publisher/internal/config"
	"github.com/omekit/ome-publisher/internal/discovery"
	"github.com/omekit/ome-publisher/internal/httpserver"
	"github.com/omekit/ome-publisher/internal/metrics"
	"github.com/omekit/ome-publisher/internal/omeapi"
	"github.com/omekit/ome-publisher/internal/session"
	"github.com/omekit/ome-publisher/internal/tui"
	"github.com/omekit/ome-publisher/internal/webrtcpeer"
	"github.com/omekit/ome-publisher/internal/whip"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, logCloser, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	code := run(cfg, logger)
	_ = logCloser.Close()
	os.Exit(code)
}

// run returns the process exit code; its deferred cleanup completes before
// main exits.
func run(cfg config.Config, logger *slog.Logger) int {
	m := metrics.New()
	cfg.ICEServers = peerConnectionICEServers(cfg, logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// No sockets are opened until a publish creates a PeerConnection.
	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	logger.Info("starting ome-publisher",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"ui", cfg.UI,
		"direct_mode", cfg.DirectMode(),
		"api_host", safeURLHost(cfg.APIBaseURL),
		"whip_host", safeURLHost(cfg.WHIPEndpoint),
		"caller_id", cfg.CallerID,
		"ice_servers", len(cfg.ICEServers),
		"video_file_set", cfg.CaptureVideoFile != "",
		"audio_file_set", cfg.CaptureAudioFile != "",
	)

	logStartupSecurityWarnings(logger, cfg)

	publisher, err := whip.New(whip.Options{
		API:     api,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Error("failed to configure whip publisher", "err", err)
		return 2
	}

	var sessionAPI session.API
	if !cfg.DirectMode() {
		client, err := omeapi.New(omeapi.Config{
			BaseURL:   cfg.APIBaseURL,
			AuthToken: cfg.AuthToken,
			Timeout:   cfg.APITimeout,
		})
		if err != nil {
			logger.Error("failed to configure session api", "err", err)
			return 2
		}
		sessionAPI = client
	}

	ctrl := session.New(session.Options{
		API:           sessionAPI,
		Capturer:      capture.New(capture.Sources{VideoFile: cfg.CaptureVideoFile, AudioFile: cfg.CaptureAudioFile}, logger),
		Publisher:     publisher,
		AuthToken:     cfg.AuthToken,
		CallerID:      cfg.CallerID,
		PublishTarget: cfg.WHIPEndpoint,
		RelayTarget:   cfg.RTMPEndpoint,
		PlaybackURL:   cfg.PlaybackURL,
		Logger:        logger,
		Metrics:       m,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, ctrl, m)
	if err != nil {
		_ = ln.Close()
		logger.Error("failed to configure http server", "err", err)
		return 2
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	if cfg.MDNS {
		adv, err := startAdvertiser(cfg, ln.Addr(), commit, logger)
		if err != nil {
			// Discovery is a convenience; keep running without it.
			logger.Warn("mdns advertisement disabled", "err", err)
		} else {
			defer adv.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uiDone := make(chan error, 1)
	switch cfg.UI {
	case config.UITUI:
		go func() {
			uiDone <- tui.Run(ctx, ctrl)
		}()
	case config.UIWeb:
		logger.Info("control page ready", "url", "http://"+ln.Addr().String()+"/")
	}

	code := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			code = 1
		}
		errCh = nil
	case err := <-uiDone:
		if err != nil {
			logger.Error("terminal ui exited", "err", err)
			code = 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Leave the meeting first so the WHIP resource and any RTMP push are torn
	// down while the network is still up.
	if err := ctrl.Close(shutdownCtx); err != nil {
		logger.Error("session shutdown incomplete", "err", err)
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Error("whip teardown incomplete", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if errCh != nil {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited after shutdown", "err", err)
			code = 1
		}
	}
	return code
}

func startAdvertiser(cfg config.Config, addr net.Addr, commit string, logger *slog.Logger) (*discovery.Advertiser, error) {
	port, err := discovery.PortFromAddr(addr)
	if err != nil {
		return nil, err
	}
	txt := []string{
		"path=/",
		"api=/api/session",
		"auth=" + string(cfg.AuthMode),
		"caller=" + cfg.CallerID,
	}
	if commit != "" {
		txt = append(txt, "commit="+commit)
	}
	adv, err := discovery.NewAdvertiser(discovery.Config{
		Instance: cfg.MDNSInstance,
		Port:     port,
		TXT:      txt,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := adv.Start(); err != nil {
		return nil, err
	}
	return adv, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
