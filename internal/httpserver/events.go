package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omekit/ome-publisher/internal/metrics"
)

const wsWriteWait = 1 * time.Second

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// withOriginPolicy has already vetted the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

type sessionEvent struct {
	Type string `json:"type"`
	sessionResponse
}

// handleEvents streams a session event on connect and after every change.
// The server pings every EventsWSPingInterval; a client that sends nothing
// (not even a pong) for EventsWSIdleTimeout is closed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return
	}
	defer conn.Close()
	s.metrics.Inc(metrics.EventsClientConnected)

	updates, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	idle := s.cfg.EventsWSIdleTimeout
	extend := func() {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	// The read loop only exists to process control frames and notice the
	// client leaving. Inbound data frames are ignored.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
			extend()
		}
	}()

	var pingC <-chan time.Time
	if iv := s.cfg.EventsWSPingInterval; iv > 0 {
		ticker := time.NewTicker(iv)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				writeClose(conn, websocket.CloseGoingAway, "shutting down")
				return
			}
			payload, err := json.Marshal(sessionEvent{Type: "session", sessionResponse: newSessionResponse(snap)})
			if err != nil {
				writeClose(conn, websocket.CloseInternalServerErr, "failed to encode session")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-pingC:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case err := <-readErr:
			if isTimeout(err) {
				writeClose(conn, websocket.CloseNormalClosure, "idle timeout")
			}
			return
		case <-r.Context().Done():
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
