package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omekit/ome-publisher/internal/config"
	"github.com/omekit/ome-publisher/internal/session"
)

type eventBody struct {
	Type    string           `json:"type"`
	Session session.Snapshot `json:"session"`
}

func dialEvents(t *testing.T, baseURL string, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/session/events"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) eventBody {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventBody
	if err := c.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestEvents_SnapshotOnConnectAndChange(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), newTestController(&fakeAPI{createOK: true}))
	c := dialEvents(t, baseURL, nil)

	ev := readEvent(t, c)
	if ev.Type != "session" || ev.Session.PublishState != session.PublishIdle {
		t.Fatalf("initial event=%+v", ev)
	}

	resp, err := http.Post(baseURL+"/api/publish/start", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	// Intermediate snapshots (pending) may be skipped; wait for the final one.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev = readEvent(t, c)
		if ev.Session.PublishState == session.PublishPublishing && ev.Session.Pending == session.OpNone {
			return
		}
	}
	t.Fatalf("never saw publishing snapshot, last=%+v", ev.Session)
}

func TestEvents_RequiresAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "secret"
	baseURL := startTestServer(t, cfg, newTestController(nil))

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/session/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without api key")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v, want 401", resp)
	}

	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?apiKey=secret", nil)
	if err != nil {
		t.Fatalf("dial with api key: %v", err)
	}
	defer c.Close()
	if ev := readEvent(t, c); ev.Type != "session" {
		t.Fatalf("event=%+v", ev)
	}
}

func TestEvents_RejectsForeignOrigin(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), newTestController(nil))

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/session/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.test"}})
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
}

func TestEvents_IdleTimeoutClosesWithoutPong(t *testing.T) {
	cfg := testConfig()
	cfg.EventsWSIdleTimeout = 500 * time.Millisecond
	cfg.EventsWSPingInterval = 50 * time.Millisecond
	baseURL := startTestServer(t, cfg, newTestController(nil))
	c := dialEvents(t, baseURL, nil)

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// Intentionally do not respond with pong.
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected close normal closure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestEvents_PongKeepsConnectionOpen(t *testing.T) {
	cfg := testConfig()
	cfg.EventsWSIdleTimeout = 500 * time.Millisecond
	cfg.EventsWSPingInterval = 50 * time.Millisecond
	baseURL := startTestServer(t, cfg, newTestController(nil))
	c := dialEvents(t, baseURL, nil)

	// The default ping handler answers with a pong.
	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	time.Sleep(cfg.EventsWSIdleTimeout + 4*cfg.EventsWSPingInterval)

	select {
	case err := <-errCh:
		t.Fatalf("unexpected close before idle timeout elapsed: %v", err)
	default:
	}
}
