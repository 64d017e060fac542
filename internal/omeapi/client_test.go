package omeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedRequest struct {
	Path          string
	Authorization string
	ContentType   string
	Body          map[string]string
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func newFakeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*fakeServer, *Client) {
	t.Helper()
	fs := &fakeServer{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, recordedRequest{
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			Body:          body,
		})
		fs.mu.Unlock()
		fs.handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", AuthToken: "Bearer tok"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs, c
}

func (fs *fakeServer) last(t *testing.T) recordedRequest {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.requests) == 0 {
		t.Fatalf("no requests recorded")
	}
	return fs.requests[len(fs.requests)-1]
}

func TestCreateSession(t *testing.T) {
	fs, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"_id":"sess-1","whip_url":"https://ome/app/s?direction=whip"}}`))
	})

	sess, err := c.CreateSession(context.Background(), "user_42")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID != "sess-1" || sess.WHIPURL != "https://ome/app/s?direction=whip" {
		t.Fatalf("sess=%+v", sess)
	}

	req := fs.last(t)
	if req.Path != "/ome/create" {
		t.Fatalf("path=%q", req.Path)
	}
	if req.Authorization != "Bearer tok" {
		t.Fatalf("authorization=%q", req.Authorization)
	}
	if req.ContentType != "application/json" {
		t.Fatalf("content-type=%q", req.ContentType)
	}
	if req.Body["external_id"] != "user_42" {
		t.Fatalf("body=%v", req.Body)
	}
}

func TestCreateSession_MissingID(t *testing.T) {
	_, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	})
	if _, err := c.CreateSession(context.Background(), "x"); !errors.Is(err, ErrMissingSessionID) {
		t.Fatalf("err=%v, want ErrMissingSessionID", err)
	}
}

func TestCreateSession_ServerError(t *testing.T) {
	_, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"database down"}`))
	})

	_, err := c.CreateSession(context.Background(), "x")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err=%T %v, want *StatusError", err, err)
	}
	if se.StatusCode != http.StatusInternalServerError || se.Message != "database down" || se.Op != "create" {
		t.Fatalf("status error=%+v", se)
	}
	if !strings.Contains(err.Error(), "database down") {
		t.Fatalf("error text=%q", err.Error())
	}
}

func TestStartAndStopPush(t *testing.T) {
	fs, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if err := c.StartPush(context.Background(), "sess-1", "rtmp://live/app/key"); err != nil {
		t.Fatalf("StartPush: %v", err)
	}
	req := fs.last(t)
	if req.Path != "/ome/startPush" || req.Body["stream_id"] != "sess-1" || req.Body["rtmp_url"] != "rtmp://live/app/key" {
		t.Fatalf("start request=%+v", req)
	}

	if err := c.StopPush(context.Background(), "sess-1"); err != nil {
		t.Fatalf("StopPush: %v", err)
	}
	req = fs.last(t)
	if req.Path != "/ome/stopPush" || req.Body["stream_id"] != "sess-1" {
		t.Fatalf("stop request=%+v", req)
	}
	if _, ok := req.Body["rtmp_url"]; ok {
		t.Fatalf("stop request carries rtmp_url: %+v", req.Body)
	}
}

func TestStopPush_NotFound(t *testing.T) {
	_, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such push", http.StatusNotFound)
	})
	var se *StatusError
	if err := c.StopPush(context.Background(), "gone"); !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err=%v, want 404 StatusError", err)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.StartPush(context.Background(), "s", "rtmp://x/y"); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "ftp://ome"}); err == nil {
		t.Fatalf("expected error")
	}
}
