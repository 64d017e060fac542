package whip

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/omekit/ome-publisher/internal/capture"
	"github.com/omekit/ome-publisher/internal/capture/capturetest"
	"github.com/omekit/ome-publisher/internal/config"
	"github.com/omekit/ome-publisher/internal/metrics"
	"github.com/omekit/ome-publisher/internal/webrtcpeer"
)

func newVNetAPIs(t *testing.T) (publisher, server *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netPub, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net: %v", err)
	}
	netSrv, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net: %v", err)
	}
	if err := router.AddNet(netPub); err != nil {
		t.Fatalf("add net: %v", err)
	}
	if err := router.AddNet(netSrv); err != nil {
		t.Fatalf("add net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	publisher, err = webrtcpeer.NewAPI(config.Config{}, webrtcpeer.Options{Net: netPub})
	if err != nil {
		t.Fatalf("publisher api: %v", err)
	}
	server, err = webrtcpeer.NewAPI(config.Config{}, webrtcpeer.Options{Net: netSrv})
	if err != nil {
		t.Fatalf("server api: %v", err)
	}
	return publisher, server
}

// fakeWHIPServer answers offers with a receive-only PeerConnection.
type fakeWHIPServer struct {
	t   *testing.T
	api *webrtc.API

	offerStatus  int
	answerBody   string
	deleteStatus int

	mu          sync.Mutex
	offerAuth   string
	offerType   string
	deleteAuth  string
	deletes     int
	trackKinds  map[string]bool
	pcs         []*webrtc.PeerConnection
	gotTracks   chan struct{}
	deleteHits  chan struct{}
	tracksFired bool
}

func newFakeWHIPServer(t *testing.T, api *webrtc.API) (*fakeWHIPServer, *httptest.Server) {
	t.Helper()
	f := &fakeWHIPServer{
		t:            t,
		api:          api,
		offerStatus:  http.StatusCreated,
		deleteStatus: http.StatusOK,
		trackKinds:   map[string]bool{},
		gotTracks:    make(chan struct{}),
		deleteHits:   make(chan struct{}, 4),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(func() {
		srv.Close()
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, pc := range f.pcs {
			_ = pc.Close()
		}
	})
	return f, srv
}

func (f *fakeWHIPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/app/stream":
		f.handleOffer(w, r)
	case r.Method == http.MethodDelete && r.URL.Path == "/app/resource/1":
		f.mu.Lock()
		f.deletes++
		f.deleteAuth = r.Header.Get("Authorization")
		f.mu.Unlock()
		w.WriteHeader(f.deleteStatus)
		f.deleteHits <- struct{}{}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeWHIPServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	offer, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.offerAuth = r.Header.Get("Authorization")
	f.offerType = r.Header.Get("Content-Type")
	f.mu.Unlock()

	if f.offerStatus != http.StatusCreated {
		http.Error(w, "rejected", f.offerStatus)
		return
	}
	if f.answerBody != "" {
		w.Header().Set("Location", "resource/1")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, f.answerBody)
		return
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.trackKinds[tr.Kind().String()] = true
		if len(f.trackKinds) == 2 && !f.tracksFired {
			f.tracksFired = true
			close(f.gotTracks)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-gathered

	w.Header().Set("Content-Type", contentTypeSDP)
	w.Header().Set("Location", "resource/1")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, pc.LocalDescription().SDP)
}

func acquireTestStream(t *testing.T) *capture.Stream {
	t.Helper()
	dir := t.TempDir()
	c := capture.New(capture.Sources{
		VideoFile: capturetest.WriteIVF(t, dir, 1280, 720, 30),
		AudioFile: capturetest.WriteOgg(t, dir, 50),
	}, nil)
	s, err := c.Acquire(context.Background(), capture.DefaultConstraints())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPublisher(t *testing.T, api *webrtc.API, m *metrics.Metrics) *Publisher {
	t.Helper()
	p, err := New(Options{
		API:     api,
		Config:  config.Config{ICEGatheringTimeout: 2 * time.Second},
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	return h
}

func TestPublish_VNetEndToEnd(t *testing.T) {
	pubAPI, srvAPI := newVNetAPIs(t)
	f, srv := newFakeWHIPServer(t, srvAPI)
	p := newTestPublisher(t, pubAPI, metrics.New())
	stream := acquireTestStream(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Publish(ctx, srv.URL+"/app/stream", authHeader(), stream); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !p.Active() {
		t.Fatalf("expected active publication")
	}

	select {
	case <-f.gotTracks:
	case <-ctx.Done():
		t.Fatalf("server never received both tracks")
	}

	f.mu.Lock()
	if f.offerAuth != "Bearer secret" {
		t.Fatalf("offer Authorization=%q", f.offerAuth)
	}
	if f.offerType != contentTypeSDP {
		t.Fatalf("offer Content-Type=%q", f.offerType)
	}
	f.mu.Unlock()

	if err := p.Publish(ctx, srv.URL+"/app/stream", authHeader(), stream); !errors.Is(err, ErrAlreadyPublishing) {
		t.Fatalf("second Publish err=%v, want ErrAlreadyPublishing", err)
	}

	p.Unpublish(ctx)
	if p.Active() {
		t.Fatalf("expected no active publication after Unpublish")
	}
	select {
	case <-f.deleteHits:
	case <-ctx.Done():
		t.Fatalf("resource DELETE never arrived")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteAuth != "Bearer secret" {
		t.Fatalf("delete Authorization=%q", f.deleteAuth)
	}
}

func TestPublish_EndpointRejects(t *testing.T) {
	pubAPI, srvAPI := newVNetAPIs(t)
	f, srv := newFakeWHIPServer(t, srvAPI)
	f.offerStatus = http.StatusForbidden
	p := newTestPublisher(t, pubAPI, nil)

	err := p.Publish(context.Background(), srv.URL+"/app/stream", nil, acquireTestStream(t))
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("err=%v, want 403 StatusError", err)
	}
	if p.Active() {
		t.Fatalf("publication must not be active after rejection")
	}
}

func TestPublish_InvalidAnswer(t *testing.T) {
	pubAPI, srvAPI := newVNetAPIs(t)
	f, srv := newFakeWHIPServer(t, srvAPI)
	f.answerBody = "this is not sdp"
	p := newTestPublisher(t, pubAPI, nil)

	if err := p.Publish(context.Background(), srv.URL+"/app/stream", nil, acquireTestStream(t)); err == nil {
		t.Fatalf("expected error for invalid answer")
	}
	if p.Active() {
		t.Fatalf("publication must not be active after invalid answer")
	}

	// The server already created the resource; it must be released.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-f.deleteHits:
	default:
		t.Fatalf("resource DELETE not sent after rejected answer")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deletes != 1 {
		t.Fatalf("deletes=%d, want 1", f.deletes)
	}
}

func TestPublish_EmptyStream(t *testing.T) {
	p := newTestPublisher(t, webrtc.NewAPI(), nil)
	if err := p.Publish(context.Background(), "http://127.0.0.1:1/whip", nil, &capture.Stream{}); !errors.Is(err, ErrNoTracks) {
		t.Fatalf("err=%v, want ErrNoTracks", err)
	}
}

func TestUnpublish_DeleteFailureIsCountedNotReturned(t *testing.T) {
	pubAPI, srvAPI := newVNetAPIs(t)
	f, srv := newFakeWHIPServer(t, srvAPI)
	f.deleteStatus = http.StatusInternalServerError
	m := metrics.New()
	p := newTestPublisher(t, pubAPI, m)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Publish(ctx, srv.URL+"/app/stream", nil, acquireTestStream(t)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	p.Unpublish(ctx)
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := m.Get(metrics.WHIPDeleteFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.WHIPDeleteFailed, got)
	}
}

func TestUnpublish_NothingActive(t *testing.T) {
	p := newTestPublisher(t, webrtc.NewAPI(), nil)
	p.Unpublish(context.Background())
	p.Unpublish(context.Background())
}

func TestResolveLocation(t *testing.T) {
	cases := []struct {
		endpoint, location, want string
	}{
		{"https://ome/app/stream?direction=whip", "", ""},
		{"https://ome/app/stream?direction=whip", "/app/stream/res/9", "https://ome/app/stream/res/9"},
		{"https://ome/app/stream", "stream/res", "https://ome/app/stream/res"},
		{"https://ome/app/stream", "https://other/res", "https://other/res"},
	}
	for _, tc := range cases {
		got, err := resolveLocation(tc.endpoint, tc.location)
		if err != nil {
			t.Fatalf("resolveLocation(%q, %q): %v", tc.endpoint, tc.location, err)
		}
		if got != tc.want {
			t.Fatalf("resolveLocation(%q, %q)=%q, want %q", tc.endpoint, tc.location, got, tc.want)
		}
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("https://user:pw@ome/app/s?token=abc"); got != "https://ome/app/s" {
		t.Fatalf("redactURL=%q", got)
	}
}
