// Package whip publishes a capture stream to a WHIP endpoint
// (WebRTC-HTTP Ingestion Protocol): one SDP offer POSTed to the endpoint,
// the answer in the response body and a resource URL in Location that is
// DELETEd on teardown.
package whip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/omekit/ome-publisher/internal/capture"
	"github.com/omekit/ome-publisher/internal/config"
	"github.com/omekit/ome-publisher/internal/metrics"
	"github.com/omekit/ome-publisher/internal/webrtcpeer"
)

const (
	contentTypeSDP = "application/sdp"

	maxAnswerBytes = 256 << 10

	defaultGatherTimeout = 2 * time.Second
	deleteTimeout        = 5 * time.Second
)

var (
	ErrAlreadyPublishing = errors.New("whip: already publishing")
	ErrNoTracks          = errors.New("whip: stream has no tracks")
)

// StatusError is returned when the endpoint rejects the offer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("whip: endpoint returned status %d", e.StatusCode)
}

type Options struct {
	// API is shared across publishes. When nil one is built from Config.
	API        *webrtc.API
	Config     config.Config
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Publisher holds at most one active publication.
type Publisher struct {
	api     *webrtc.API
	cfg     config.Config
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active *publication

	// Outstanding background DELETEs.
	wg sync.WaitGroup
}

type publication struct {
	pc       *webrtc.PeerConnection
	resource string
	header   http.Header
}

func New(opts Options) (*Publisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := opts.API
	if api == nil {
		var err error
		api, err = webrtcpeer.NewAPI(opts.Config, webrtcpeer.Options{Logger: logger})
		if err != nil {
			return nil, err
		}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Config.APITimeout}
	}
	return &Publisher{
		api:     api,
		cfg:     opts.Config,
		http:    hc,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Publish negotiates a session with endpoint and starts the stream's sample
// pumps once the answer is applied. header is sent with both the offer and
// the teardown DELETE.
func (p *Publisher) Publish(ctx context.Context, endpoint string, header http.Header, stream *capture.Stream) error {
	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return ErrNoTracks
	}

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return ErrAlreadyPublishing
	}
	p.mu.Unlock()

	pc, err := webrtcpeer.NewPeerConnection(p.api, p.cfg)
	if err != nil {
		return fmt.Errorf("whip: new peer connection: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = pc.Close()
		}
	}()

	for _, t := range tracks {
		tr, err := pc.AddTransceiverFromTrack(t, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("whip: add %s track: %w", t.Kind(), err)
		}
		go p.readRTCP(tr.Sender())
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.logger.Debug("whip ice connection state", "state", s.String())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info("whip peer connection state", "state", s.String())
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("whip: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("whip: set local description: %w", err)
	}
	if err := p.waitGathering(ctx, gathered); err != nil {
		return err
	}

	answer, resource, err := p.postOffer(ctx, endpoint, header, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	// The server holds a resource from here on; release it if the answer is
	// not usable.
	defer func() {
		if !ok && resource != "" {
			p.deleteInBackground(ctx, &publication{resource: resource, header: header.Clone()})
		}
	}()
	if err := validateAnswer(answer); err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("whip: set remote description: %w", err)
	}

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return ErrAlreadyPublishing
	}
	p.active = &publication{pc: pc, resource: resource, header: header.Clone()}
	p.mu.Unlock()
	ok = true

	stream.Start()
	p.logger.Info("whip publish established", "endpoint", redactURL(endpoint), "resource", redactURL(resource), "tracks", len(tracks))
	return nil
}

// Unpublish closes the active PeerConnection and DELETEs the resource in the
// background. It never blocks on the network and never fails; teardown errors
// are logged and counted.
func (p *Publisher) Unpublish(ctx context.Context) {
	p.mu.Lock()
	pub := p.active
	p.active = nil
	p.mu.Unlock()
	if pub == nil {
		return
	}

	if err := pub.pc.Close(); err != nil {
		p.logger.Warn("whip peer connection close failed", "err", err)
	}
	if pub.resource == "" {
		return
	}

	p.deleteInBackground(ctx, pub)
}

// deleteInBackground sends the teardown DELETE for pub. Close waits for it.
func (p *Publisher) deleteInBackground(ctx context.Context, pub *publication) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
		defer cancel()
		if err := p.deleteResource(dctx, pub); err != nil {
			p.metrics.Inc(metrics.WHIPDeleteFailed)
			p.logger.Warn("whip resource delete failed", "resource", redactURL(pub.resource), "err", err)
		}
	}()
}

// Active reports whether a publication is established.
func (p *Publisher) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// Close tears down any active publication and waits for outstanding DELETEs.
func (p *Publisher) Close(ctx context.Context) error {
	p.Unpublish(ctx)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) waitGathering(ctx context.Context, gathered <-chan struct{}) error {
	timeout := p.cfg.ICEGatheringTimeout
	if timeout <= 0 {
		timeout = defaultGatherTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-gathered:
	case <-timer.C:
		// Send whatever candidates we have; trickle is not used.
		p.logger.Debug("whip ice gathering timed out, sending partial offer", "timeout", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Publisher) postOffer(ctx context.Context, endpoint string, header http.Header, offer string) (answer, resource string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offer))
	if err != nil {
		return "", "", fmt.Errorf("whip: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	req.Header.Set("Accept", contentTypeSDP)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("whip: post offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", "", fmt.Errorf("whip: read answer: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	resource, err = resolveLocation(endpoint, resp.Header.Get("Location"))
	if err != nil {
		return "", "", err
	}
	return string(body), resource, nil
}

func (p *Publisher) deleteResource(ctx context.Context, pub *publication) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, pub.resource, nil)
	if err != nil {
		return err
	}
	for k, vs := range pub.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// readRTCP drains sender feedback. Interceptors need the reads to run; the
// keyframe requests are counted since the file source cannot honor them.
func (p *Publisher) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				p.metrics.Inc(metrics.WHIPRTCPPLI)
			case *rtcp.FullIntraRequest:
				p.metrics.Inc(metrics.WHIPRTCPFIR)
			}
		}
	}
}

// resolveLocation resolves a possibly relative Location against the endpoint.
// An absent Location leaves the session without a resource to DELETE.
func resolveLocation(endpoint, location string) (string, error) {
	if location == "" {
		return "", nil
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("whip: invalid endpoint: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("whip: invalid Location %q: %w", location, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// redactURL drops the query string, which may carry stream keys or tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
