// Package session holds the publisher's single in-memory session and the
// operations that move it between idle, publishing and relaying.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/omekit/ome-publisher/internal/capture"
	"github.com/omekit/ome-publisher/internal/metrics"
	"github.com/omekit/ome-publisher/internal/omeapi"
)

// API is the media server's session API.
type API interface {
	CreateSession(ctx context.Context, callerID string) (omeapi.Session, error)
	StartPush(ctx context.Context, sessionID, rtmpURL string) error
	StopPush(ctx context.Context, sessionID string) error
}

type Capturer interface {
	Acquire(ctx context.Context, c capture.Constraints) (*capture.Stream, error)
}

// Publisher sends an acquired stream to a WHIP endpoint. Unpublish must not
// block on the network.
type Publisher interface {
	Publish(ctx context.Context, endpoint string, header http.Header, stream *capture.Stream) error
	Unpublish(ctx context.Context)
}

type Options struct {
	// API is optional. Without it the controller runs in direct mode:
	// it publishes straight to PublishTarget and relaying is unavailable.
	API       API
	Capturer  Capturer
	Publisher Publisher

	AuthToken     string
	CallerID      string
	PublishTarget string
	RelayTarget   string
	PlaybackURL   string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Controller serialises operations on the session. Reads (Snapshot,
// Subscribe) never wait for an operation in flight.
type Controller struct {
	api       API
	capturer  Capturer
	publisher Publisher
	authToken string
	playback  string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// opMu is held for the full duration of an operation.
	opMu   sync.Mutex
	stream *capture.Stream

	mu      sync.Mutex
	st      state
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool

	// Background best-effort relay stops issued by StopPublish.
	bg sync.WaitGroup
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		api:       opts.API,
		capturer:  opts.Capturer,
		publisher: opts.Publisher,
		authToken: opts.AuthToken,
		playback:  opts.PlaybackURL,
		logger:    logger,
		metrics:   opts.Metrics,
		st: state{
			publishState:  PublishIdle,
			relayState:    RelayIdle,
			publishTarget: opts.PublishTarget,
			relayTarget:   opts.RelayTarget,
			callerID:      opts.CallerID,
		},
		subs: make(map[int]chan Snapshot),
	}
}

// DirectMode reports whether there is no session API.
func (c *Controller) DirectMode() bool { return c.api == nil }

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.snapshot(c.DirectMode(), c.playback)
}

// Subscribe returns a channel that always holds the latest snapshot after a
// change. Slow readers skip intermediate snapshots. The returned func
// unsubscribes and closes the channel.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.st.snapshot(c.DirectMode(), c.playback)
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// update applies fn under the state lock, bumps the version and fans the
// new snapshot out to subscribers.
func (c *Controller) update(fn func(st *state)) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.st)
	c.st.version++
	snap := c.st.snapshot(c.DirectMode(), c.playback)
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	return snap
}

func (c *Controller) read() state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// SetPublishTarget edits the publish URL. Locked while publishing.
func (c *Controller) SetPublishTarget(target string) error {
	return c.edit(func(st state) bool {
		return st.publishState == PublishIdle && st.pending == OpNone
	}, func(st *state) {
		st.publishTarget = strings.TrimSpace(target)
	})
}

// SetRelayTarget edits the RTMP URL. Locked unless the relay is idle.
func (c *Controller) SetRelayTarget(target string) error {
	return c.edit(func(st state) bool {
		return st.relayState == RelayIdle && st.pending == OpNone
	}, func(st *state) {
		st.relayTarget = strings.TrimSpace(target)
	})
}

// edit applies fn only when editable holds. A locked field leaves the
// version untouched and notifies nobody.
func (c *Controller) edit(editable func(st state) bool, fn func(st *state)) error {
	c.mu.Lock()
	if !editable(c.st) {
		c.mu.Unlock()
		return ErrFieldLocked
	}
	c.mu.Unlock()

	var err error
	c.update(func(st *state) {
		// An operation may have started between the check and the update.
		if !editable(*st) {
			err = ErrFieldLocked
			return
		}
		fn(st)
	})
	return err
}

func (c *Controller) DismissNotice() {
	c.update(func(st *state) { st.notice = "" })
}

// begin checks the precondition and marks op pending. ok is false when the
// precondition fails, in which case nothing changed.
func (c *Controller) begin(op Op, pre func(st state) bool, clearError bool) bool {
	c.mu.Lock()
	if !pre(c.st) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.update(func(st *state) {
		st.pending = op
		if clearError {
			st.lastError = nil
		}
	})
	return true
}

// StartPublish creates a media server session (unless in direct mode),
// acquires capture and publishes it over WHIP.
func (c *Controller) StartPublish(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.begin(OpStartPublish, func(st state) bool { return st.publishState == PublishIdle }, true) {
		return ErrNotAllowed
	}

	stream, err := c.startPublish(ctx)
	if err != nil {
		c.metrics.Inc(metrics.PublishFailed)
		if err.Kind == KindCaptureDenied {
			c.metrics.Inc(metrics.CaptureDenied)
		}
		c.logger.Warn("publish failed", "kind", err.Kind, "err", err.Err)
		c.update(func(st *state) {
			st.pending = OpNone
			st.lastError = err
			st.sessionID = ""
		})
		return err
	}

	c.stream = stream
	c.metrics.Inc(metrics.PublishStarted)
	snap := c.update(func(st *state) {
		st.pending = OpNone
		st.publishState = PublishPublishing
		st.tracks = stream.Info()
	})
	c.logger.Info("publishing", "session_id", snap.SessionID, "direct", snap.DirectMode)
	return nil
}

func (c *Controller) startPublish(ctx context.Context) (*capture.Stream, *Error) {
	st := c.read()
	endpoint := st.publishTarget

	if c.api != nil {
		sess, err := c.api.CreateSession(ctx, st.callerID)
		if err != nil {
			return nil, &Error{Kind: KindPublishFailed, Message: MsgPublishFailed, Err: fmt.Errorf("create session: %w", err)}
		}
		if sess.WHIPURL != "" {
			endpoint = sess.WHIPURL
		}
		c.update(func(st *state) {
			st.sessionID = sess.ID
			st.publishTarget = endpoint
		})
	}

	if err := validateWHIPURL(endpoint); err != nil {
		return nil, &Error{Kind: KindPublishFailed, Message: MsgPublishFailed, Err: err}
	}

	stream, err := c.capturer.Acquire(ctx, capture.DefaultConstraints())
	if err != nil {
		if errors.Is(err, capture.ErrDenied) {
			return nil, &Error{Kind: KindCaptureDenied, Message: MsgCaptureDenied, Err: err}
		}
		return nil, &Error{Kind: KindPublishFailed, Message: MsgPublishFailed, Err: err}
	}

	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", c.authToken)
	}
	if err := c.publisher.Publish(ctx, endpoint, header, stream); err != nil {
		_ = stream.Close()
		return nil, &Error{Kind: KindPublishFailed, Message: MsgPublishFailed, Err: fmt.Errorf("publish: %w", err)}
	}
	return stream, nil
}

// StopPublish always ends Idle. Teardown is best-effort: the WHIP DELETE and
// any relay stop run in the background and their failures are only logged.
func (c *Controller) StopPublish(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	prev := c.read()
	c.update(func(st *state) { st.pending = OpStopPublish })

	if c.publisher != nil {
		c.publisher.Unpublish(ctx)
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}

	c.update(func(st *state) {
		st.pending = OpNone
		st.publishState = PublishIdle
		st.relayState = RelayIdle
		st.lastError = nil
		st.sessionID = ""
		st.tracks = nil
	})
	// Started after the reset so a failure notice is not wiped by it.
	if c.api != nil && prev.sessionID != "" && (prev.relayState == RelayRelaying || prev.relayState == RelayUnknown) {
		c.stopPushInBackground(ctx, prev.sessionID)
	}
	if prev.publishState == PublishPublishing {
		c.metrics.Inc(metrics.PublishStopped)
		c.logger.Info("publishing stopped", "session_id", prev.sessionID)
	}
	return nil
}

func (c *Controller) stopPushInBackground(ctx context.Context, sessionID string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := c.api.StopPush(context.WithoutCancel(ctx), sessionID); err != nil {
			c.metrics.Inc(metrics.RelayStopFailed)
			c.logger.Warn("relay stop during unpublish failed", "session_id", sessionID, "err", err)
			c.update(func(st *state) { st.notice = NoticeRelayStopUnconfirmed })
			return
		}
		c.metrics.Inc(metrics.RelayStopped)
	}()
}

// StartRelay asks the media server to push the published stream to
// RelayTarget. A failure raises a notice the user must dismiss.
func (c *Controller) StartRelay(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.begin(OpStartRelay, func(st state) bool {
		return c.api != nil && st.publishState == PublishPublishing && st.sessionID != "" && st.relayState == RelayIdle
	}, true) {
		return ErrNotAllowed
	}

	st := c.read()
	err := validateRelayURL(st.relayTarget)
	if err == nil {
		err = c.api.StartPush(ctx, st.sessionID, st.relayTarget)
	}
	if err != nil {
		rerr := &Error{Kind: KindRelayFailed, Message: MsgRelayStart, Err: err}
		c.metrics.Inc(metrics.RelayFailed)
		c.logger.Warn("relay start failed", "session_id", st.sessionID, "err", err)
		c.update(func(st *state) {
			st.pending = OpNone
			st.lastError = rerr
			st.notice = NoticeRelayStart
		})
		return rerr
	}

	c.metrics.Inc(metrics.RelayStarted)
	c.update(func(st *state) {
		st.pending = OpNone
		st.relayState = RelayRelaying
	})
	c.logger.Info("relaying", "session_id", st.sessionID, "target", redactRelay(st.relayTarget))
	return nil
}

// StopRelay stops the push. On failure the relay state becomes Unknown and
// the user may retry.
func (c *Controller) StopRelay(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.begin(OpStopRelay, func(st state) bool {
		return c.api != nil && (st.relayState == RelayRelaying || st.relayState == RelayUnknown)
	}, true) {
		return ErrNotAllowed
	}

	st := c.read()
	if err := c.api.StopPush(ctx, st.sessionID); err != nil {
		rerr := &Error{Kind: KindRelayFailed, Message: MsgRelayStop, Err: err}
		c.metrics.Inc(metrics.RelayStopFailed)
		c.logger.Warn("relay stop failed", "session_id", st.sessionID, "err", err)
		c.update(func(st *state) {
			st.pending = OpNone
			st.lastError = rerr
			st.relayState = RelayUnknown
		})
		return rerr
	}

	c.metrics.Inc(metrics.RelayStopped)
	c.update(func(st *state) {
		st.pending = OpNone
		st.relayState = RelayIdle
	})
	c.logger.Info("relay stopped", "session_id", st.sessionID)
	return nil
}

// Close stops publishing, waits for background teardown, and closes every
// subscription.
func (c *Controller) Close(ctx context.Context) error {
	_ = c.StopPublish(ctx)

	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	return err
}

func validateWHIPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid publish url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid publish url %q: expected http(s)://host/...", raw)
	}
	return nil
}

var errInvalidRelayURL = errors.New(MsgInvalidRelayURL)

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "rtmp" && u.Scheme != "rtmps") || u.Host == "" {
		return errInvalidRelayURL
	}
	return nil
}

// redactRelay drops the last path segment, which is usually a stream key.
func redactRelay(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if i := strings.LastIndex(u.Path, "/"); i > 0 {
		u.Path = u.Path[:i] + "/***"
	}
	u.RawQuery = ""
	return u.String()
}
