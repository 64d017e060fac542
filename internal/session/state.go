package session

import (
	"errors"

	"github.com/omekit/ome-publisher/internal/capture"
)

type PublishState string

const (
	PublishIdle       PublishState = "idle"
	PublishPublishing PublishState = "publishing"
)

type RelayState string

const (
	RelayIdle     RelayState = "idle"
	RelayRelaying RelayState = "relaying"
	// RelayUnknown follows a failed relay stop: the media server may still
	// be pushing. Only StopRelay (retry) or StopPublish leave it.
	RelayUnknown RelayState = "unknown"
)

// Op names the operation in flight, if any.
type Op string

const (
	OpNone         Op = ""
	OpStartPublish Op = "start_publish"
	OpStopPublish  Op = "stop_publish"
	OpStartRelay   Op = "start_relay"
	OpStopRelay    Op = "stop_relay"
)

type ErrorKind string

const (
	KindCaptureDenied ErrorKind = "capture_denied"
	KindPublishFailed ErrorKind = "publish_failed"
	KindRelayFailed   ErrorKind = "relay_failed"
)

// User-facing messages.
const (
	MsgCaptureDenied   = "Failed to access camera or microphone"
	MsgPublishFailed   = "Failed to start streaming"
	MsgRelayStart      = "Failed to start RTMP streaming"
	MsgRelayStop       = "Failed to stop RTMP streaming"
	NoticeRelayStart   = "Failed to start RTMP streaming. Check the logs for details."
	MsgInvalidRelayURL = "RTMP URL must be rtmp:// or rtmps:// with a host"
)

// NoticeRelayStopUnconfirmed follows a failed relay stop issued while leaving.
// RelayState is already idle by then, so the notice is the only trace.
const NoticeRelayStopUnconfirmed = "Could not confirm the RTMP push stopped when leaving. Check the media server."

var (
	// ErrNotAllowed is returned when an operation's precondition does not
	// hold. Nothing changes and no external call is made.
	ErrNotAllowed = errors.New("session: operation not allowed in current state")
	// ErrFieldLocked is returned for edits to a field that is disabled in the
	// current state.
	ErrFieldLocked = errors.New("session: field is locked")
)

// Error is an operation failure recorded in the session. Message is shown to
// the user verbatim; Err is the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorView is the serialisable form of Error.
type ErrorView struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

func (e *Error) view() *ErrorView {
	if e == nil {
		return nil
	}
	v := &ErrorView{Kind: e.Kind, Message: e.Message}
	if e.Err != nil {
		v.Detail = e.Err.Error()
	}
	return v
}

// Snapshot is an immutable copy of the session plus derived flags.
type Snapshot struct {
	Version       uint64              `json:"version"`
	PublishState  PublishState        `json:"publishState"`
	RelayState    RelayState          `json:"relayState"`
	PublishTarget string              `json:"publishTarget"`
	RelayTarget   string              `json:"relayTarget"`
	SessionID     string              `json:"sessionId,omitempty"`
	CallerID      string              `json:"callerId"`
	LastError     *ErrorView          `json:"lastError,omitempty"`
	Notice        string              `json:"notice,omitempty"`
	Pending       Op                  `json:"pending,omitempty"`
	DirectMode    bool                `json:"directMode"`
	PlaybackURL   string              `json:"playbackUrl,omitempty"`
	Tracks        []capture.TrackInfo `json:"tracks,omitempty"`
}

// CanEditPublishTarget reports whether the publish target is editable.
func (s Snapshot) CanEditPublishTarget() bool {
	return s.PublishState == PublishIdle && s.Pending == OpNone
}

func (s Snapshot) CanEditRelayTarget() bool {
	return s.RelayState == RelayIdle && s.Pending == OpNone
}

// CanStartRelay mirrors StartRelay's precondition.
func (s Snapshot) CanStartRelay() bool {
	return !s.DirectMode && s.PublishState == PublishPublishing && s.SessionID != "" && s.RelayState == RelayIdle
}

func (s Snapshot) CanStopRelay() bool {
	return s.RelayState == RelayRelaying || s.RelayState == RelayUnknown
}

// state is the mutable record guarded by Controller.mu.
type state struct {
	version       uint64
	publishState  PublishState
	relayState    RelayState
	publishTarget string
	relayTarget   string
	sessionID     string
	callerID      string
	lastError     *Error
	notice        string
	pending       Op
	tracks        []capture.TrackInfo
}

func (st *state) snapshot(direct bool, playbackURL string) Snapshot {
	var tracks []capture.TrackInfo
	if len(st.tracks) > 0 {
		tracks = append(tracks, st.tracks...)
	}
	return Snapshot{
		Version:       st.version,
		PublishState:  st.publishState,
		RelayState:    st.relayState,
		PublishTarget: st.publishTarget,
		RelayTarget:   st.relayTarget,
		SessionID:     st.sessionID,
		CallerID:      st.callerID,
		LastError:     st.lastError.view(),
		Notice:        st.notice,
		Pending:       st.pending,
		DirectMode:    direct,
		PlaybackURL:   playbackURL,
		Tracks:        tracks,
	}
}
