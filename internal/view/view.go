// Package view turns a session snapshot into a front-end agnostic model:
// which fields are editable, what the buttons say and which banners show.
// Both the terminal UI and the browser page render this model.
package view

import (
	"github.com/omekit/ome-publisher/internal/capture"
	"github.com/omekit/ome-publisher/internal/session"
)

const (
	FieldPublishTarget = "publish_target"
	FieldRelayTarget   = "relay_target"

	ButtonPublish = "publish"
	ButtonRelay   = "relay"
)

// Button labels.
const (
	LabelJoin         = "Join Meeting"
	LabelLeave        = "Leave Meeting"
	LabelStartRelay   = "Push to RTMP"
	LabelStopRelay    = "Stop RTMP Push"
	LabelRetryStop    = "Retry Stop RTMP Push"
	LabelStarting     = "Joining..."
	LabelLeaving      = "Leaving..."
	LabelRelayStart   = "Starting push..."
	LabelRelayStop    = "Stopping push..."
	RelayPlaceholder  = "rtmp://host/app/stream-key"
	PublishLabel      = "WHIP endpoint"
	RelayLabel        = "RTMP URL"
	BannerPublishing  = "Streaming to OvenMediaEngine"
	BannerRelayPrefix = "Pushing to RTMP: "
	BannerUnknown     = "RTMP push state unknown: the stop request failed. Retry to make sure the push has ended."
	BannerDirect      = "Direct mode: publishing without a session API, RTMP push unavailable"
)

type BannerKind string

const (
	BannerError   BannerKind = "error"
	BannerSuccess BannerKind = "success"
	BannerInfo    BannerKind = "info"
	BannerWarning BannerKind = "warning"
)

type Field struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Value       string `json:"value"`
	Placeholder string `json:"placeholder,omitempty"`
	Disabled    bool   `json:"disabled"`
}

type Button struct {
	ID       string          `json:"id"`
	Label    string          `json:"label"`
	Command  session.Command `json:"command"`
	Disabled bool            `json:"disabled"`
	Busy     bool            `json:"busy"`
	// Danger marks the "stop" variant for styling.
	Danger bool `json:"danger"`
}

type Banner struct {
	Kind BannerKind `json:"kind"`
	Text string     `json:"text"`
	Link string     `json:"link,omitempty"`
}

type Model struct {
	Fields  []Field             `json:"fields"`
	Buttons []Button            `json:"buttons"`
	Banners []Banner            `json:"banners"`
	Notice  string              `json:"notice,omitempty"`
	Tracks  []capture.TrackInfo `json:"tracks,omitempty"`
}

// Field returns the field with id, or the zero Field.
func (m Model) Field(id string) Field {
	for _, f := range m.Fields {
		if f.ID == id {
			return f
		}
	}
	return Field{}
}

func (m Model) Button(id string) Button {
	for _, b := range m.Buttons {
		if b.ID == id {
			return b
		}
	}
	return Button{}
}

// Build is a pure function of s.
func Build(s session.Snapshot) Model {
	busy := s.Pending != session.OpNone

	m := Model{
		Fields: []Field{
			{
				ID:       FieldPublishTarget,
				Label:    PublishLabel,
				Value:    s.PublishTarget,
				Disabled: !s.CanEditPublishTarget(),
			},
			{
				ID:          FieldRelayTarget,
				Label:       RelayLabel,
				Value:       s.RelayTarget,
				Placeholder: RelayPlaceholder,
				Disabled:    !s.CanEditRelayTarget() || s.DirectMode,
			},
		},
		Buttons: []Button{publishButton(s, busy), relayButton(s, busy)},
		Notice:  s.Notice,
		Tracks:  s.Tracks,
	}

	if s.LastError != nil {
		m.Banners = append(m.Banners, Banner{Kind: BannerError, Text: "Error: " + s.LastError.Message})
	}
	if s.PublishState == session.PublishPublishing {
		m.Banners = append(m.Banners, Banner{Kind: BannerSuccess, Text: BannerPublishing})
		if s.PlaybackURL != "" {
			m.Banners = append(m.Banners, Banner{Kind: BannerInfo, Text: "Watch: " + s.PlaybackURL, Link: s.PlaybackURL})
		}
	}
	switch s.RelayState {
	case session.RelayRelaying:
		m.Banners = append(m.Banners, Banner{Kind: BannerSuccess, Text: BannerRelayPrefix + s.RelayTarget})
	case session.RelayUnknown:
		m.Banners = append(m.Banners, Banner{Kind: BannerWarning, Text: BannerUnknown})
	}
	if s.DirectMode {
		m.Banners = append(m.Banners, Banner{Kind: BannerInfo, Text: BannerDirect})
	}
	return m
}

func publishButton(s session.Snapshot, busy bool) Button {
	b := Button{ID: ButtonPublish, Command: session.CmdTogglePublish, Disabled: busy}
	switch {
	case s.Pending == session.OpStartPublish:
		b.Label, b.Busy = LabelStarting, true
	case s.Pending == session.OpStopPublish:
		b.Label, b.Busy, b.Danger = LabelLeaving, true, true
	case s.PublishState == session.PublishPublishing:
		b.Label, b.Danger = LabelLeave, true
	default:
		b.Label = LabelJoin
	}
	return b
}

func relayButton(s session.Snapshot, busy bool) Button {
	b := Button{ID: ButtonRelay, Command: session.CmdToggleRelay}
	switch {
	case s.Pending == session.OpStartRelay:
		b.Label, b.Busy = LabelRelayStart, true
	case s.Pending == session.OpStopRelay:
		b.Label, b.Busy, b.Danger = LabelRelayStop, true, true
	case s.RelayState == session.RelayRelaying:
		b.Label, b.Danger = LabelStopRelay, true
	case s.RelayState == session.RelayUnknown:
		b.Label, b.Danger = LabelRetryStop, true
	default:
		b.Label = LabelStartRelay
	}
	b.Disabled = busy || !(s.CanStartRelay() || s.CanStopRelay())
	return b
}
