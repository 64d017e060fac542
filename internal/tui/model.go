// Package tui is the terminal front end. It renders view.Model and sends
// session commands; it never changes session state itself.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/omekit/ome-publisher/internal/session"
	"github.com/omekit/ome-publisher/internal/view"
)

// Controller is the part of the session controller the TUI uses.
type Controller interface {
	Run(ctx context.Context, cmd session.Command) session.Result
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
	SetPublishTarget(target string) error
	SetRelayTarget(target string) error
}

// Focus order: the two fields, then the two buttons.
const (
	focusPublishField = iota
	focusRelayField
	focusPublishButton
	focusRelayButton
	focusCount
)

type snapshotMsg session.Snapshot

type resultMsg session.Result

// subscriptionClosedMsg means the controller shut down.
type subscriptionClosedMsg struct{}

type spinnerTickMsg struct{}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type Model struct {
	ctx     context.Context
	ctrl    Controller
	updates <-chan session.Snapshot
	keys    KeyMap
	help    help.Model

	inputs [2]textinput.Model
	focus  int

	snap session.Snapshot
	vm   view.Model

	// status is a one-line message for local problems (locked field, unknown
	// command) that do not belong in the session.
	status       string
	spinnerIndex int
	width        int
	height       int
}

// New builds the model. updates is normally from ctrl.Subscribe; it may be
// nil, in which case the view only refreshes after its own commands.
func New(ctx context.Context, ctrl Controller, updates <-chan session.Snapshot) Model {
	snap := ctrl.Snapshot()
	vm := view.Build(snap)

	m := Model{
		ctx:     ctx,
		ctrl:    ctrl,
		updates: updates,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		focus:   focusPublishButton,
	}

	for i, id := range []string{view.FieldPublishTarget, view.FieldRelayTarget} {
		f := vm.Field(id)
		ti := textinput.New()
		ti.Prompt = ""
		ti.CharLimit = 2048
		ti.Width = 60
		ti.Placeholder = f.Placeholder
		ti.SetValue(f.Value)
		m.inputs[i] = ti
	}
	m.apply(snap)
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		spinnerTickCmd(),
		waitForSnapshot(m.updates),
	)
}

// waitForSnapshot blocks until the controller publishes a snapshot.
func waitForSnapshot(updates <-chan session.Snapshot) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return subscriptionClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func spinnerTickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}

// runCommand executes cmd off the UI goroutine.
func (m Model) runCommand(cmd session.Command) tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		return resultMsg(ctrl.Run(ctx, cmd))
	}
}

// apply installs a snapshot. Field text being edited is left alone unless the
// field just became locked.
func (m *Model) apply(snap session.Snapshot) {
	if snap.Version < m.snap.Version {
		return
	}
	m.snap = snap
	m.vm = view.Build(snap)

	for i, id := range []string{view.FieldPublishTarget, view.FieldRelayTarget} {
		f := m.vm.Field(id)
		editing := m.focus == i && m.inputs[i].Focused()
		if !editing || f.Disabled {
			m.inputs[i].SetValue(f.Value)
		}
		if f.Disabled {
			m.inputs[i].Blur()
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		return m, nil

	case snapshotMsg:
		m.apply(session.Snapshot(msg))
		return m, waitForSnapshot(m.updates)

	case subscriptionClosedMsg:
		m.updates = nil
		return m, nil

	case resultMsg:
		res := session.Result(msg)
		m.apply(res.Snapshot)
		switch {
		case res.Err == nil, res.Failure() != nil:
			// Failures are already in the snapshot's LastError.
			m.status = ""
		case res.Rejected():
			m.status = "Not available right now"
		default:
			m.status = res.Err.Error()
		}
		return m, nil

	case spinnerTickMsg:
		m.spinnerIndex = (m.spinnerIndex + 1) % len(spinnerFrames)
		return m, spinnerTickCmd()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m.updateFocusedInput(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}

	// The notice is modal.
	if m.vm.Notice != "" {
		if key.Matches(msg, m.keys.Enter, m.keys.Escape) {
			return m, m.runCommand(session.CmdDismissNotice)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.Next):
		m.commitField()
		return m, m.setFocus((m.focus + 1) % focusCount)
	case key.Matches(msg, m.keys.Prev):
		m.commitField()
		return m, m.setFocus((m.focus + focusCount - 1) % focusCount)
	case key.Matches(msg, m.keys.Publish):
		return m.press(view.ButtonPublish)
	case key.Matches(msg, m.keys.Relay):
		return m.press(view.ButtonRelay)
	case key.Matches(msg, m.keys.Escape):
		if m.focus < focusPublishButton {
			m.inputs[m.focus].SetValue(m.vm.Fields[m.focus].Value)
		}
		m.status = ""
		return m, nil
	case key.Matches(msg, m.keys.Enter):
		switch m.focus {
		case focusPublishField, focusRelayField:
			m.commitField()
			return m, m.setFocus(m.focus + 1)
		case focusPublishButton:
			return m.press(view.ButtonPublish)
		case focusRelayButton:
			return m.press(view.ButtonRelay)
		}
	}

	return m.updateFocusedInput(msg)
}

// press runs a button's command unless the button is disabled.
func (m Model) press(id string) (tea.Model, tea.Cmd) {
	b := m.vm.Button(id)
	if b.Disabled {
		return m, nil
	}
	m.commitField()
	m.status = ""
	return m, m.runCommand(b.Command)
}

// commitField pushes an edited field into the session.
func (m *Model) commitField() {
	if m.focus >= focusPublishButton {
		return
	}
	f := m.vm.Fields[m.focus]
	value := strings.TrimSpace(m.inputs[m.focus].Value())
	if f.Disabled || value == f.Value {
		return
	}

	var err error
	if m.focus == focusPublishField {
		err = m.ctrl.SetPublishTarget(value)
	} else {
		err = m.ctrl.SetRelayTarget(value)
	}
	if err != nil {
		if errors.Is(err, session.ErrFieldLocked) {
			m.status = f.Label + " cannot be changed now"
		} else {
			m.status = err.Error()
		}
		m.inputs[m.focus].SetValue(f.Value)
		return
	}
	m.apply(m.ctrl.Snapshot())
}

func (m *Model) setFocus(i int) tea.Cmd {
	m.focus = i
	var cmd tea.Cmd
	for j := range m.inputs {
		if j == i && !m.vm.Fields[j].Disabled {
			cmd = m.inputs[j].Focus()
		} else {
			m.inputs[j].Blur()
		}
	}
	return cmd
}

func (m Model) updateFocusedInput(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.focus >= focusPublishButton || m.vm.Fields[m.focus].Disabled {
		return m, nil
	}
	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var sb strings.Builder

	title := HeaderStyle.Render("OME Publisher")
	if m.snap.CallerID != "" {
		title += SubtleStyle.Render("  " + m.snap.CallerID)
	}
	sb.WriteString(title + "\n\n")

	for i, f := range m.vm.Fields {
		sb.WriteString(FieldLabelStyle.Render(f.Label) + "\n")
		style := FieldStyle
		switch {
		case f.Disabled:
			style = FieldDisabledStyle
		case m.focus == i:
			style = FieldFocusedStyle
		}
		body := m.inputs[i].View()
		if f.Disabled {
			body = f.Value
			if body == "" {
				body = f.Placeholder
			}
		}
		sb.WriteString(style.Render(body) + "\n")
	}
	sb.WriteString("\n")

	buttons := make([]string, 0, len(m.vm.Buttons))
	for i, b := range m.vm.Buttons {
		label := b.Label
		if b.Busy {
			label = spinnerFrames[m.spinnerIndex%len(spinnerFrames)] + " " + label
		}
		if m.focus == focusPublishButton+i {
			label = focusMarker + label
		}
		style := ButtonStyle
		switch {
		case b.Disabled:
			style = ButtonDisabledStyle
		case b.Danger:
			style = ButtonDangerStyle
		}
		buttons = append(buttons, style.Render(label))
	}
	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, buttons...) + "\n")

	for _, b := range m.vm.Banners {
		sb.WriteString(bannerStyle(b.Kind).Render(b.Text) + "\n")
	}

	if len(m.vm.Tracks) > 0 {
		parts := make([]string, 0, len(m.vm.Tracks))
		for _, t := range m.vm.Tracks {
			parts = append(parts, fmt.Sprintf("%s %s (%s)", t.Kind, t.Codec, t.Source))
		}
		sb.WriteString(SubtleStyle.Render("Tracks: "+strings.Join(parts, ", ")) + "\n")
	}

	if m.status != "" {
		sb.WriteString(StatusBarStyle.Render(m.status) + "\n")
	}
	sb.WriteString("\n" + StatusBarStyle.Render(m.help.View(m.keys)))

	out := sb.String()
	if m.vm.Notice != "" {
		box := NoticeStyle.Render(m.vm.Notice + "\n\n" + SubtleStyle.Render("enter/esc to dismiss"))
		if m.width > 0 && m.height > 0 {
			return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
		}
		return out + "\n" + box
	}
	return out
}

func bannerStyle(kind view.BannerKind) lipgloss.Style {
	switch kind {
	case view.BannerError:
		return BannerErrorStyle
	case view.BannerSuccess:
		return BannerSuccessStyle
	case view.BannerWarning:
		return BannerWarningStyle
	default:
		return BannerInfoStyle
	}
}

// Run drives ctrl from the terminal until the user quits or ctx is done.
func Run(ctx context.Context, ctrl Controller) error {
	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	p := tea.NewProgram(New(ctx, ctrl, updates), tea.WithAltScreen())

	stop := context.AfterFunc(ctx, p.Quit)
	defer stop()

	_, err := p.Run()
	return err
}
