package session

import (
	"context"
	"errors"
	"fmt"
)

// Command is a user intent. Front ends send commands rather than calling
// operations directly so every outcome comes back as a Result value.
type Command string

const (
	CmdStartPublish  Command = "start_publish"
	CmdStopPublish   Command = "stop_publish"
	CmdStartRelay    Command = "start_relay"
	CmdStopRelay     Command = "stop_relay"
	CmdTogglePublish Command = "toggle_publish"
	CmdToggleRelay   Command = "toggle_relay"
	CmdDismissNotice Command = "dismiss_notice"
)

var ErrUnknownCommand = errors.New("session: unknown command")

// Result is the outcome of a Command. Err is nil, ErrNotAllowed, or an
// *Error recorded in the snapshot.
type Result struct {
	Command  Command
	Snapshot Snapshot
	Err      error
}

// Failure returns the recorded operation error, if any.
func (r Result) Failure() *Error {
	var e *Error
	if errors.As(r.Err, &e) {
		return e
	}
	return nil
}

// Rejected reports whether the command's precondition did not hold.
func (r Result) Rejected() bool {
	return errors.Is(r.Err, ErrNotAllowed)
}

func (c *Controller) Run(ctx context.Context, cmd Command) Result {
	resolved := c.resolve(cmd)

	var err error
	switch resolved {
	case CmdStartPublish:
		err = c.StartPublish(ctx)
	case CmdStopPublish:
		err = c.StopPublish(ctx)
	case CmdStartRelay:
		err = c.StartRelay(ctx)
	case CmdStopRelay:
		err = c.StopRelay(ctx)
	case CmdDismissNotice:
		c.DismissNotice()
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	return Result{Command: resolved, Snapshot: c.Snapshot(), Err: err}
}

// resolve maps toggles onto the concrete operation for the current state.
func (c *Controller) resolve(cmd Command) Command {
	snap := c.Snapshot()
	switch cmd {
	case CmdTogglePublish:
		if snap.PublishState == PublishIdle {
			return CmdStartPublish
		}
		return CmdStopPublish
	case CmdToggleRelay:
		if snap.CanStopRelay() {
			return CmdStopRelay
		}
		return CmdStartRelay
	}
	return cmd
}
