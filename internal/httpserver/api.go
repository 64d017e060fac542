package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/omekit/ome-publisher/internal/session"
	"github.com/omekit/ome-publisher/internal/view"
)

const maxTargetsBodyBytes = 16 << 10

// sessionResponse is the body of every /api/session* and command response.
type sessionResponse struct {
	Session session.Snapshot `json:"session"`
	View    view.Model       `json:"view"`
	Result  *commandResult   `json:"result,omitempty"`
}

type commandResult struct {
	Command  session.Command    `json:"command"`
	OK       bool               `json:"ok"`
	Rejected bool               `json:"rejected,omitempty"`
	Error    *session.ErrorView `json:"error,omitempty"`
}

type targetsRequest struct {
	PublishTarget *string `json:"publishTarget"`
	RelayTarget   *string `json:"relayTarget"`
}

func (s *Server) registerAPIRoutes() {
	api := func(h http.HandlerFunc) http.Handler {
		return chain(h, s.originMiddleware(), Middleware(s.authMW))
	}

	s.mux.Handle("OPTIONS /api/", s.originMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	s.mux.Handle("GET /api/session", api(s.handleSession))
	s.mux.Handle("PUT /api/session/targets", api(s.handleTargets))
	s.mux.Handle("GET /api/session/events", api(s.handleEvents))

	s.mux.Handle("POST /api/publish/start", api(s.commandHandler(session.CmdStartPublish)))
	s.mux.Handle("POST /api/publish/stop", api(s.commandHandler(session.CmdStopPublish)))
	s.mux.Handle("POST /api/relay/start", api(s.commandHandler(session.CmdStartRelay)))
	s.mux.Handle("POST /api/relay/stop", api(s.commandHandler(session.CmdStopRelay)))
	s.mux.Handle("POST /api/notice/dismiss", api(s.commandHandler(session.CmdDismissNotice)))
}

func newSessionResponse(snap session.Snapshot) sessionResponse {
	return sessionResponse{Session: snap, View: view.Build(snap)}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, newSessionResponse(s.ctrl.Snapshot()))
}

// commandHandler runs cmd to completion even if the client goes away: a
// half-finished publish would leave a WHIP resource behind.
func (s *Server) commandHandler(cmd session.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := s.ctrl.Run(context.WithoutCancel(r.Context()), cmd)

		body := newSessionResponse(res.Snapshot)
		body.Result = &commandResult{Command: res.Command, OK: res.Err == nil}

		status := http.StatusOK
		switch {
		case res.Rejected():
			status = http.StatusConflict
			body.Result.Rejected = true
		case res.Failure() != nil:
			// The failure is session state, already in LastError.
			body.Result.Error = res.Snapshot.LastError
		case res.Err != nil:
			s.log.Error("session command failed", "command", cmd, "err", res.Err, "request_id", r.Header.Get("X-Request-ID"))
			status = http.StatusInternalServerError
		}
		WriteJSON(w, status, body)
	}
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTargetsBodyBytes))
	dec.DisallowUnknownFields()

	var req targetsRequest
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
		case errors.Is(err, io.EOF):
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "empty request body"})
		default:
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		}
		return
	}

	if req.PublishTarget != nil {
		if err := s.ctrl.SetPublishTarget(*req.PublishTarget); err != nil {
			s.writeTargetError(w, err)
			return
		}
	}
	if req.RelayTarget != nil {
		if err := s.ctrl.SetRelayTarget(*req.RelayTarget); err != nil {
			s.writeTargetError(w, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, newSessionResponse(s.ctrl.Snapshot()))
}

func (s *Server) writeTargetError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrFieldLocked) {
		body := map[string]any{"error": "field is locked", "session": s.ctrl.Snapshot()}
		WriteJSON(w, http.StatusConflict, body)
		return
	}
	WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}
