package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/waveterm-ai/wave/internal/permission"
)

var (
	errNoSuchPermission     = errors.New("no pending permission request with that id")
	errNoSubagentSupervisor = errors.New("server has no subagent supervisor configured")
	errNoSuchSession        = errors.New("no such session registered with this server")
	errNoForegroundTask     = errors.New("no foreground task to background")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// respondPermission delivers a client's decision for a pending ask_callback
// request (§4.2) to the goroutine blocked in AskBroker.Ask.
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	permissionID := chi.URLParam(r, "permissionID")

	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ok := s.asks.Respond(permission.Response{RequestID: permissionID, Action: body.Action})
	if !ok {
		writeError(w, http.StatusNotFound, errNoSuchPermission)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// backgroundSubagent moves a running subtask to the background (§4.6),
// severing further parent-abort propagation to it.
func (s *Server) backgroundSubagent(w http.ResponseWriter, r *http.Request) {
	subagentID := chi.URLParam(r, "subagentID")
	if s.subs == nil {
		writeError(w, http.StatusServiceUnavailable, errNoSubagentSupervisor)
		return
	}
	task, err := s.subs.Background(subagentID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// backgroundCurrentTask backgrounds whatever subtask is topmost on the
// session's foreground stack (§4.7), without the caller needing to know its
// subagentID — the counterpart to the explicit /subagent/{id}/background
// route above.
func (s *Server) backgroundCurrentTask(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	h, ok := s.getSessionHandle(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, errNoSuchSession)
		return
	}
	if h.Foreground == nil {
		writeError(w, http.StatusServiceUnavailable, errNoForegroundTask)
		return
	}
	id, ok := h.Foreground.BackgroundCurrentTask()
	if !ok {
		writeError(w, http.StatusNotFound, errNoForegroundTask)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subagentID": id})
}

// abortSession cancels the turn loop running under sessionID, if this
// server instance has one registered (only true under `wave serve`).
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	h, ok := s.getSessionHandle(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, errNoSuchSession)
		return
	}
	h.Abort.Abort()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// rewindSession truncates the session's history back to indexInFullThread
// and reverts every file snapshot taken for the messages dropped past it
// (§4.10).
func (s *Server) rewindSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	h, ok := s.getSessionHandle(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, errNoSuchSession)
		return
	}

	var body struct {
		IndexInFullThread int `json:"indexInFullThread"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.Messages.TruncateHistory(body.IndexInFullThread, h.Reversion); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
