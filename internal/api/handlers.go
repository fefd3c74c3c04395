package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/telemyapp/livesync/internal/coordinator"
	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
)

type startRequest struct {
	Session model.Session `json:"session"`
	AsHost  *bool         `json:"as_host,omitempty"`
}

type joinRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var key uuid.UUID
	if raw := r.Header.Get("Idempotency-Key"); raw != "" {
		parsed, err := parseIdempotencyKey(raw)
		if err != nil {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key must be a UUID")
			return
		}
		key = parsed
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid start payload")
		return
	}
	asHost := req.AsHost == nil || *req.AsHost
	if !asHost && req.Session.ID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "session.id is required to join")
		return
	}

	if replay, ok := s.replayStart(key); ok {
		writeJSON(w, http.StatusOK, map[string]any{"session": replay})
		return
	}

	sess, err := s.coord.Start(r.Context(), req.Session, asHost)
	if err != nil {
		s.writeCommandError(w, r, "start", err)
		return
	}
	countCommand("start", "ok")
	if key != uuid.Nil {
		s.mu.Lock()
		s.lastStart = startReplay{key: key, sessionID: sess.ID}
		s.mu.Unlock()
	}

	status := http.StatusOK
	if asHost && req.Session.ID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"session": sess})
}

// replayStart returns the current session when key matches the last
// accepted start and that session is still the one being synced.
func (s *Server) replayStart(key uuid.UUID) (*model.Session, bool) {
	if key == uuid.Nil {
		return nil, false
	}
	s.mu.Lock()
	last := s.lastStart
	s.mu.Unlock()
	if last.key != key {
		return nil, false
	}
	st := s.coord.State()
	if !st.Active || st.Session == nil || st.Session.ID != last.sessionID {
		return nil, false
	}
	return st.Session, true
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	sess, err := s.coord.Join(r.Context(), req.SessionID)
	if err != nil {
		s.writeCommandError(w, r, "join", err)
		return
	}
	countCommand("join", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "leave", s.coord.Leave)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "stop", s.coord.Stop)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "cancel", s.coord.Cancel)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "resume", s.coord.Resume)
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		s.writeCommandError(w, r, name, err)
		return
	}
	countCommand(name, "ok")
	writeJSON(w, http.StatusOK, map[string]any{"state": s.coord.State()})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	n, err := s.coord.FlushPending(r.Context())
	if err != nil {
		log.Printf("event=buffer_flush_error delivered=%d err=%q", n, err.Error())
		status, code := commandStatus(err)
		countCommand("flush", code)
		writeAPIError(w, r, status, code, fmt.Sprintf("delivered %d buffered samples before failing", n))
		return
	}
	countCommand("flush", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"flushed": n})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.coord.Delete(r.Context(), id); err != nil {
		s.writeCommandError(w, r, "delete", err)
		return
	}
	countCommand("delete", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.State())
}

// handleEvents streams UpdateBus events as server-sent events. The first
// frame is a state snapshot so a client never starts from nothing.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	b := s.coord.Bus()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	streams := metrics.Default()
	streams.AddGauge("livesync_event_streams", 1, nil)
	defer streams.AddGauge("livesync_event_streams", -1, nil)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "state", s.coord.State()); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, string(evt.Kind), evt); err != nil {
				log.Printf("event=sse_write_error kind=%s err=%q", evt.Kind, err.Error())
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) writeCommandError(w http.ResponseWriter, r *http.Request, name string, err error) {
	status, code := commandStatus(err)
	countCommand(name, code)
	if status >= http.StatusInternalServerError {
		log.Printf("event=command_error command=%s code=%s err=%q", name, code, err.Error())
	}
	writeAPIError(w, r, status, code, err.Error())
}

func commandStatus(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, coordinator.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, coordinator.ErrAuthorizationDenied):
		return http.StatusForbidden, "authorization_denied"
	case errors.Is(err, coordinator.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, coordinator.ErrAlreadyInSession):
		return http.StatusConflict, "already_in_session"
	case errors.Is(err, coordinator.ErrHostCannotLeave):
		return http.StatusConflict, "host_cannot_leave"
	case errors.Is(err, coordinator.ErrSessionFull):
		return http.StatusConflict, "session_full"
	case errors.Is(err, coordinator.ErrCannotJoin):
		return http.StatusConflict, "cannot_join"
	case errors.Is(err, coordinator.ErrNotInSession):
		return http.StatusConflict, "not_in_session"
	case errors.Is(err, coordinator.ErrConnectionFailed):
		return http.StatusServiceUnavailable, "connection_failed"
	case errors.Is(err, coordinator.ErrSyncFailed):
		return http.StatusBadGateway, "sync_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func countCommand(name, status string) {
	metrics.Default().IncCounter("livesync_api_commands_total", map[string]string{
		"command": name,
		"status":  status,
	})
}
