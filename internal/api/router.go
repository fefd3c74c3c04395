package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/telemyapp/livesync/internal/auth"
	"github.com/telemyapp/livesync/internal/bus"
	"github.com/telemyapp/livesync/internal/config"
	"github.com/telemyapp/livesync/internal/coordinator"
	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
)

// Coordinator is the slice of *coordinator.Coordinator the HTTP surface drives.
type Coordinator interface {
	Start(ctx context.Context, session model.Session, asHost bool) (*model.Session, error)
	Join(ctx context.Context, sessionID string) (*model.Session, error)
	Leave(ctx context.Context) error
	Stop(ctx context.Context) error
	Cancel(ctx context.Context) error
	Resume(ctx context.Context) error
	Delete(ctx context.Context, sessionID string) error
	FlushPending(ctx context.Context) (int, error)
	State() coordinator.State
	Bus() *bus.Bus
}

const defaultKeepAlive = 15 * time.Second

type Server struct {
	cfg       config.Config
	coord     Coordinator
	keepAlive time.Duration

	mu        sync.Mutex
	lastStart startReplay
}

// startReplay remembers the last accepted start so a client retrying with
// the same Idempotency-Key gets the session back instead of a conflict.
type startReplay struct {
	key       uuid.UUID
	sessionID string
}

func NewRouter(cfg config.Config, coord Coordinator) http.Handler {
	s := &Server{cfg: cfg, coord: coord, keepAlive: defaultKeepAlive}
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(s.cfg.JWTSecret))

		// Event streams stay open; only commands get a deadline.
		v1.With(s.allowUsers(true)).Get("/session/events", s.handleEvents)

		v1.Group(func(cmd chi.Router) {
			// A first command may run startup recovery, which retries the
			// remote store with backoff before answering.
			cmd.Use(middleware.Timeout(time.Minute))

			cmd.With(s.allowUsers(true)).Get("/session/state", s.handleState)

			cmd.With(s.allowUsers(false)).Group(func(owner chi.Router) {
				owner.Post("/session/start", s.handleStart)
				owner.Post("/session/join", s.handleJoin)
				owner.Post("/session/leave", s.handleLeave)
				owner.Post("/session/stop", s.handleStop)
				owner.Post("/session/cancel", s.handleCancel)
				owner.Post("/session/resume", s.handleResume)
				owner.Post("/buffer/flush", s.handleFlush)
				owner.Delete("/sessions/{sessionID}", s.handleDelete)
			})
		})
	})

	return r
}

// allowUsers admits the daemon's own user. Observers listed in config may
// read state and events but never issue commands.
func (s *Server) allowUsers(observers bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := auth.UserIDFromContext(r.Context())
			if !ok {
				writeAPIError(w, r, http.StatusUnauthorized, "not_authenticated", "missing user identity")
				return
			}
			if userID == s.cfg.UserID || (observers && slices.Contains(s.cfg.ObserverUsers, userID)) {
				next.ServeHTTP(w, r)
				return
			}
			writeAPIError(w, r, http.StatusForbidden, "not_authorized", "token user does not own this daemon")
		})
	}
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseIdempotencyKey(h string) (uuid.UUID, error) {
	return uuid.Parse(h)
}
