package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/telemyapp/livesync/internal/bus"
	"github.com/telemyapp/livesync/internal/config"
	"github.com/telemyapp/livesync/internal/coordinator"
	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/store"
)

type mockCoordinator struct {
	startFn  func(context.Context, model.Session, bool) (*model.Session, error)
	joinFn   func(context.Context, string) (*model.Session, error)
	leaveFn  func(context.Context) error
	stopFn   func(context.Context) error
	cancelFn func(context.Context) error
	resumeFn func(context.Context) error
	deleteFn func(context.Context, string) error
	flushFn  func(context.Context) (int, error)
	state    coordinator.State
	bus      *bus.Bus
}

func (m *mockCoordinator) Start(ctx context.Context, s model.Session, asHost bool) (*model.Session, error) {
	if m.startFn != nil {
		return m.startFn(ctx, s, asHost)
	}
	return &s, nil
}

func (m *mockCoordinator) Join(ctx context.Context, id string) (*model.Session, error) {
	if m.joinFn != nil {
		return m.joinFn(ctx, id)
	}
	return &model.Session{ID: id, Status: model.SessionActive}, nil
}

func (m *mockCoordinator) Leave(ctx context.Context) error  { return call(m.leaveFn, ctx) }
func (m *mockCoordinator) Stop(ctx context.Context) error   { return call(m.stopFn, ctx) }
func (m *mockCoordinator) Cancel(ctx context.Context) error { return call(m.cancelFn, ctx) }
func (m *mockCoordinator) Resume(ctx context.Context) error { return call(m.resumeFn, ctx) }

func (m *mockCoordinator) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockCoordinator) FlushPending(ctx context.Context) (int, error) {
	if m.flushFn != nil {
		return m.flushFn(ctx)
	}
	return 0, nil
}

func (m *mockCoordinator) State() coordinator.State { return m.state }

func (m *mockCoordinator) Bus() *bus.Bus {
	if m.bus == nil {
		m.bus = bus.New(8)
	}
	return m.bus
}

func call(fn func(context.Context) error, ctx context.Context) error {
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func TestHealthz(t *testing.T) {
	router := NewRouter(testConfig(), &mockCoordinator{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestAuth_MissingTokenIsNotAuthenticated(t *testing.T) {
	router := NewRouter(testConfig(), &mockCoordinator{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/session/stop", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "not_authenticated" {
		t.Fatalf("expected not_authenticated, got %s", code)
	}
}

func TestAuth_OtherUserIsNotAuthorized(t *testing.T) {
	called := false
	mc := &mockCoordinator{stopFn: func(context.Context) error { called = true; return nil }}
	router := NewRouter(testConfig(), mc)

	rr := do(t, router, http.MethodPost, "/api/v1/session/stop", "usr_intruder", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "not_authorized" {
		t.Fatalf("expected not_authorized, got %s", code)
	}
	if called {
		t.Fatal("stop must not run for a foreign token")
	}
}

func TestAuth_ObserverReadsStateButCannotCommand(t *testing.T) {
	mc := &mockCoordinator{state: coordinator.State{Active: true, Connection: model.ConnConnected}}
	router := NewRouter(testConfig(), mc)

	rr := do(t, router, http.MethodGet, "/api/v1/session/state", "usr_coach", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected observer state read 200, got %d", rr.Code)
	}
	var st coordinator.State
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !st.Active || st.Connection != model.ConnConnected {
		t.Fatalf("unexpected state: %+v", st)
	}

	rr = do(t, router, http.MethodPost, "/api/v1/session/stop", "usr_coach", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected observer command 403, got %d", rr.Code)
	}
}

func TestStart_CreatesHostedSession(t *testing.T) {
	var gotHost bool
	var gotName string
	mc := &mockCoordinator{
		startFn: func(_ context.Context, s model.Session, asHost bool) (*model.Session, error) {
			gotHost, gotName = asHost, s.Name
			s.ID = "ses_new"
			s.Status = model.SessionActive
			return &s, nil
		},
	}
	router := NewRouter(testConfig(), mc)

	rr := do(t, router, http.MethodPost, "/api/v1/session/start", "usr_1", map[string]any{
		"session": map[string]any{"name": "Morning Ride", "workout_type": "cycling"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !gotHost || gotName != "Morning Ride" {
		t.Fatalf("unexpected start args host=%v name=%q", gotHost, gotName)
	}
	var resp struct {
		Session model.Session `json:"session"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Session.ID != "ses_new" {
		t.Fatalf("unexpected session id %q", resp.Session.ID)
	}
}

func TestStart_ExistingSessionIsOK(t *testing.T) {
	router := NewRouter(testConfig(), &mockCoordinator{})
	rr := do(t, router, http.MethodPost, "/api/v1/session/start", "usr_1", map[string]any{
		"session": map[string]any{"id": "ses_sched"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestStart_JoinRequiresSessionID(t *testing.T) {
	router := NewRouter(testConfig(), &mockCoordinator{})
	rr := do(t, router, http.MethodPost, "/api/v1/session/start", "usr_1", map[string]any{"as_host": false})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStart_IdempotencyKeyReplaysActiveSession(t *testing.T) {
	calls := 0
	mc := &mockCoordinator{}
	mc.startFn = func(_ context.Context, s model.Session, _ bool) (*model.Session, error) {
		calls++
		if calls > 1 {
			return nil, coordinator.ErrAlreadyInSession
		}
		s.ID = "ses_1"
		mc.state = coordinator.State{Active: true, Session: &model.Session{ID: "ses_1", Status: model.SessionActive}}
		return &s, nil
	}
	router := NewRouter(testConfig(), mc)
	key := "6f1c4a7e-2b1d-4d43-9a7c-1f6e0c1d2a3b"

	for i, want := range []int{http.StatusCreated, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/session/start", jsonBody(map[string]any{}))
		req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1"))
		req.Header.Set("Idempotency-Key", key)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d body=%s", i, want, rr.Code, rr.Body.String())
		}
	}
	if calls != 1 {
		t.Fatalf("expected one coordinator start, got %d", calls)
	}
}

func TestStart_InvalidIdempotencyKey(t *testing.T) {
	router := NewRouter(testConfig(), &mockCoordinator{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/start", jsonBody(map[string]any{}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1"))
	req.Header.Set("Idempotency-Key", "not-a-uuid")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{coordinator.ErrAlreadyInSession, http.StatusConflict, "already_in_session"},
		{coordinator.ErrSessionFull, http.StatusConflict, "session_full"},
		{coordinator.ErrCannotJoin, http.StatusConflict, "cannot_join"},
		{coordinator.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{coordinator.ErrAuthorizationDenied, http.StatusForbidden, "authorization_denied"},
		{coordinator.ErrNotAuthenticated, http.StatusUnauthorized, "not_authenticated"},
		{coordinator.ErrConnectionFailed, http.StatusServiceUnavailable, "connection_failed"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			mc := &mockCoordinator{
				joinFn: func(context.Context, string) (*model.Session, error) { return nil, tt.err },
			}
			router := NewRouter(testConfig(), mc)
			rr := do(t, router, http.MethodPost, "/api/v1/session/join", "usr_1", map[string]any{"session_id": "ses_1"})
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if code := errorCode(t, rr); code != tt.code {
				t.Fatalf("expected %s, got %s", tt.code, code)
			}
		})
	}
}

func TestJoin_RequiresSessionID(t *testing.T) {
	router := NewRouter(testConfig(), &mockCoordinator{})
	rr := do(t, router, http.MethodPost, "/api/v1/session/join", "usr_1", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLeave_HostIsRejected(t *testing.T) {
	mc := &mockCoordinator{leaveFn: func(context.Context) error { return coordinator.ErrHostCannotLeave }}
	router := NewRouter(testConfig(), mc)
	rr := do(t, router, http.MethodPost, "/api/v1/session/leave", "usr_1", nil)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "host_cannot_leave" {
		t.Fatalf("expected 409 host_cannot_leave, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestStopReturnsState(t *testing.T) {
	stopped := false
	mc := &mockCoordinator{
		stopFn: func(context.Context) error { stopped = true; return nil },
		state:  coordinator.State{Sync: model.SyncIdle},
	}
	router := NewRouter(testConfig(), mc)
	rr := do(t, router, http.MethodPost, "/api/v1/session/stop", "usr_1", nil)
	if rr.Code != http.StatusOK || !stopped {
		t.Fatalf("expected stop 200, got %d stopped=%v", rr.Code, stopped)
	}
	if !strings.Contains(rr.Body.String(), `"sync_status":"idle"`) {
		t.Fatalf("expected state in body: %s", rr.Body.String())
	}
}

func TestResume_NotInSession(t *testing.T) {
	mc := &mockCoordinator{resumeFn: func(context.Context) error { return coordinator.ErrNotInSession }}
	router := NewRouter(testConfig(), mc)
	rr := do(t, router, http.MethodPost, "/api/v1/session/resume", "usr_1", nil)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "not_in_session" {
		t.Fatalf("expected 409 not_in_session, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestFlush(t *testing.T) {
	mc := &mockCoordinator{flushFn: func(context.Context) (int, error) { return 4, nil }}
	router := NewRouter(testConfig(), mc)
	rr := do(t, router, http.MethodPost, "/api/v1/buffer/flush", "usr_1", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"flushed":4`) {
		t.Fatalf("unexpected flush response %d %s", rr.Code, rr.Body.String())
	}

	mc.flushFn = func(context.Context) (int, error) {
		cause := store.Transient("upsert_participant", store.CodeConnectionFailed, errors.New("dial tcp: refused"))
		return 1, fmt.Errorf("%w: %w", coordinator.ErrConnectionFailed, cause)
	}
	rr = do(t, router, http.MethodPost, "/api/v1/buffer/flush", "usr_1", nil)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "connection_failed" {
		t.Fatalf("expected 503 connection_failed, got %d %s", rr.Code, rr.Body.String())
	}

	mc.flushFn = func(context.Context) (int, error) {
		cause := store.Permanent("upsert_participant", store.CodeInvalidRecord, errors.New("bad row"))
		return 0, fmt.Errorf("%w: %w", coordinator.ErrSyncFailed, cause)
	}
	rr = do(t, router, http.MethodPost, "/api/v1/buffer/flush", "usr_1", nil)
	if rr.Code != http.StatusBadGateway || errorCode(t, rr) != "sync_failed" {
		t.Fatalf("expected 502 sync_failed, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestDeleteSession(t *testing.T) {
	var gotID string
	mc := &mockCoordinator{deleteFn: func(_ context.Context, id string) error {
		gotID = id
		if id == "ses_other" {
			return coordinator.ErrNotAuthorized
		}
		return nil
	}}
	router := NewRouter(testConfig(), mc)

	rr := do(t, router, http.MethodDelete, "/api/v1/sessions/ses_mine", "usr_1", nil)
	if rr.Code != http.StatusNoContent || gotID != "ses_mine" {
		t.Fatalf("expected 204 for ses_mine, got %d id=%s", rr.Code, gotID)
	}
	rr = do(t, router, http.MethodDelete, "/api/v1/sessions/ses_other", "usr_1", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestEventsStreamSnapshotThenBusEvents(t *testing.T) {
	mc := &mockCoordinator{state: coordinator.State{Active: true}, bus: bus.New(8)}
	srv := httptest.NewServer(NewRouter(testConfig(), mc))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/session/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), "event: ") {
				return strings.TrimPrefix(lines.Text(), "event: ")
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	if got := next(); got != "state" {
		t.Fatalf("expected state snapshot first, got %q", got)
	}
	mc.bus.Publish(model.Event{Kind: model.EventParticipantJoined, SessionID: "ses_1"})
	if got := next(); got != string(model.EventParticipantJoined) {
		t.Fatalf("expected participant_joined, got %q", got)
	}
}

func do(t *testing.T, h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, jsonBody(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", userID))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return payload.Error.Code
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:     "test-secret",
		UserID:        "usr_1",
		ObserverUsers: []string{"usr_coach"},
	}
}

func testJWT(t *testing.T, secret, userID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"uid": userID,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func jsonBody(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}
