// Package reconnect decides whether a previously active session can be
// picked back up after the link to the remote store dropped.
package reconnect

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/retry"

	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/store"
)

// ErrExhausted is returned for automatic attempts once the budget is spent.
var ErrExhausted = errors.New("reconnect attempts exhausted")

type Fetcher interface {
	FetchSession(ctx context.Context, id string) (*model.Session, error)
}

type Outcome string

const (
	// Resumed: the session is still active remotely.
	Resumed Outcome = "resumed"
	// Ended: the session finished or vanished while we were away.
	Ended Outcome = "ended"
	// Failed: the attempt failed and budget remains.
	Failed Outcome = "failed"
	// Exhausted: the budget is spent and the connection is failed.
	Exhausted Outcome = "exhausted"
	// Cancelled: the caller gave up, nothing was counted.
	Cancelled Outcome = "cancelled"
)

type Result struct {
	Outcome Outcome
	Session model.Session
	Err     error
}

type Options struct {
	MaxAttempts int
	// Timeout bounds each fetch; hitting it counts as a network failure.
	Timeout    time.Duration
	MaxBackoff time.Duration
	Sleep      func(context.Context, time.Duration) error
}

type Manager struct {
	remote  Fetcher
	opts    Options
	backoff *retry.ExponentialJitterBackoff

	// attemptMu serializes attempts; mu guards state and failures.
	attemptMu sync.Mutex
	mu        sync.Mutex
	state     model.ConnectionState
	failures  int
}

func New(remote Fetcher, opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Manager{
		remote:  remote,
		opts:    opts,
		backoff: retry.NewExponentialJitterBackoff(opts.MaxBackoff),
		state:   model.ConnDisconnected,
	}
}

func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Connected records a healthy link, resetting the failure counter.
func (m *Manager) Connected() {
	m.mu.Lock()
	m.state = model.ConnConnected
	m.failures = 0
	m.mu.Unlock()
}

// Connecting marks an initial connection in progress.
func (m *Manager) Connecting() {
	m.mu.Lock()
	if m.state != model.ConnFailed {
		m.state = model.ConnConnecting
	}
	m.mu.Unlock()
}

// Lost records link loss. A failed connection stays failed until an explicit
// Retry succeeds.
func (m *Manager) Lost() {
	m.mu.Lock()
	if m.state != model.ConnFailed {
		m.state = model.ConnReconnecting
	}
	m.mu.Unlock()
}

// Reset returns to the idle state when no session is being synced.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.state = model.ConnDisconnected
	m.failures = 0
	m.mu.Unlock()
}

// Attempt is one automatic reconnection try. Once the connection is failed
// it refuses without touching the remote store.
func (m *Manager) Attempt(ctx context.Context, sessionID string) Result {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()

	if m.State() == model.ConnFailed {
		return Result{Outcome: Exhausted, Err: ErrExhausted}
	}
	return m.try(ctx, sessionID)
}

// Retry is an explicit, user-requested attempt and runs even when the
// connection is failed.
func (m *Manager) Retry(ctx context.Context, sessionID string) Result {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()
	return m.try(ctx, sessionID)
}

// Recover keeps attempting with jittered exponential backoff until the
// session resumes, ends, the budget runs out, or ctx is cancelled.
func (m *Manager) Recover(ctx context.Context, sessionID string) Result {
	for attempt := 1; ; attempt++ {
		res := m.Attempt(ctx, sessionID)
		if res.Outcome != Failed {
			return res
		}
		delay, err := m.backoff.BackoffDelay(attempt, res.Err)
		if err != nil {
			delay = m.opts.MaxBackoff
		}
		log.Printf("event=reconnect_retry session_id=%s attempt=%d delay_ms=%d err=%q", sessionID, attempt, delay.Milliseconds(), res.Err.Error())
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return Result{Outcome: Cancelled, Err: err}
		}
	}
}

func (m *Manager) try(ctx context.Context, sessionID string) Result {
	m.mu.Lock()
	prev := m.state
	m.state = model.ConnReconnecting
	m.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	session, err := m.remote.FetchSession(fetchCtx, sessionID)
	cancel()

	if ctx.Err() != nil {
		m.mu.Lock()
		m.state = prev
		m.mu.Unlock()
		return m.record(Result{Outcome: Cancelled, Err: ctx.Err()}, sessionID)
	}

	switch {
	case err == nil && session.Status == model.SessionActive:
		m.Connected()
		return m.record(Result{Outcome: Resumed, Session: *session}, sessionID)
	case err == nil:
		m.Connected()
		return m.record(Result{Outcome: Ended, Session: *session}, sessionID)
	case errors.Is(err, store.ErrNotFound):
		m.Connected()
		return m.record(Result{Outcome: Ended, Err: err}, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	if m.failures >= m.opts.MaxAttempts {
		m.state = model.ConnFailed
		return m.record(Result{Outcome: Exhausted, Err: err}, sessionID)
	}
	m.state = model.ConnReconnecting
	return m.record(Result{Outcome: Failed, Err: err}, sessionID)
}

func (m *Manager) record(res Result, sessionID string) Result {
	metrics.Default().IncCounter("livesync_reconnect_attempts_total", map[string]string{"outcome": string(res.Outcome)})
	if res.Err != nil {
		log.Printf("event=reconnect_attempt session_id=%s outcome=%s err=%q", sessionID, res.Outcome, res.Err.Error())
	} else {
		log.Printf("event=reconnect_attempt session_id=%s outcome=%s", sessionID, res.Outcome)
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
