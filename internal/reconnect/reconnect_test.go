package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/store"
)

type fakeFetcher struct {
	calls atomic.Int32
	fetch func(ctx context.Context, id string) (*model.Session, error)
}

func (f *fakeFetcher) FetchSession(ctx context.Context, id string) (*model.Session, error) {
	f.calls.Add(1)
	return f.fetch(ctx, id)
}

var errDown = store.Transient("fetch_session", store.CodeConnectionFailed, errors.New("connection refused"))

func noSleep(context.Context, time.Duration) error { return nil }

func TestAttemptBoundedAtMaxAttempts(t *testing.T) {
	f := &fakeFetcher{fetch: func(context.Context, string) (*model.Session, error) {
		return nil, errDown
	}}
	m := New(f, Options{MaxAttempts: 3, Sleep: noSleep})

	assert.Equal(t, Failed, m.Attempt(context.Background(), "ses_1").Outcome)
	assert.Equal(t, Failed, m.Attempt(context.Background(), "ses_1").Outcome)
	assert.Equal(t, model.ConnReconnecting, m.State())

	res := m.Attempt(context.Background(), "ses_1")
	assert.Equal(t, Exhausted, res.Outcome)
	assert.Equal(t, model.ConnFailed, m.State())
	assert.Equal(t, 3, m.Failures())

	res = m.Attempt(context.Background(), "ses_1")
	assert.Equal(t, Exhausted, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrExhausted)
	assert.EqualValues(t, 3, f.calls.Load(), "no automatic attempt after the budget is spent")
}

func TestRetryRunsAfterFailureAndResetsOnSuccess(t *testing.T) {
	var up atomic.Bool
	f := &fakeFetcher{fetch: func(_ context.Context, id string) (*model.Session, error) {
		if !up.Load() {
			return nil, errDown
		}
		return &model.Session{ID: id, Status: model.SessionActive}, nil
	}}
	m := New(f, Options{MaxAttempts: 1, Sleep: noSleep})

	require.Equal(t, Exhausted, m.Attempt(context.Background(), "ses_1").Outcome)
	require.Equal(t, model.ConnFailed, m.State())

	// Explicit retry still reaches the store and stays failed on error.
	require.Equal(t, Exhausted, m.Retry(context.Background(), "ses_1").Outcome)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.Equal(t, model.ConnFailed, m.State())

	up.Store(true)
	res := m.Retry(context.Background(), "ses_1")
	assert.Equal(t, Resumed, res.Outcome)
	assert.Equal(t, "ses_1", res.Session.ID)
	assert.Equal(t, model.ConnConnected, m.State())
	assert.Equal(t, 0, m.Failures())
}

func TestCounterResetsOnlyOnSuccess(t *testing.T) {
	var n atomic.Int32
	f := &fakeFetcher{fetch: func(_ context.Context, id string) (*model.Session, error) {
		if n.Add(1) == 3 {
			return &model.Session{ID: id, Status: model.SessionActive}, nil
		}
		return nil, errDown
	}}
	m := New(f, Options{MaxAttempts: 3, Sleep: noSleep})

	m.Attempt(context.Background(), "ses_1")
	m.Attempt(context.Background(), "ses_1")
	assert.Equal(t, 2, m.Failures())
	assert.Equal(t, Resumed, m.Attempt(context.Background(), "ses_1").Outcome)
	assert.Equal(t, 0, m.Failures())
}

func TestSessionEndedWhileAway(t *testing.T) {
	tests := []struct {
		name  string
		fetch func(context.Context, string) (*model.Session, error)
	}{
		{"completed", func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, Status: model.SessionCompleted}, nil
		}},
		{"cancelled", func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, Status: model.SessionCancelled}, nil
		}},
		{"deleted", func(context.Context, string) (*model.Session, error) {
			return nil, store.ErrNotFound
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&fakeFetcher{fetch: tt.fetch}, Options{Sleep: noSleep})
			res := m.Attempt(context.Background(), "ses_1")
			assert.Equal(t, Ended, res.Outcome)
			assert.Equal(t, 0, m.Failures())
		})
	}
}

func TestTimeoutCountsAsNetworkFailure(t *testing.T) {
	f := &fakeFetcher{fetch: func(ctx context.Context, _ string) (*model.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := New(f, Options{MaxAttempts: 3, Timeout: 10 * time.Millisecond, Sleep: noSleep})

	res := m.Attempt(context.Background(), "ses_1")
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, m.Failures())
}

func TestRecoverBacksOffUntilResumed(t *testing.T) {
	var n atomic.Int32
	f := &fakeFetcher{fetch: func(_ context.Context, id string) (*model.Session, error) {
		if n.Add(1) < 3 {
			return nil, errDown
		}
		return &model.Session{ID: id, Status: model.SessionActive}, nil
	}}
	var sleeps []time.Duration
	m := New(f, Options{MaxAttempts: 3, MaxBackoff: time.Second, Sleep: func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}})

	res := m.Recover(context.Background(), "ses_1")
	assert.Equal(t, Resumed, res.Outcome)
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestRecoverStopsAtBudget(t *testing.T) {
	f := &fakeFetcher{fetch: func(context.Context, string) (*model.Session, error) {
		return nil, errDown
	}}
	m := New(f, Options{MaxAttempts: 3, Sleep: noSleep})

	res := m.Recover(context.Background(), "ses_1")
	assert.Equal(t, Exhausted, res.Outcome)
	assert.EqualValues(t, 3, f.calls.Load())
	assert.Equal(t, model.ConnFailed, m.State())
}

func TestCancelledAttemptIsNotCounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{fetch: func(context.Context, string) (*model.Session, error) {
		cancel()
		return nil, context.Canceled
	}}
	m := New(f, Options{Sleep: noSleep})
	m.Connected()
	m.Lost()

	res := m.Attempt(ctx, "ses_1")
	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, 0, m.Failures())
	assert.Equal(t, model.ConnReconnecting, m.State())
}
