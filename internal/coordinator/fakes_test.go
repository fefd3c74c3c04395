package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telemyapp/livesync/internal/buffer"
	"github.com/telemyapp/livesync/internal/bus"
	"github.com/telemyapp/livesync/internal/clock"
	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/resume"
	"github.com/telemyapp/livesync/internal/store"
)

var t0 = time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

// memRemote is a shared in-memory backend. Each client reaches it through
// its own link so outages can be simulated per device.
type memRemote struct {
	mu           sync.Mutex
	clock        clock.Clock
	nextID       int
	sessions     map[string]model.Session
	participants map[string]map[string]model.Participant
	samples      map[string][]model.MetricSample
}

func newMemRemote(c clock.Clock) *memRemote {
	return &memRemote{
		clock:        c,
		sessions:     make(map[string]model.Session),
		participants: make(map[string]map[string]model.Participant),
		samples:      make(map[string][]model.MetricSample),
	}
}

func (m *memRemote) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s_%d", prefix, m.nextID)
}

func (m *memRemote) putSession(s model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *memRemote) session(id string) model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *memRemote) participant(sessionID, userID string) (model.Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[sessionID][userID]
	return p, ok
}

func (m *memRemote) delivered(sessionID, userID string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []float64
	for _, s := range m.samples[sessionID+"/"+userID] {
		out = append(out, s.Energy)
	}
	return out
}

func (m *memRemote) CreateSession(_ context.Context, in model.Session) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ID == "" {
		in.ID = m.id("ses")
	}
	if in.Status == "" {
		in.Status = model.SessionScheduled
	}
	m.sessions[in.ID] = in
	return &in, nil
}

func (m *memRemote) UpdateSession(_ context.Context, in model.Session) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[in.ID]; !ok {
		return nil, store.ErrNotFound
	}
	m.sessions[in.ID] = in
	return &in, nil
}

func (m *memRemote) FetchSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	return &s, nil
}

func (m *memRemote) ListParticipants(_ context.Context, sessionID string) ([]model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Participant, 0)
	for _, p := range m.participants[sessionID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memRemote) UpsertParticipant(_ context.Context, in model.Participant) (*model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser := m.participants[in.SessionID]
	if byUser == nil {
		byUser = make(map[string]model.Participant)
		m.participants[in.SessionID] = byUser
	}
	cur, ok := byUser[in.UserID]
	if !ok {
		cur = in
		if cur.ID == "" {
			cur.ID = m.id("par")
		}
		if cur.Status == "" {
			cur.Status = model.ParticipantActive
		}
		if cur.JoinedAt.IsZero() {
			cur.JoinedAt = m.clock.Now()
		}
	} else {
		if in.Status != "" {
			cur.Status = in.Status
		}
		if in.DisplayName != "" {
			cur.DisplayName = in.DisplayName
		}
		if in.Metrics != nil {
			cur.Metrics = in.Metrics
		}
		if in.LastUpdate.After(cur.LastUpdate) {
			cur.LastUpdate = in.LastUpdate
		}
	}
	byUser[in.UserID] = cur
	if in.Metrics != nil {
		key := in.SessionID + "/" + in.UserID
		m.samples[key] = append(m.samples[key], *in.Metrics)
	}
	out := cur
	return &out, nil
}

func (m *memRemote) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.participants, id)
	return nil
}

var errLinkDown = store.Transient("remote", store.CodeConnectionFailed, errors.New("network is unreachable"))

// link is one device's view of the backend.
type link struct {
	mem        *memRemote
	down       atomic.Bool
	fetchCalls atomic.Int32
}

func (l *link) CreateSession(ctx context.Context, in model.Session) (*model.Session, error) {
	if l.down.Load() {
		return nil, errLinkDown
	}
	return l.mem.CreateSession(ctx, in)
}

func (l *link) UpdateSession(ctx context.Context, in model.Session) (*model.Session, error) {
	if l.down.Load() {
		return nil, errLinkDown
	}
	return l.mem.UpdateSession(ctx, in)
}

func (l *link) FetchSession(ctx context.Context, id string) (*model.Session, error) {
	l.fetchCalls.Add(1)
	if l.down.Load() {
		return nil, errLinkDown
	}
	return l.mem.FetchSession(ctx, id)
}

func (l *link) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	if l.down.Load() {
		return nil, errLinkDown
	}
	return l.mem.ListParticipants(ctx, sessionID)
}

func (l *link) UpsertParticipant(ctx context.Context, in model.Participant) (*model.Participant, error) {
	if l.down.Load() {
		return nil, errLinkDown
	}
	return l.mem.UpsertParticipant(ctx, in)
}

func (l *link) DeleteSession(ctx context.Context, id string) error {
	if l.down.Load() {
		return errLinkDown
	}
	return l.mem.DeleteSession(ctx, id)
}

// stepSensor adds 10 kcal per reading.
type stepSensor struct {
	mu      sync.Mutex
	clock   clock.Clock
	granted bool
	energy  float64
}

func (s *stepSensor) RequestAuthorization(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted, nil
}

func (s *stepSensor) CurrentMetrics(context.Context) (model.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.energy += 10
	return model.MetricSample{
		StartTime:    t0,
		Energy:       s.energy,
		Distance:     s.energy * 20,
		AvgHeartRate: 140,
		HeartRate:    140,
		CapturedAt:   s.clock.Now(),
	}, nil
}

func (s *stepSensor) last() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energy
}

type world struct {
	clock *clock.Manual
	mem   *memRemote
	// wrap, when set, sits between a device and its link.
	wrap func(*link) RemoteStore
}

func newWorld() *world {
	c := clock.NewManual(t0)
	return &world{clock: c, mem: newMemRemote(c)}
}

type device struct {
	c      *Coordinator
	link   *link
	sensor *stepSensor
	buf    *buffer.Buffer
	resume *resume.File
	sub    *bus.Subscription
}

func (w *world) device(t *testing.T, userID string, mutate ...func(*Options)) *device {
	t.Helper()
	dir := t.TempDir()
	buf, err := buffer.Open(filepath.Join(dir, "buffer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	rf, err := resume.New(filepath.Join(dir, "current_session.toml"))
	require.NoError(t, err)
	return w.deviceWith(t, userID, buf, rf, mutate...)
}

func (w *world) deviceWith(t *testing.T, userID string, buf *buffer.Buffer, rf *resume.File, mutate ...func(*Options)) *device {
	t.Helper()
	l := &link{mem: w.mem}
	src := &stepSensor{clock: w.clock, granted: true}
	opts := Options{
		UserID:         userID,
		DisplayName:    "User " + userID,
		TickInterval:   time.Hour,
		Clock:          w.clock,
		Bus:            bus.New(128),
		ReconnectSleep: func(context.Context, time.Duration) error { return nil },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	var remote RemoteStore = l
	if w.wrap != nil {
		remote = w.wrap(l)
	}
	c := New(remote, src, buf, rf, opts)
	d := &device{c: c, link: l, sensor: src, buf: buf, resume: rf, sub: c.Bus().Subscribe()}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return d
}

// tick advances the shared clock and runs one tick body synchronously.
func (d *device) tick(w *world, dt time.Duration) bool {
	w.clock.Advance(dt)
	d.c.mu.RLock()
	epoch := d.c.epoch
	d.c.mu.RUnlock()
	ended, _ := d.c.tick(context.Background(), epoch)
	if ended {
		d.c.endedRemotely(epoch)
	}
	return ended
}

func (d *device) events() []model.EventKind {
	var out []model.EventKind
	for {
		select {
		case evt := <-d.sub.C:
			out = append(out, evt.Kind)
		default:
			return out
		}
	}
}

// hookedLink runs onList before each participant listing.
type hookedLink struct {
	*link
	onList func()
}

func (h *hookedLink) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	if h.onList != nil {
		h.onList()
	}
	return h.link.ListParticipants(ctx, sessionID)
}

// rejectingLink refuses every participant write as malformed.
type rejectingLink struct {
	*link
}

func (r *rejectingLink) UpsertParticipant(context.Context, model.Participant) (*model.Participant, error) {
	return nil, store.Permanent("upsert_participant", store.CodeInvalidRecord, errors.New("metrics out of range"))
}
