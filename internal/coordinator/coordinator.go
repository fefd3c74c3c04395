// Package coordinator owns the local live-session lifecycle and the periodic
// tick that keeps local metrics and the shared remote records in step.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/telemyapp/livesync/internal/buffer"
	"github.com/telemyapp/livesync/internal/bus"
	"github.com/telemyapp/livesync/internal/cache"
	"github.com/telemyapp/livesync/internal/clock"
	"github.com/telemyapp/livesync/internal/jobs"
	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/reconnect"
	"github.com/telemyapp/livesync/internal/relay"
	"github.com/telemyapp/livesync/internal/sensor"
)

type RemoteStore interface {
	CreateSession(ctx context.Context, in model.Session) (*model.Session, error)
	UpdateSession(ctx context.Context, in model.Session) (*model.Session, error)
	FetchSession(ctx context.Context, id string) (*model.Session, error)
	ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error)
	UpsertParticipant(ctx context.Context, in model.Participant) (*model.Participant, error)
	DeleteSession(ctx context.Context, id string) error
}

type Buffer interface {
	Enqueue(ctx context.Context, e buffer.Entry) (int64, error)
	DrainAll(ctx context.Context) (map[string][]buffer.Entry, error)
	Pending(ctx context.Context, sessionID string) ([]buffer.Entry, error)
	Clear(ctx context.Context, sessionID string, throughSeq int64) error
	Len(ctx context.Context) (int, error)
}

type ResumeStore interface {
	Save(meta model.ResumeMetadata) error
	Load() (model.ResumeMetadata, bool, error)
	Clear() error
}

type Options struct {
	UserID      string
	DisplayName string

	TickInterval         time.Duration
	WriteInterval        time.Duration
	SessionTTL           time.Duration
	ParticipantTTL       time.Duration
	FetchTimeout         time.Duration
	MaxReconnectAttempts int
	MaxReconnectBackoff  time.Duration

	Clock clock.Clock
	Bus   *bus.Bus
	// Relay, when set, receives every local sample the tick reads.
	Relay relay.MetricRelay
	// ReconnectSleep replaces the wait between recovery attempts.
	ReconnectSleep func(context.Context, time.Duration) error
}

type Coordinator struct {
	remote RemoteStore
	sensor sensor.Source
	buffer Buffer
	resume ResumeStore
	relay  relay.MetricRelay

	cache     *cache.RecordCache
	bus       *bus.Bus
	reconnect *reconnect.Manager
	clock     clock.Clock
	opts      Options

	// opMu serializes lifecycle operations and tick bodies. Lock order is
	// opMu then mu.
	opMu sync.Mutex

	mu           sync.RWMutex
	active       bool
	epoch        uint64
	session      model.Session
	participant  model.Participant
	isHost       bool
	joinedAt     time.Time
	participants []model.Participant
	known        map[string]model.ParticipantStatus
	aggregate    *model.Aggregate
	syncStatus   model.SyncStatus
	lastSample   *model.MetricSample
	ticker       *jobs.Ticker
	resumeCancel context.CancelFunc
	// recovering covers a startup recovery from its first attempt until the
	// session is restored. abandonRecovery is set when Stop lands inside it.
	recovering      bool
	abandonRecovery bool
	recovered       bool
}

func New(remote RemoteStore, src sensor.Source, buf Buffer, resume ResumeStore, opts Options) *Coordinator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.WriteInterval <= 0 {
		opts.WriteInterval = 5 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Second
	}
	if opts.ParticipantTTL <= 0 {
		opts.ParticipantTTL = 3 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 3 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Bus == nil {
		opts.Bus = bus.New(0)
	}
	return &Coordinator{
		remote: remote,
		sensor: src,
		buffer: buf,
		resume: resume,
		relay:  opts.Relay,
		cache:  cache.New(opts.Clock),
		bus:    opts.Bus,
		reconnect: reconnect.New(remote, reconnect.Options{
			MaxAttempts: opts.MaxReconnectAttempts,
			Timeout:     opts.FetchTimeout,
			MaxBackoff:  opts.MaxReconnectBackoff,
			Sleep:       opts.ReconnectSleep,
		}),
		clock:      opts.Clock,
		opts:       opts,
		syncStatus: model.SyncIdle,
	}
}

func (c *Coordinator) Bus() *bus.Bus { return c.bus }

func (c *Coordinator) UserID() string { return c.opts.UserID }

// State is a read-only snapshot for UI collaborators.
type State struct {
	Active             bool                          `json:"is_active"`
	Session            *model.Session                `json:"current_session,omitempty"`
	Participant        *model.Participant            `json:"participant,omitempty"`
	IsHost             bool                          `json:"is_host"`
	JoinedAt           *time.Time                    `json:"joined_at,omitempty"`
	Elapsed            time.Duration                 `json:"elapsed_ns"`
	ParticipantMetrics map[string]model.MetricSample `json:"participant_metrics"`
	Aggregate          *model.Aggregate              `json:"aggregate,omitempty"`
	Connection         model.ConnectionState         `json:"connection_state"`
	Sync               model.SyncStatus              `json:"sync_status"`
	PendingSamples     int                           `json:"pending_samples"`
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	st := State{
		Active:             c.active,
		IsHost:             c.isHost,
		ParticipantMetrics: c.participantMetricsLocked(),
		Sync:               c.syncStatus,
	}
	if c.active {
		sess := c.session
		sess.ParticipantIDs = append([]string(nil), c.session.ParticipantIDs...)
		st.Session = &sess
		part := c.participant
		st.Participant = &part
		joined := c.joinedAt
		st.JoinedAt = &joined
		st.Elapsed = c.clock.Now().Sub(c.joinedAt)
	}
	if c.aggregate != nil {
		agg := *c.aggregate
		st.Aggregate = &agg
	}
	c.mu.RUnlock()

	st.Connection = c.reconnect.State()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if n, err := c.buffer.Len(ctx); err == nil {
		st.PendingSamples = n
	} else {
		log.Printf("event=buffer_len_error err=%q", err.Error())
	}
	return st
}

// participantMetricsLocked maps user id to the latest known sample. The
// local sample always wins over the remote copy of our own record.
func (c *Coordinator) participantMetricsLocked() map[string]model.MetricSample {
	out := make(map[string]model.MetricSample, len(c.participants)+1)
	for _, p := range c.participants {
		if p.Metrics != nil {
			out[p.UserID] = *p.Metrics
		}
	}
	if c.active && c.lastSample != nil {
		out[c.opts.UserID] = *c.lastSample
	}
	return out
}

func (c *Coordinator) setSync(s model.SyncStatus) {
	c.mu.Lock()
	c.syncStatus = s
	c.mu.Unlock()
}

func (c *Coordinator) publish(kind model.EventKind, sess *model.Session, part *model.Participant, agg *model.Aggregate) {
	evt := model.Event{Kind: kind, At: c.clock.Now()}
	if sess != nil {
		s := *sess
		evt.Session = &s
		evt.SessionID = s.ID
	}
	if part != nil {
		p := *part
		evt.Participant = &p
		if evt.SessionID == "" {
			evt.SessionID = p.SessionID
		}
	}
	if agg != nil {
		a := *agg
		evt.Aggregate = &a
	}
	c.bus.Publish(evt)
}
