// Package cache holds short-lived copies of remote session records and the
// per-record write throttle shared by the sync tick and the API.
package cache

import (
	"sync"
	"time"

	"github.com/telemyapp/livesync/internal/clock"
	"github.com/telemyapp/livesync/internal/model"
)

type entry[T any] struct {
	value      T
	capturedAt time.Time
}

// RecordCache is safe for concurrent use; every read and write goes through mu.
type RecordCache struct {
	mu           sync.Mutex
	clock        clock.Clock
	sessions     map[string]entry[model.Session]
	participants map[string]entry[[]model.Participant]
	lastWrite    map[string]time.Time
}

func New(c clock.Clock) *RecordCache {
	if c == nil {
		c = clock.Real{}
	}
	return &RecordCache{
		clock:        c,
		sessions:     make(map[string]entry[model.Session]),
		participants: make(map[string]entry[[]model.Participant]),
		lastWrite:    make(map[string]time.Time),
	}
}

// Session returns the cached session only while it is younger than ttl.
// Expired entries are evicted and reported as a miss.
func (c *RecordCache) Session(id string, ttl time.Duration) (model.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	if c.clock.Now().Sub(e.capturedAt) >= ttl {
		delete(c.sessions, id)
		return model.Session{}, false
	}
	return cloneSession(e.value), true
}

func (c *RecordCache) StoreSession(s model.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.ID] = entry[model.Session]{value: cloneSession(s), capturedAt: c.clock.Now()}
}

func (c *RecordCache) Participants(sessionID string, ttl time.Duration) ([]model.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.participants[sessionID]
	if !ok {
		return nil, false
	}
	if c.clock.Now().Sub(e.capturedAt) >= ttl {
		delete(c.participants, sessionID)
		return nil, false
	}
	return append([]model.Participant(nil), e.value...), true
}

func (c *RecordCache) StoreParticipants(sessionID string, ps []model.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[sessionID] = entry[[]model.Participant]{
		value:      append([]model.Participant(nil), ps...),
		capturedAt: c.clock.Now(),
	}
}

// Invalidate drops every cached record for the session, including its
// write-throttle slot.
func (c *RecordCache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	delete(c.participants, sessionID)
	delete(c.lastWrite, sessionID)
}

// ShouldWrite is a gate, not a queue: it returns true and records now as the
// last permitted write only when minInterval has elapsed for id.
func (c *RecordCache) ShouldWrite(id string, minInterval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if last, ok := c.lastWrite[id]; ok && now.Sub(last) < minInterval {
		return false
	}
	c.lastWrite[id] = now
	return true
}

func cloneSession(s model.Session) model.Session {
	s.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	return s
}
