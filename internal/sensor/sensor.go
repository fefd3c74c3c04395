// Package sensor provides the local participant's live metrics.
package sensor

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/telemyapp/livesync/internal/clock"
	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/relay"
)

var ErrNoSample = errors.New("no sample available")

type Source interface {
	RequestAuthorization(ctx context.Context) (bool, error)
	CurrentMetrics(ctx context.Context) (model.MetricSample, error)
}

// Simulated produces a steady workout: energy and distance grow linearly
// from the first reading and heart rate wanders around a base value.
type Simulated struct {
	clock clock.Clock

	mu      sync.Mutex
	start   time.Time
	hrSum   float64
	samples int
}

func NewSimulated(c clock.Clock) *Simulated {
	if c == nil {
		c = clock.Real{}
	}
	return &Simulated{clock: c}
}

func (s *Simulated) RequestAuthorization(context.Context) (bool, error) {
	return true, nil
}

func (s *Simulated) CurrentMetrics(context.Context) (model.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.start.IsZero() {
		s.start = now
	}
	elapsed := now.Sub(s.start).Seconds()

	jitter, err := randomUint8()
	if err != nil {
		return model.MetricSample{}, err
	}
	hr := 120 + float64(jitter%30)
	s.hrSum += hr
	s.samples++

	return model.MetricSample{
		StartTime:    s.start,
		Energy:       elapsed * 0.15,
		Distance:     elapsed * 2.8,
		AvgHeartRate: s.hrSum / float64(s.samples),
		HeartRate:    hr,
		CapturedAt:   now,
	}, nil
}

func randomUint8() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// RelaySource reports whatever the paired device last sent over the relay.
type RelaySource struct {
	mu     sync.Mutex
	latest *model.MetricSample
}

func NewRelaySource(r relay.MetricRelay) *RelaySource {
	s := &RelaySource{}
	r.OnReceive(s.receive)
	return s
}

func (s *RelaySource) RequestAuthorization(context.Context) (bool, error) {
	return true, nil
}

func (s *RelaySource) CurrentMetrics(context.Context) (model.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return model.MetricSample{}, ErrNoSample
	}
	return *s.latest, nil
}

func (s *RelaySource) receive(sample model.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Out-of-order deliveries never move the reading backwards.
	if s.latest != nil && sample.CapturedAt.Before(s.latest.CapturedAt) {
		return
	}
	s.latest = &sample
}
