// Package relay moves live metric samples between paired devices of the
// same user (a watch feeding a phone, for example).
package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"

	"github.com/telemyapp/livesync/internal/model"
)

// MetricRelay sends samples to the paired device and delivers the ones it
// sends back. Handlers run on the relay's receive goroutine and must not block.
type MetricRelay interface {
	Send(ctx context.Context, sample model.MetricSample) error
	OnReceive(fn func(model.MetricSample))
}

type envelope struct {
	Origin string             `json:"origin"`
	Sample model.MetricSample `json:"sample"`
}

func newOrigin() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "origin-unknown"
	}
	return hex.EncodeToString(b[:])
}

func randomUint64() (uint64, bool) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(raw[:]), true
}
