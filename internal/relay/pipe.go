package relay

import (
	"context"
	"sync"

	"github.com/telemyapp/livesync/internal/model"
)

// PipeEnd is one side of an in-process relay. Samples sent on one end are
// delivered synchronously to the other end's handlers.
type PipeEnd struct {
	mu       sync.RWMutex
	peer     *PipeEnd
	handlers []func(model.MetricSample)
	closed   bool
}

func NewPipe() (*PipeEnd, *PipeEnd) {
	a, b := &PipeEnd{}, &PipeEnd{}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeEnd) Send(ctx context.Context, sample model.MetricSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	p.peer.deliver(sample)
	return nil
}

func (p *PipeEnd) OnReceive(fn func(model.MetricSample)) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}

func (p *PipeEnd) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *PipeEnd) deliver(sample model.MetricSample) {
	p.mu.RLock()
	handlers := append([]func(model.MetricSample){}, p.handlers...)
	p.mu.RUnlock()
	for _, fn := range handlers {
		fn(sample)
	}
}
