package bus

import (
	"log"
	"sync"

	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
)

const defaultBufferSize = 32

type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
}

type Subscription struct {
	C  <-chan model.Event
	ch chan model.Event
}

func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subs:       map[*Subscription]struct{}{},
		bufferSize: bufferSize,
	}
}

func (b *Bus) Subscribe() *Subscription {
	ch := make(chan model.Event, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe closes the subscription channel. Calling it twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(evt model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			metrics.Default().IncCounter("livesync_bus_dropped_events_total", map[string]string{"kind": string(evt.Kind)})
			log.Printf("event=bus_drop kind=%s session_id=%s", evt.Kind, evt.SessionID)
		}
	}
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
