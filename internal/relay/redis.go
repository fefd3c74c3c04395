package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
)

var ErrClosed = errors.New("relay closed")

// RedisRelay pairs devices through a per-user pub/sub channel. Messages a
// relay published itself are ignored on receipt.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string

	mu       sync.RWMutex
	handlers []func(model.MetricSample)
	pubsub   *redis.PubSub
	done     chan struct{}
}

func NewRedis(client *redis.Client, userID string) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: Channel(userID),
		origin:  newOrigin(),
	}
}

func Channel(userID string) string {
	return "livesync:relay:" + userID
}

// Start subscribes and returns once the subscription is confirmed. Delivery
// stops when ctx is cancelled or Close is called.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle(msg.Payload)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

func (r *RedisRelay) OnReceive(fn func(model.MetricSample)) {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
}

func (r *RedisRelay) Send(ctx context.Context, sample model.MetricSample) error {
	payload, err := json.Marshal(envelope{Origin: r.origin, Sample: sample})
	if err != nil {
		return fmt.Errorf("marshal relay sample: %w", err)
	}
	err = retrySend(ctx, r.channel, func(callCtx context.Context) error {
		return r.client.Publish(callCtx, r.channel, payload).Err()
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("livesync_relay_messages_total", map[string]string{"direction": "out", "status": status})
	return err
}

func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Printf("event=relay_decode_error channel=%s err=%q", r.channel, err.Error())
		metrics.Default().IncCounter("livesync_relay_messages_total", map[string]string{"direction": "in", "status": "error"})
		return
	}
	if env.Origin == r.origin {
		return
	}
	metrics.Default().IncCounter("livesync_relay_messages_total", map[string]string{"direction": "in", "status": "ok"})

	r.mu.RLock()
	handlers := append([]func(model.MetricSample){}, r.handlers...)
	r.mu.RUnlock()
	for _, fn := range handlers {
		fn(env.Sample)
	}
}

func retrySend(ctx context.Context, channel string, fn func(context.Context) error) error {
	const (
		maxAttempts = 3
		baseDelay   = 50 * time.Millisecond
		maxDelay    = 500 * time.Millisecond
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == maxAttempts {
			break
		}
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=relay_retry channel=%s attempt=%d delay_ms=%d err=%q", channel, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// withJitter returns a delay in [10%, 100%) of delay.
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	n, ok := randomUint64()
	if !ok {
		return floor + span/2
	}
	return floor + time.Duration(n%uint64(span))
}
