package jobs

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telemyapp/livesync/internal/metrics"
)

type Store interface {
	RollupParticipantCounts(context.Context) error
	CompleteAbandonedSessions(ctx context.Context, grace time.Duration) error
	PruneSampleHistory(ctx context.Context, retention time.Duration) error
}

type Options struct {
	AbandonGrace    time.Duration
	SampleRetention time.Duration
	RollupInterval  time.Duration
	AbandonInterval time.Duration
	PruneInterval   time.Duration
}

type Runner struct {
	store Store
	opts  Options
}

func NewRunner(store Store, opts Options) *Runner {
	if opts.AbandonGrace <= 0 {
		opts.AbandonGrace = 30 * time.Minute
	}
	if opts.SampleRetention <= 0 {
		opts.SampleRetention = 30 * 24 * time.Hour
	}
	if opts.RollupInterval <= 0 {
		opts.RollupInterval = time.Minute
	}
	if opts.AbandonInterval <= 0 {
		opts.AbandonInterval = 5 * time.Minute
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	return &Runner{store: store, opts: opts}
}

func (r *Runner) Start(ctx context.Context) {
	go runEvery(ctx, "participant_count_rollup", r.opts.RollupInterval, r.store.RollupParticipantCounts)
	go runEvery(ctx, "abandoned_session_close", r.opts.AbandonInterval, func(c context.Context) error {
		if err := r.store.CompleteAbandonedSessions(c, r.opts.AbandonGrace); err != nil {
			return err
		}
		return r.store.RollupParticipantCounts(c)
	})
	go runEvery(ctx, "sample_history_prune", r.opts.PruneInterval, func(c context.Context) error {
		return r.store.PruneSampleHistory(c, r.opts.SampleRetention)
	})
}

func runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, name, fn)
		}
	}
}

func runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMs), err.Error())
		labels["status"] = "error"
	} else {
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("livesync_job_runs_total", labels)
	metrics.Default().ObserveHistogram("livesync_job_duration_ms", durMs, map[string]string{"job": name})
}

// Ticker runs fn on a fixed interval. A tick that comes due while the
// previous run is still in flight is skipped, not queued.
type Ticker struct {
	name     string
	fn       func(context.Context) error
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight atomic.Bool
	stopOnce sync.Once
}

func StartTicker(parent context.Context, name string, interval time.Duration, fn func(context.Context) error) *Ticker {
	ctx, cancel := context.WithCancel(parent)
	t := &Ticker{name: name, fn: fn, ctx: ctx, cancel: cancel}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Trigger()
			}
		}
	}()
	return t
}

// Trigger starts a run now unless one is in flight, reporting whether it ran.
func (t *Ticker) Trigger() bool {
	if t.ctx.Err() != nil {
		return false
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		metrics.Default().IncCounter("livesync_job_skipped_total", map[string]string{"job": t.name})
		log.Printf("metric=job_skip name=%s reason=in_flight", t.name)
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.inFlight.Store(false)
		runOnce(t.ctx, t.name, t.fn)
	}()
	return true
}

// Stop cancels the schedule and waits for an in-flight run to return. It
// must not be called from inside fn.
func (t *Ticker) Stop() {
	t.stopOnce.Do(t.cancel)
	t.wg.Wait()
}
