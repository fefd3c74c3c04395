package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"

	"github.com/telemyapp/livesync/internal/aggregate"
	"github.com/telemyapp/livesync/internal/buffer"
	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/reconnect"
	"github.com/telemyapp/livesync/internal/store"
)

// tick runs one sync pass: push the local sample, pull the participant
// list, recompute aggregates, publish what changed. ended reports that the
// session finished remotely and the caller should stop.
func (c *Coordinator) tick(ctx context.Context, epoch uint64) (ended bool, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if ctx.Err() != nil {
		return false, nil
	}

	c.mu.RLock()
	if !c.active || c.epoch != epoch {
		c.mu.RUnlock()
		return false, nil
	}
	sess, part := c.session, c.participant
	c.mu.RUnlock()

	sample := c.readSample(ctx)

	if c.reconnect.State() != model.ConnConnected {
		if sample != nil {
			c.bufferSample(ctx, sess.ID, part, *sample)
		}
		c.setSync(model.SyncFailed)
		res := c.reconnect.Attempt(ctx, sess.ID)
		switch res.Outcome {
		case reconnect.Resumed:
			c.cache.StoreSession(res.Session)
			c.mu.Lock()
			c.session = res.Session
			c.mu.Unlock()
			c.register(ctx, &part)
			if _, err := c.flushSession(ctx, sess.ID); err != nil {
				c.noteWriteFailure(err)
				return false, err
			}
			c.setSync(model.SyncSynced)
		case reconnect.Ended:
			return true, nil
		case reconnect.Cancelled:
			return false, nil
		default:
			if errors.Is(res.Err, reconnect.ErrExhausted) {
				return false, nil
			}
			c.publish(model.EventUpdated, &sess, nil, nil)
			return false, res.Err
		}
	} else if err := c.push(ctx, sess.ID, &part, sample); err != nil {
		return false, err
	}

	return c.refresh(ctx, sess.ID)
}

func (c *Coordinator) readSample(ctx context.Context) *model.MetricSample {
	sample, err := c.sensor.CurrentMetrics(ctx)
	if err != nil {
		log.Printf("event=sensor_read_failed err=%q", err.Error())
		return nil
	}
	c.mu.Lock()
	c.lastSample = &sample
	c.mu.Unlock()
	if c.relay != nil {
		if err := c.relay.Send(ctx, sample); err != nil {
			log.Printf("event=relay_send_failed err=%q", err.Error())
		}
	}
	return &sample
}

// push writes the sample through the throttle gate. Older buffered samples
// go first so per-session order holds.
func (c *Coordinator) push(ctx context.Context, sessionID string, part *model.Participant, sample *model.MetricSample) error {
	pending, err := c.buffer.Pending(ctx, sessionID)
	if err != nil {
		log.Printf("event=buffer_read_failed session_id=%s err=%q", sessionID, err.Error())
	}
	if len(pending) > 0 {
		if sample != nil && c.cache.ShouldWrite(sessionID, c.opts.WriteInterval) {
			c.bufferSample(ctx, sessionID, *part, *sample)
		}
		if _, err := c.flushSession(ctx, sessionID); err != nil {
			c.noteWriteFailure(err)
			return err
		}
		c.setSync(model.SyncSynced)
		return nil
	}
	if sample == nil {
		return nil
	}
	if !c.cache.ShouldWrite(sessionID, c.opts.WriteInterval) {
		metrics.Default().IncCounter("livesync_throttled_writes_total", nil)
		return nil
	}

	c.setSync(model.SyncSyncing)
	rec := *part
	rec.Status = ""
	rec.Metrics = sample
	rec.LastUpdate = sample.CapturedAt
	written, err := c.remote.UpsertParticipant(ctx, rec)
	if err != nil {
		metrics.Default().IncCounter("livesync_remote_writes_total", map[string]string{"status": "error"})
		if store.IsTransient(err) {
			c.bufferSample(ctx, sessionID, *part, *sample)
		} else {
			log.Printf("event=metric_write_rejected session_id=%s err=%q", sessionID, err.Error())
		}
		c.noteWriteFailure(err)
		return err
	}
	metrics.Default().IncCounter("livesync_remote_writes_total", map[string]string{"status": "ok"})
	c.adoptParticipantID(part, written)
	c.setSync(model.SyncSynced)
	return nil
}

// register retries a participant registration that failed on entry.
func (c *Coordinator) register(ctx context.Context, part *model.Participant) {
	if part.ID != "" {
		return
	}
	rec := *part
	written, err := c.remote.UpsertParticipant(ctx, rec)
	if err != nil {
		log.Printf("event=participant_register_deferred session_id=%s err=%q", part.SessionID, err.Error())
		return
	}
	c.adoptParticipantID(part, written)
}

func (c *Coordinator) adoptParticipantID(part *model.Participant, written *model.Participant) {
	if written == nil || part.ID != "" {
		return
	}
	part.ID = written.ID
	c.mu.Lock()
	if c.participant.UserID == part.UserID {
		c.participant.ID = written.ID
	}
	c.mu.Unlock()
}

func (c *Coordinator) noteWriteFailure(err error) {
	c.setSync(model.SyncFailed)
	if store.IsConnectionError(err) {
		c.reconnect.Lost()
	}
}

func (c *Coordinator) bufferSample(ctx context.Context, sessionID string, part model.Participant, sample model.MetricSample) {
	if _, err := c.buffer.Enqueue(ctx, buffer.Entry{
		SessionID:     sessionID,
		ParticipantID: part.ID,
		UserID:        part.UserID,
		Sample:        sample,
		EnqueuedAt:    c.clock.Now(),
	}); err != nil {
		log.Printf("event=buffer_enqueue_failed session_id=%s err=%q", sessionID, err.Error())
	}
}

// flushSession delivers one session's queue in order and acknowledges only
// what the remote store accepted.
func (c *Coordinator) flushSession(ctx context.Context, sessionID string) (int, error) {
	entries, err := c.buffer.Pending(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return c.deliver(ctx, sessionID, entries)
}

func (c *Coordinator) deliver(ctx context.Context, sessionID string, entries []buffer.Entry) (int, error) {
	delivered := 0
	var through int64
	var deliverErr error
	for _, e := range entries {
		sample := e.Sample
		rec := model.Participant{
			ID:         e.ParticipantID,
			SessionID:  e.SessionID,
			UserID:     e.UserID,
			Metrics:    &sample,
			LastUpdate: sample.CapturedAt,
		}
		if e.UserID == c.opts.UserID {
			rec.DisplayName = c.opts.DisplayName
		}
		if _, err := c.remote.UpsertParticipant(ctx, rec); err != nil {
			metrics.Default().IncCounter("livesync_remote_writes_total", map[string]string{"status": "error"})
			deliverErr = err
			break
		}
		metrics.Default().IncCounter("livesync_remote_writes_total", map[string]string{"status": "ok"})
		through = e.Seq
		delivered++
	}
	if delivered > 0 {
		if err := c.buffer.Clear(ctx, sessionID, through); err != nil {
			return delivered, errors.Join(deliverErr, err)
		}
		metrics.Default().AddCounter("livesync_buffer_flushed_total", nil, uint64(delivered))
		log.Printf("event=buffer_flushed session_id=%s delivered=%d", sessionID, delivered)
	}
	return delivered, deliverErr
}

// FlushPending delivers every buffered sample, including those of sessions
// that already ended locally.
func (c *Coordinator) FlushPending(ctx context.Context) (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	all, err := c.buffer.DrainAll(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	current := ""
	if c.active {
		current = c.session.ID
	}
	c.mu.RUnlock()

	total := 0
	var errs []error
	for sessionID, entries := range all {
		n, err := c.deliver(ctx, sessionID, entries)
		total += n
		if err != nil {
			errs = append(errs, err)
			if sessionID == current {
				c.noteWriteFailure(err)
			}
			continue
		}
		if sessionID == current {
			c.setSync(model.SyncSynced)
		}
	}
	return total, flushErr(errors.Join(errs...))
}

// flushErr classifies a failed flush: link trouble is ErrConnectionFailed,
// anything the store rejected is ErrSyncFailed. The cause stays wrapped.
func flushErr(err error) error {
	switch {
	case err == nil:
		return nil
	case store.IsTransient(err):
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	default:
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
}

func (c *Coordinator) sessionRecord(ctx context.Context, id string) (model.Session, error) {
	if s, ok := c.cache.Session(id, c.opts.SessionTTL); ok {
		return s, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	s, err := c.remote.FetchSession(fetchCtx, id)
	if err != nil {
		return model.Session{}, err
	}
	c.cache.StoreSession(*s)
	return *s, nil
}

func (c *Coordinator) participantList(ctx context.Context, sessionID string) ([]model.Participant, error) {
	if ps, ok := c.cache.Participants(sessionID, c.opts.ParticipantTTL); ok {
		return ps, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	ps, err := c.remote.ListParticipants(fetchCtx, sessionID)
	if err != nil {
		return nil, err
	}
	c.cache.StoreParticipants(sessionID, ps)
	return ps, nil
}

// refresh pulls the session and its participants, recomputes the aggregate
// and publishes the differences.
func (c *Coordinator) refresh(ctx context.Context, sessionID string) (bool, error) {
	s, err := c.sessionRecord(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return true, nil
	case err != nil:
		if store.IsConnectionError(err) {
			c.reconnect.Lost()
		}
		return false, err
	case s.Status.Terminal():
		log.Printf("event=session_ended_remotely session_id=%s status=%s", sessionID, s.Status)
		return true, nil
	}

	ps, err := c.participantList(ctx, sessionID)
	if err != nil {
		if store.IsConnectionError(err) {
			c.reconnect.Lost()
		}
		return false, err
	}

	c.mu.Lock()
	prevSession := c.session
	c.session = s
	c.participants = ps
	merged := c.withLocalSampleLocked(ps)
	agg, ok := aggregate.Compute(merged)
	var aggPtr *model.Aggregate
	if ok {
		aggPtr = &agg
	}
	aggChanged := !reflect.DeepEqual(aggPtr, c.aggregate)
	c.aggregate = aggPtr
	joined, left := c.diffParticipantsLocked(ps)
	c.mu.Unlock()

	if prevSession.Status != s.Status {
		c.publish(model.EventStatusChanged, &s, nil, nil)
	} else if prevSession.ParticipantCount != s.ParticipantCount || !reflect.DeepEqual(prevSession.ParticipantIDs, s.ParticipantIDs) {
		c.publish(model.EventUpdated, &s, nil, nil)
	}
	for i := range joined {
		c.publish(model.EventParticipantJoined, &s, &joined[i], nil)
	}
	for i := range left {
		c.publish(model.EventParticipantLeft, &s, &left[i], nil)
	}
	if aggChanged || len(joined) > 0 || len(left) > 0 {
		c.publish(model.EventParticipantDataUpdated, &s, nil, aggPtr)
	}
	return false, nil
}

// withLocalSampleLocked overlays the freshest local sample onto our own
// remote record, or adds the record if the remote list does not have it yet.
func (c *Coordinator) withLocalSampleLocked(ps []model.Participant) []model.Participant {
	out := make([]model.Participant, 0, len(ps)+1)
	found := false
	for _, p := range ps {
		if p.UserID == c.opts.UserID {
			found = true
			if c.lastSample != nil {
				sample := *c.lastSample
				p.Metrics = &sample
			}
			p.Status = model.ParticipantActive
			if p.JoinedAt.IsZero() {
				p.JoinedAt = c.joinedAt
			}
		}
		out = append(out, p)
	}
	if !found {
		self := c.participant
		if c.lastSample != nil {
			sample := *c.lastSample
			self.Metrics = &sample
		}
		out = append(out, self)
	}
	return out
}

func (c *Coordinator) diffParticipantsLocked(ps []model.Participant) (joined, left []model.Participant) {
	if c.known == nil {
		c.known = make(map[string]model.ParticipantStatus)
	}
	for _, p := range ps {
		if p.UserID == c.opts.UserID {
			continue
		}
		prev, seen := c.known[p.UserID]
		switch {
		case !seen && !p.Status.Terminal():
			joined = append(joined, p)
		case seen && !prev.Terminal() && p.Status.Terminal():
			left = append(left, p)
		}
		c.known[p.UserID] = p.Status
	}
	return joined, left
}
