package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/telemyapp/livesync/internal/jobs"
	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/store"
)

// Start begins a live session. As host, a session without an id is created
// remotely and an existing one is switched to active; otherwise Start
// behaves like Join.
func (c *Coordinator) Start(ctx context.Context, session model.Session, asHost bool) (*model.Session, error) {
	if !asHost {
		return c.Join(ctx, session.ID)
	}
	if err := c.preflight(ctx); err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkIdle(ctx); err != nil {
		return nil, err
	}

	c.reconnect.Connecting()
	now := c.clock.Now()
	created := session.ID == ""
	var remote *model.Session
	var err error
	if created {
		session.HostID = c.opts.UserID
		session.Status = model.SessionActive
		session.ActualStart = &now
		session.ParticipantIDs = []string{c.opts.UserID}
		session.ParticipantCount = 1
		remote, err = c.remote.CreateSession(ctx, session)
	} else {
		remote, err = c.hostActivate(ctx, session.ID, now)
	}
	if err != nil {
		c.reconnect.Reset()
		return nil, c.remoteErr("start_session", err)
	}
	c.cache.StoreSession(*remote)
	if created {
		c.publish(model.EventCreated, remote, nil, nil)
	}

	if err := c.enter(ctx, *remote, true, now); err != nil {
		return nil, err
	}
	out := *remote
	return &out, nil
}

func (c *Coordinator) hostActivate(ctx context.Context, id string, now time.Time) (*model.Session, error) {
	s, err := c.remote.FetchSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.HostID != c.opts.UserID {
		return nil, ErrNotAuthorized
	}
	if s.Status.Terminal() {
		return nil, ErrCannotJoin
	}
	s.Status = model.SessionActive
	if s.ActualStart == nil {
		s.ActualStart = &now
	}
	if !slices.Contains(s.ParticipantIDs, c.opts.UserID) {
		s.ParticipantIDs = append(s.ParticipantIDs, c.opts.UserID)
		s.ParticipantCount++
	}
	return c.remote.UpdateSession(ctx, *s)
}

// Join enters a session that is already active remotely. The participant is
// active right away and its elapsed time counts from this moment.
func (c *Coordinator) Join(ctx context.Context, sessionID string) (*model.Session, error) {
	if err := c.preflight(ctx); err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkIdle(ctx); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	// Always the fresh record: a cached one may predate activation or
	// other joins, and its counts are written back below.
	c.reconnect.Connecting()
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	fetched, err := c.remote.FetchSession(fetchCtx, sessionID)
	cancel()
	if err != nil {
		c.reconnect.Reset()
		return nil, c.remoteErr("join_session", err)
	}
	s := *fetched
	if s.Status != model.SessionActive {
		c.reconnect.Reset()
		return nil, fmt.Errorf("%w: status %s", ErrCannotJoin, s.Status)
	}
	if s.HostID == c.opts.UserID {
		c.reconnect.Reset()
		return nil, fmt.Errorf("%w: host must start the session", ErrCannotJoin)
	}
	if !slices.Contains(s.ParticipantIDs, c.opts.UserID) {
		if s.MaxParticipants > 0 && s.ParticipantCount >= s.MaxParticipants {
			c.reconnect.Reset()
			return nil, ErrSessionFull
		}
		s.ParticipantIDs = append(s.ParticipantIDs, c.opts.UserID)
		s.ParticipantCount++
		if updated, err := c.remote.UpdateSession(ctx, s); err != nil {
			log.Printf("event=participant_count_update_failed session_id=%s err=%q", s.ID, err.Error())
		} else {
			s = *updated
		}
	}
	c.cache.StoreSession(s)

	now := c.clock.Now()
	if err := c.enter(ctx, s, false, now); err != nil {
		return nil, err
	}
	return &s, nil
}

// Leave ends participation with status dropped. Hosts must stop or cancel.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.resolveHost(ctx)
	c.mu.RLock()
	active, isHost := c.active, c.isHost
	c.mu.RUnlock()
	if !active {
		return nil
	}
	if isHost {
		return ErrHostCannotLeave
	}
	return c.stop(ctx, 0, model.ParticipantDropped, "")
}

// Stop is idempotent. The host's session is completed remotely.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.resolveHost(ctx)
	return c.stop(ctx, 0, model.ParticipantCompleted, model.SessionCompleted)
}

// Cancel is the host-only variant of Stop that marks the session cancelled.
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.resolveHost(ctx)
	c.mu.RLock()
	active, isHost := c.active, c.isHost
	c.mu.RUnlock()
	if !active {
		return nil
	}
	if !isHost {
		return ErrNotAuthorized
	}
	return c.stop(ctx, 0, model.ParticipantCompleted, model.SessionCancelled)
}

// Delete removes a session the local user hosts. The session being synced
// right now cannot be deleted.
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	if c.opts.UserID == "" {
		return ErrNotAuthenticated
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	current := c.active && c.session.ID == sessionID
	c.mu.RUnlock()
	if current {
		return ErrAlreadyInSession
	}

	s, err := c.remote.FetchSession(ctx, sessionID)
	if err != nil {
		return c.remoteErr("delete_session", err)
	}
	if s.HostID != c.opts.UserID {
		return ErrNotAuthorized
	}
	if err := c.remote.DeleteSession(ctx, sessionID); err != nil {
		return c.remoteErr("delete_session", err)
	}
	c.cache.Invalidate(sessionID)
	c.publish(model.EventDeleted, s, nil, nil)
	return nil
}

// resolveHost fills in the host of a session restored without its remote
// record. Failure leaves the local view unchanged.
func (c *Coordinator) resolveHost(ctx context.Context) {
	c.mu.RLock()
	known := !c.active || c.session.HostID != ""
	id := c.session.ID
	c.mu.RUnlock()
	if known {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	s, err := c.remote.FetchSession(fetchCtx, id)
	cancel()
	if err != nil {
		log.Printf("event=host_resolve_failed session_id=%s err=%q", id, err.Error())
		return
	}
	c.mu.Lock()
	if c.active && c.session.ID == id && c.session.HostID == "" {
		c.session.HostID = s.HostID
		c.isHost = s.HostID == c.opts.UserID
	}
	c.mu.Unlock()
}

func (c *Coordinator) preflight(ctx context.Context) error {
	if c.opts.UserID == "" {
		return ErrNotAuthenticated
	}
	return c.ensureRecovered(ctx)
}

// checkIdle must run under opMu.
func (c *Coordinator) checkIdle(ctx context.Context) error {
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()
	if active {
		return ErrAlreadyInSession
	}
	granted, err := c.sensor.RequestAuthorization(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
	}
	if !granted {
		return ErrAuthorizationDenied
	}
	return nil
}

// enter registers the local participant and switches to the in-session
// state. A transient registration failure keeps the session local and lets
// the tick reconnect. Must run under opMu.
func (c *Coordinator) enter(ctx context.Context, s model.Session, isHost bool, now time.Time) error {
	part := model.Participant{
		SessionID:   s.ID,
		UserID:      c.opts.UserID,
		DisplayName: c.opts.DisplayName,
		Status:      model.ParticipantActive,
		JoinedAt:    now,
		LastUpdate:  now,
	}
	registered, err := c.remote.UpsertParticipant(ctx, part)
	switch {
	case err == nil:
		part = *registered
		c.reconnect.Connected()
	case store.IsTransient(err):
		log.Printf("event=participant_register_deferred session_id=%s err=%q", s.ID, err.Error())
		c.reconnect.Lost()
	default:
		c.reconnect.Reset()
		return c.remoteErr("register_participant", err)
	}

	if err := c.resume.Save(model.ResumeMetadata{SessionID: s.ID, StartedAt: now, IsHost: isHost}); err != nil {
		log.Printf("event=resume_save_failed session_id=%s err=%q", s.ID, err.Error())
	}

	c.mu.Lock()
	c.active = true
	c.epoch++
	epoch := c.epoch
	c.session = s
	c.participant = part
	c.isHost = isHost
	c.joinedAt = now
	c.participants = nil
	c.known = map[string]model.ParticipantStatus{c.opts.UserID: model.ParticipantActive}
	c.aggregate = nil
	c.lastSample = nil
	c.syncStatus = model.SyncIdle
	c.ticker = c.startTicker(epoch)
	c.mu.Unlock()

	metrics.Default().SetGauge("livesync_active_session", 1, nil)
	log.Printf("event=session_entered session_id=%s user_id=%s host=%t", s.ID, c.opts.UserID, isHost)
	c.publish(model.EventStatusChanged, &s, nil, nil)
	c.publish(model.EventParticipantJoined, &s, &part, nil)
	return nil
}

func (c *Coordinator) startTicker(epoch uint64) *jobs.Ticker {
	return jobs.StartTicker(context.Background(), "session_tick", c.opts.TickInterval, func(ctx context.Context) error {
		ended, err := c.tick(ctx, epoch)
		if ended {
			// Stop waits for this tick, so it cannot run here.
			go c.endedRemotely(epoch)
		}
		return err
	})
}

func (c *Coordinator) endedRemotely(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*c.opts.FetchTimeout)
	defer cancel()
	if err := c.stop(ctx, epoch, model.ParticipantCompleted, ""); err != nil {
		log.Printf("event=session_end_failed err=%q", err.Error())
	}
}

// stop tears the session down. epoch 0 matches any session; otherwise the
// call is ignored when a different session is current. hostStatus is the
// remote status to set when the local user hosts; empty leaves it alone.
func (c *Coordinator) stop(ctx context.Context, epoch uint64, final model.ParticipantStatus, hostStatus model.SessionStatus) error {
	c.mu.Lock()
	if !c.active && epoch == 0 && c.recovering {
		c.abandonRecovery = true
		if c.resumeCancel != nil {
			c.resumeCancel()
			c.resumeCancel = nil
		}
	}
	if !c.active || (epoch != 0 && epoch != c.epoch) {
		c.mu.Unlock()
		return nil
	}
	epoch = c.epoch
	ticker, cancelResume := c.ticker, c.resumeCancel
	c.ticker, c.resumeCancel = nil, nil
	c.mu.Unlock()

	if cancelResume != nil {
		cancelResume()
	}
	if ticker != nil {
		ticker.Stop()
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	if !c.active || c.epoch != epoch {
		c.mu.RUnlock()
		return nil
	}
	sess, part, isHost, last := c.session, c.participant, c.isHost, c.lastSample
	c.mu.RUnlock()

	sample := c.finalSample(ctx, last)
	flushed := c.finalFlush(ctx, sess, part, final, sample)

	if isHost && hostStatus != "" {
		c.closeRemoteSession(ctx, sess, hostStatus)
	}
	if final == model.ParticipantDropped {
		c.releaseSeat(ctx, sess.ID)
	}

	if err := c.resume.Clear(); err != nil {
		log.Printf("event=resume_clear_failed session_id=%s err=%q", sess.ID, err.Error())
	}
	c.cache.Invalidate(sess.ID)
	c.reconnect.Reset()

	part.Status = final
	c.mu.Lock()
	c.active = false
	c.isHost = false
	c.participants = nil
	c.known = nil
	c.aggregate = nil
	c.lastSample = nil
	if flushed {
		c.syncStatus = model.SyncIdle
	} else {
		c.syncStatus = model.SyncFailed
	}
	c.mu.Unlock()

	metrics.Default().SetGauge("livesync_active_session", 0, nil)
	log.Printf("event=session_stopped session_id=%s user_id=%s status=%s flushed=%t", sess.ID, c.opts.UserID, final, flushed)
	if final == model.ParticipantDropped {
		c.publish(model.EventParticipantLeft, &sess, &part, nil)
	}
	if isHost && hostStatus != "" {
		sess.Status = hostStatus
	}
	c.publish(model.EventStatusChanged, &sess, &part, nil)
	return nil
}

func (c *Coordinator) finalSample(ctx context.Context, last *model.MetricSample) *model.MetricSample {
	readCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	sample, err := c.sensor.CurrentMetrics(readCtx)
	if err != nil {
		return last
	}
	end := c.clock.Now()
	sample.EndTime = &end
	return &sample
}

// finalFlush delivers the buffered samples and then the final participant
// record, bypassing the throttle. Anything undeliverable stays buffered.
func (c *Coordinator) finalFlush(ctx context.Context, sess model.Session, part model.Participant, final model.ParticipantStatus, sample *model.MetricSample) bool {
	if _, err := c.flushSession(ctx, sess.ID); err != nil {
		log.Printf("event=final_flush_failed session_id=%s err=%q", sess.ID, err.Error())
		if sample != nil {
			c.bufferSample(ctx, sess.ID, part, *sample)
		}
		return false
	}

	rec := part
	rec.Status = final
	rec.Metrics = sample
	rec.LastUpdate = c.clock.Now()
	if _, err := c.remote.UpsertParticipant(ctx, rec); err != nil {
		log.Printf("event=final_write_failed session_id=%s err=%q", sess.ID, err.Error())
		metrics.Default().IncCounter("livesync_remote_writes_total", map[string]string{"status": "error"})
		if sample != nil && store.IsTransient(err) {
			c.bufferSample(ctx, sess.ID, part, *sample)
		}
		return false
	}
	metrics.Default().IncCounter("livesync_remote_writes_total", map[string]string{"status": "ok"})
	return true
}

func (c *Coordinator) closeRemoteSession(ctx context.Context, sess model.Session, status model.SessionStatus) {
	// Prefer the fresh record so the close does not clobber newer counts.
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	fetched, err := c.remote.FetchSession(fetchCtx, sess.ID)
	cancel()
	switch {
	case err == nil:
		sess = *fetched
	case sess.HostID == "":
		log.Printf("event=session_close_failed session_id=%s err=%q", sess.ID, err.Error())
		return
	}
	if sess.Status.Terminal() {
		return
	}
	end := c.clock.Now()
	sess.Status = status
	sess.ActualEnd = &end
	if _, err := c.remote.UpdateSession(ctx, sess); err != nil {
		log.Printf("event=session_close_failed session_id=%s status=%s err=%q", sess.ID, status, err.Error())
	}
}

func (c *Coordinator) releaseSeat(ctx context.Context, sessionID string) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	s, err := c.remote.FetchSession(fetchCtx, sessionID)
	cancel()
	if err != nil {
		log.Printf("event=participant_count_update_failed session_id=%s err=%q", sessionID, err.Error())
		return
	}
	idx := slices.Index(s.ParticipantIDs, c.opts.UserID)
	if idx < 0 {
		return
	}
	s.ParticipantIDs = slices.Delete(s.ParticipantIDs, idx, idx+1)
	if s.ParticipantCount > 0 {
		s.ParticipantCount--
	}
	if _, err := c.remote.UpdateSession(ctx, *s); err != nil {
		log.Printf("event=participant_count_update_failed session_id=%s err=%q", sessionID, err.Error())
	}
}

// remoteErr maps store failures onto the coordinator's error taxonomy.
func (c *Coordinator) remoteErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrCannotJoin):
		return err
	case store.IsTransient(err):
		return fmt.Errorf("%s: %w: %v", op, ErrConnectionFailed, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
