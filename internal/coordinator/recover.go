package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/reconnect"
)

// Recover checks the resume metadata left by a previous process. A session
// still active remotely is resumed, one that ended while we were away is
// stopped, and one that cannot be reached within the attempt budget is
// entered with a failed connection so the tick keeps buffering until an
// explicit Resume. A Stop at any point before the session is restored wins.
func (c *Coordinator) Recover(ctx context.Context) error {
	c.opMu.Lock()
	c.mu.RLock()
	done := c.recovered || c.active
	c.mu.RUnlock()
	if done {
		c.opMu.Unlock()
		return nil
	}

	meta, ok, err := c.resume.Load()
	if err != nil {
		c.opMu.Unlock()
		return fmt.Errorf("load resume metadata: %w", err)
	}
	if !ok {
		c.markRecovered()
		c.opMu.Unlock()
		return nil
	}

	recoverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.resumeCancel = cancel
	c.recovering = true
	c.abandonRecovery = false
	c.mu.Unlock()

	log.Printf("event=session_recover session_id=%s started_at=%s host=%t", meta.SessionID, meta.StartedAt.Format(time.RFC3339), meta.IsHost)
	res := c.reconnect.Recover(recoverCtx, meta.SessionID)

	c.mu.Lock()
	c.resumeCancel = nil
	c.mu.Unlock()

	switch res.Outcome {
	case reconnect.Cancelled:
		if c.abandoned() {
			return c.dropRecovery(meta)
		}
		c.mu.Lock()
		c.recovering = false
		c.mu.Unlock()
		c.opMu.Unlock()
		return res.Err
	case reconnect.Resumed:
		if !c.restore(ctx, res.Session, meta) {
			return c.dropRecovery(meta)
		}
		c.markRecovered()
		c.opMu.Unlock()
		return nil
	case reconnect.Ended:
		sess := res.Session
		if sess.ID == "" {
			sess.ID = meta.SessionID
		}
		if !c.restore(ctx, sess, meta) {
			return c.dropRecovery(meta)
		}
		c.markRecovered()
		c.opMu.Unlock()
		return c.stop(ctx, 0, model.ParticipantCompleted, "")
	default:
		sess := model.Session{ID: meta.SessionID, Status: model.SessionActive}
		if meta.IsHost {
			sess.HostID = c.opts.UserID
		}
		if !c.restore(ctx, sess, meta) {
			return c.dropRecovery(meta)
		}
		c.markRecovered()
		c.opMu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, res.Err)
	}
}

func (c *Coordinator) abandoned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abandonRecovery
}

// dropRecovery gives the session up after Stop interrupted its recovery.
// It releases opMu, which the caller holds.
func (c *Coordinator) dropRecovery(meta model.ResumeMetadata) error {
	defer c.opMu.Unlock()
	if err := c.resume.Clear(); err != nil {
		log.Printf("event=resume_clear_failed session_id=%s err=%q", meta.SessionID, err.Error())
	}
	c.reconnect.Reset()
	c.mu.Lock()
	c.recovering = false
	c.abandonRecovery = false
	c.recovered = true
	c.mu.Unlock()
	log.Printf("event=session_recover_abandoned session_id=%s", meta.SessionID)
	return nil
}

func (c *Coordinator) ensureRecovered(ctx context.Context) error {
	c.mu.RLock()
	done := c.recovered
	c.mu.RUnlock()
	if done {
		return nil
	}
	err := c.Recover(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	// A recovered session, reachable or not, makes the caller already in session.
	return nil
}

func (c *Coordinator) markRecovered() {
	c.mu.Lock()
	c.recovered = true
	c.mu.Unlock()
}

// restore rebuilds the in-session state from a recovered record. It returns
// false, leaving the coordinator idle, when Stop abandoned the recovery.
// Must run under opMu.
func (c *Coordinator) restore(ctx context.Context, s model.Session, meta model.ResumeMetadata) bool {
	part := model.Participant{
		SessionID:   s.ID,
		UserID:      c.opts.UserID,
		DisplayName: c.opts.DisplayName,
		Status:      model.ParticipantActive,
		JoinedAt:    meta.StartedAt,
	}
	if c.reconnect.State() == model.ConnConnected {
		if ps, err := c.participantList(ctx, s.ID); err == nil {
			for _, p := range ps {
				if p.UserID == c.opts.UserID {
					part = p
					part.Status = model.ParticipantActive
				}
			}
		}
		c.cache.StoreSession(s)
	}
	joinedAt := part.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = meta.StartedAt
	}

	c.mu.Lock()
	if c.abandonRecovery {
		c.mu.Unlock()
		return false
	}
	c.recovering = false
	c.active = true
	c.epoch++
	epoch := c.epoch
	c.session = s
	c.participant = part
	c.isHost = s.HostID != "" && s.HostID == c.opts.UserID
	c.joinedAt = joinedAt
	c.participants = nil
	c.known = map[string]model.ParticipantStatus{c.opts.UserID: model.ParticipantActive}
	c.aggregate = nil
	c.lastSample = nil
	c.syncStatus = model.SyncIdle
	if s.Status == model.SessionActive {
		c.ticker = c.startTicker(epoch)
	}
	c.mu.Unlock()

	log.Printf("event=session_restored session_id=%s connection=%s", s.ID, c.reconnect.State())
	if s.Status == model.SessionActive {
		metrics.Default().SetGauge("livesync_active_session", 1, nil)
		c.publish(model.EventStatusChanged, &s, &part, nil)
	}
	return true
}

// Resume is the explicit retry after the automatic reconnection budget is
// spent. It is a no-op while connected.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotInSession
	}
	resumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.resumeCancel = cancel
	epoch := c.epoch
	c.mu.Unlock()

	c.opMu.Lock()
	c.mu.RLock()
	stale := !c.active || c.epoch != epoch
	sessionID := c.session.ID
	part := c.participant
	c.mu.RUnlock()
	if stale || resumeCtx.Err() != nil {
		c.opMu.Unlock()
		return ErrNotInSession
	}
	if c.reconnect.State() == model.ConnConnected {
		c.opMu.Unlock()
		return nil
	}

	res := c.reconnect.Retry(resumeCtx, sessionID)
	c.mu.Lock()
	if c.epoch == epoch {
		c.resumeCancel = nil
	}
	c.mu.Unlock()

	switch res.Outcome {
	case reconnect.Resumed:
		c.cache.StoreSession(res.Session)
		c.mu.Lock()
		c.session = res.Session
		c.isHost = res.Session.HostID == c.opts.UserID
		c.mu.Unlock()
		c.register(resumeCtx, &part)
		_, err := c.flushSession(resumeCtx, sessionID)
		if err != nil {
			c.noteWriteFailure(err)
		} else {
			c.setSync(model.SyncSynced)
		}
		c.mu.Lock()
		if c.ticker == nil && c.active && c.epoch == epoch {
			c.ticker = c.startTicker(epoch)
		}
		c.mu.Unlock()
		c.publish(model.EventUpdated, &res.Session, nil, nil)
		c.opMu.Unlock()
		return nil
	case reconnect.Ended:
		c.opMu.Unlock()
		return c.stop(ctx, epoch, model.ParticipantCompleted, "")
	case reconnect.Cancelled:
		c.opMu.Unlock()
		return ErrNotInSession
	default:
		c.opMu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, res.Err)
	}
}
