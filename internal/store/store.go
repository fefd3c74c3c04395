package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/livesync/internal/model"
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

const sessionColumns = `
select id, name, host_id, scheduled_start, scheduled_end, actual_start, actual_end, workout_type,
       status, participant_count, participant_ids, max_participants, visibility, coalesce(join_code, '')
from live_sessions`

const participantColumns = `
select id, session_id, user_id, display_name, status, metrics, joined_at, last_update
from live_participants`

func (s *Store) CreateSession(ctx context.Context, in model.Session) (*model.Session, error) {
	out := in
	if out.ID == "" {
		out.ID = "ses_" + uuid.NewString()
	}
	if out.Status == "" {
		out.Status = model.SessionScheduled
	}
	if out.Visibility == "" {
		out.Visibility = model.VisibilityPublic
	}
	if out.ParticipantIDs == nil {
		out.ParticipantIDs = []string{}
	}
	const q = `
insert into live_sessions
  (id, name, host_id, scheduled_start, scheduled_end, actual_start, actual_end, workout_type,
   status, participant_count, participant_ids, max_participants, visibility, join_code, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, nullif($14, ''), now(), now())`
	if _, err := s.db.Exec(ctx, q,
		out.ID, out.Name, out.HostID, out.ScheduledStart, out.ScheduledEnd, out.ActualStart, out.ActualEnd, out.WorkoutType,
		string(out.Status), out.ParticipantCount, out.ParticipantIDs, out.MaxParticipants, string(out.Visibility), out.JoinCode,
	); err != nil {
		return nil, classify("create_session", err)
	}
	return &out, nil
}

// UpdateSession overwrites the mutable fields of the record. Concurrent
// writers resolve by last write wins.
func (s *Store) UpdateSession(ctx context.Context, in model.Session) (*model.Session, error) {
	ids := in.ParticipantIDs
	if ids == nil {
		ids = []string{}
	}
	const updateQ = `
update live_sessions
set name = $2,
    scheduled_start = $3,
    scheduled_end = $4,
    actual_start = $5,
    actual_end = $6,
    status = $7,
    participant_count = $8,
    participant_ids = $9,
    max_participants = $10,
    visibility = $11,
    updated_at = now()
where id = $1`
	tag, err := s.db.Exec(ctx, updateQ,
		in.ID, in.Name, in.ScheduledStart, in.ScheduledEnd, in.ActualStart, in.ActualEnd,
		string(in.Status), in.ParticipantCount, ids, in.MaxParticipants, string(in.Visibility),
	)
	if err != nil {
		return nil, classify("update_session", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	out := in
	out.ParticipantIDs = ids
	return &out, nil
}

func (s *Store) FetchSession(ctx context.Context, id string) (*model.Session, error) {
	out, err := scanSession(s.db.QueryRow(ctx, sessionColumns+`
where id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("fetch_session", err)
	}
	return out, nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	rows, err := s.db.Query(ctx, participantColumns+`
where session_id = $1
order by joined_at asc, id asc`, sessionID)
	if err != nil {
		return nil, classify("list_participants", err)
	}
	defer rows.Close()

	out := make([]model.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, classify("list_participants", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_participants", err)
	}
	return out, nil
}

// UpsertParticipant writes the (session, user) row and, when a sample is
// attached, appends it to participant_samples in the same transaction. An
// empty status keeps whatever status the row already has.
func (s *Store) UpsertParticipant(ctx context.Context, in model.Participant) (*model.Participant, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify("upsert_participant", err)
	}
	defer tx.Rollback(ctx)

	id := in.ID
	if id == "" {
		id = "par_" + uuid.NewString()
	}
	now := time.Now().UTC()
	joinedAt := in.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = now
	}
	lastUpdate := in.LastUpdate
	if lastUpdate.IsZero() {
		lastUpdate = now
	}
	var metricsJSON []byte
	if in.Metrics != nil {
		if metricsJSON, err = json.Marshal(in.Metrics); err != nil {
			return nil, Permanent("upsert_participant", CodeInvalidRecord, err)
		}
	}

	const upsertQ = `
insert into live_participants
  (id, session_id, user_id, display_name, status, metrics, joined_at, last_update)
values
  ($1, $2, $3, $4, coalesce(nullif($5, ''), 'active'), $6, $7, $8)
on conflict (session_id, user_id)
do update set
  display_name = coalesce(nullif(excluded.display_name, ''), live_participants.display_name),
  status = case when $5 = '' then live_participants.status else excluded.status end,
  metrics = coalesce(excluded.metrics, live_participants.metrics),
  last_update = greatest(live_participants.last_update, excluded.last_update)
returning id, session_id, user_id, display_name, status, metrics, joined_at, last_update`
	out, err := scanParticipant(tx.QueryRow(ctx, upsertQ,
		id, in.SessionID, in.UserID, in.DisplayName, string(in.Status), metricsJSON, joinedAt, lastUpdate,
	))
	if err != nil {
		return nil, classify("upsert_participant", err)
	}

	if in.Metrics != nil {
		const sampleQ = `
insert into participant_samples (participant_id, session_id, captured_at, payload, created_at)
values ($1, $2, $3, $4, now())`
		if _, err := tx.Exec(ctx, sampleQ, out.ID, out.SessionID, in.Metrics.CapturedAt, metricsJSON); err != nil {
			return nil, classify("upsert_participant", err)
		}
		// Returned row may carry a newer sample from another writer; the caller sees what it sent.
		sample := *in.Metrics
		out.Metrics = &sample
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("upsert_participant", err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("delete_session", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `delete from participant_samples where session_id = $1`, id); err != nil {
		return classify("delete_session", err)
	}
	if _, err := tx.Exec(ctx, `delete from live_participants where session_id = $1`, id); err != nil {
		return classify("delete_session", err)
	}
	tag, err := tx.Exec(ctx, `delete from live_sessions where id = $1`, id)
	if err != nil {
		return classify("delete_session", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return classify("delete_session", tx.Commit(ctx))
}

// ListSamples returns the delivered sample history for one participant, oldest first.
func (s *Store) ListSamples(ctx context.Context, participantID string) ([]model.MetricSample, error) {
	rows, err := s.db.Query(ctx, `
select payload
from participant_samples
where participant_id = $1
order by captured_at asc, id asc`, participantID)
	if err != nil {
		return nil, classify("list_samples", err)
	}
	defer rows.Close()

	out := make([]model.MetricSample, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classify("list_samples", err)
		}
		var sample model.MetricSample
		if err := json.Unmarshal(raw, &sample); err != nil {
			return nil, Permanent("list_samples", CodeInvalidRecord, err)
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_samples", err)
	}
	return out, nil
}

func (s *Store) RollupParticipantCounts(ctx context.Context) error {
	const q = `
update live_sessions s
set participant_count = coalesce(agg.cnt, 0),
    participant_ids = coalesce(agg.ids, '{}'),
    updated_at = now()
from (
  select ls.id as session_id,
         count(p.id) as cnt,
         array_remove(array_agg(p.user_id order by p.joined_at), null) as ids
  from live_sessions ls
  left join live_participants p on p.session_id = ls.id and p.status <> 'dropped'
  where ls.status in ('scheduled', 'active')
  group by ls.id
) agg
where s.id = agg.session_id`
	_, err := s.db.Exec(ctx, q)
	return classify("rollup_participant_counts", err)
}

// CompleteAbandonedSessions ends live sessions whose scheduled end passed
// more than grace ago, so participants that reconnect later stop cleanly.
func (s *Store) CompleteAbandonedSessions(ctx context.Context, grace time.Duration) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("complete_abandoned_sessions", err)
	}
	defer tx.Rollback(ctx)

	cutoff := time.Now().UTC().Add(-grace)
	const participantsQ = `
update live_participants p
set status = 'dropped', last_update = now()
from live_sessions s
where p.session_id = s.id
  and s.status = 'active'
  and s.scheduled_end < $1
  and p.status not in ('completed', 'dropped')`
	if _, err := tx.Exec(ctx, participantsQ, cutoff); err != nil {
		return classify("complete_abandoned_sessions", err)
	}
	const sessionsQ = `
update live_sessions
set status = 'completed', actual_end = coalesce(actual_end, now()), updated_at = now()
where status = 'active'
  and scheduled_end < $1`
	if _, err := tx.Exec(ctx, sessionsQ, cutoff); err != nil {
		return classify("complete_abandoned_sessions", err)
	}
	return classify("complete_abandoned_sessions", tx.Commit(ctx))
}

func (s *Store) PruneSampleHistory(ctx context.Context, retention time.Duration) error {
	const q = `
delete from participant_samples ps
using live_sessions s
where ps.session_id = s.id
  and s.status in ('completed', 'cancelled')
  and ps.created_at < $1`
	_, err := s.db.Exec(ctx, q, time.Now().UTC().Add(-retention))
	return classify("prune_sample_history", err)
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var out model.Session
	var status, visibility string
	if err := row.Scan(
		&out.ID, &out.Name, &out.HostID, &out.ScheduledStart, &out.ScheduledEnd, &out.ActualStart, &out.ActualEnd, &out.WorkoutType,
		&status, &out.ParticipantCount, &out.ParticipantIDs, &out.MaxParticipants, &visibility, &out.JoinCode,
	); err != nil {
		return nil, err
	}
	out.Status = model.SessionStatus(status)
	out.Visibility = model.Visibility(visibility)
	return &out, nil
}

func scanParticipant(row pgx.Row) (*model.Participant, error) {
	var out model.Participant
	var status string
	var metricsJSON []byte
	if err := row.Scan(
		&out.ID, &out.SessionID, &out.UserID, &out.DisplayName, &status, &metricsJSON, &out.JoinedAt, &out.LastUpdate,
	); err != nil {
		return nil, err
	}
	out.Status = model.ParticipantStatus(status)
	if len(metricsJSON) > 0 {
		var sample model.MetricSample
		if err := json.Unmarshal(metricsJSON, &sample); err != nil {
			return nil, err
		}
		out.Metrics = &sample
	}
	return &out, nil
}
