// Package buffer keeps metric samples that could not be delivered to the
// remote store. Every mutation is written through to a SQL database so the
// queue survives a process restart.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"github.com/telemyapp/livesync/internal/metrics"
	"github.com/telemyapp/livesync/internal/model"
)

// Entry is one queued sample. Seq is assigned on enqueue and only grows, so
// ordering by Seq is enqueue order.
type Entry struct {
	Seq           int64              `json:"seq"`
	SessionID     string             `json:"session_id"`
	ParticipantID string             `json:"participant_id"`
	UserID        string             `json:"user_id"`
	Sample        model.MetricSample `json:"sample"`
	EnqueuedAt    time.Time          `json:"enqueued_at"`
}

type Buffer struct {
	mu sync.Mutex
	db *sql.DB
}

// Open picks the driver from the DSN: libsql/http(s)/ws(s) URLs go to libsql,
// anything else is treated as a SQLite file path or URI.
func Open(dsn string) (*Buffer, error) {
	db, err := sql.Open(driverFor(dsn), dsn)
	if err != nil {
		return nil, fmt.Errorf("open buffer database: %w", err)
	}
	// A single connection keeps SQLite writes serialized and makes :memory: usable.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buffer tables: %w", err)
	}
	b := &Buffer{db: db}
	b.reportDepth(context.Background())
	return b, nil
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

func driverFor(dsn string) string {
	for _, prefix := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "libsql"
		}
	}
	return "sqlite3"
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_metrics (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS pending_metrics_session_seq ON pending_metrics (session_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

// Enqueue appends the sample to the end of its session's queue and returns
// the assigned sequence number.
func (b *Buffer) Enqueue(ctx context.Context, e Entry) (int64, error) {
	if e.SessionID == "" {
		return 0, fmt.Errorf("enqueue: session id is required")
	}
	payload, err := json.Marshal(e.Sample)
	if err != nil {
		return 0, fmt.Errorf("marshal sample: %w", err)
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO pending_metrics (session_id, participant_id, user_id, payload, enqueued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, e.ParticipantID, e.UserID, string(payload), e.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert pending metric: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("pending metric seq: %w", err)
	}
	metrics.Default().IncCounter("livesync_buffer_enqueued_total", nil)
	b.reportDepthLocked(ctx)
	return seq, nil
}

// DrainAll returns every queued entry grouped by session, each group in
// enqueue order. Nothing is removed; call Clear once delivery succeeded.
func (b *Buffer) DrainAll(ctx context.Context) (map[string][]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.query(ctx,
		`SELECT seq, session_id, participant_id, user_id, payload, enqueued_at
		 FROM pending_metrics ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Entry)
	for _, e := range entries {
		out[e.SessionID] = append(out[e.SessionID], e)
	}
	return out, nil
}

// Pending returns one session's queue in enqueue order.
func (b *Buffer) Pending(ctx context.Context, sessionID string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.query(ctx,
		`SELECT seq, session_id, participant_id, user_id, payload, enqueued_at
		 FROM pending_metrics WHERE session_id = ? ORDER BY seq ASC`, sessionID)
}

// Clear acknowledges delivery of a session's entries up to and including
// throughSeq. Entries enqueued after the caller drained are kept, and
// repeating the call is a no-op.
func (b *Buffer) Clear(ctx context.Context, sessionID string, throughSeq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM pending_metrics WHERE session_id = ? AND seq <= ?`, sessionID, throughSeq,
	); err != nil {
		return fmt.Errorf("clear pending metrics: %w", err)
	}
	b.reportDepthLocked(ctx)
	return nil
}

func (b *Buffer) Len(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked(ctx)
}

func (b *Buffer) lenLocked(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_metrics`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending metrics: %w", err)
	}
	return n, nil
}

func (b *Buffer) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending metrics: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload, enqueuedAt string
		if err := rows.Scan(&e.Seq, &e.SessionID, &e.ParticipantID, &e.UserID, &payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending metric: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Sample); err != nil {
			return nil, fmt.Errorf("decode pending metric %d: %w", e.Seq, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			e.EnqueuedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending metrics: %w", err)
	}
	return out, nil
}

func (b *Buffer) reportDepth(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reportDepthLocked(ctx)
}

func (b *Buffer) reportDepthLocked(ctx context.Context) {
	if n, err := b.lenLocked(ctx); err == nil {
		metrics.Default().SetGauge("livesync_buffer_depth", float64(n), nil)
	}
}
