package model

import "time"

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Session struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	HostID           string        `json:"host_id"`
	ScheduledStart   time.Time     `json:"scheduled_start"`
	ScheduledEnd     time.Time     `json:"scheduled_end"`
	ActualStart      *time.Time    `json:"actual_start,omitempty"`
	ActualEnd        *time.Time    `json:"actual_end,omitempty"`
	WorkoutType      string        `json:"workout_type"`
	Status           SessionStatus `json:"status"`
	ParticipantCount int           `json:"participant_count"`
	ParticipantIDs   []string      `json:"participant_ids"`
	MaxParticipants  int           `json:"max_participants,omitempty"`
	Visibility       Visibility    `json:"visibility"`
	JoinCode         string        `json:"join_code,omitempty"`
}

type ParticipantStatus string

const (
	ParticipantInvited   ParticipantStatus = "invited"
	ParticipantJoined    ParticipantStatus = "joined"
	ParticipantActive    ParticipantStatus = "active"
	ParticipantCompleted ParticipantStatus = "completed"
	ParticipantDropped   ParticipantStatus = "dropped"
)

func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantCompleted || s == ParticipantDropped
}

type Participant struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	DisplayName string            `json:"display_name"`
	Status      ParticipantStatus `json:"status"`
	Metrics     *MetricSample     `json:"metrics,omitempty"`
	JoinedAt    time.Time         `json:"joined_at"`
	LastUpdate  time.Time         `json:"last_update"`
}

// MetricSample is an immutable snapshot. Energy is kcal, Distance is meters.
type MetricSample struct {
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Energy       float64    `json:"energy"`
	Distance     float64    `json:"distance"`
	AvgHeartRate float64    `json:"avg_heart_rate"`
	HeartRate    float64    `json:"heart_rate"`
	CapturedAt   time.Time  `json:"captured_at"`
}

// Aggregate summarizes the active participants of a session at one tick.
type Aggregate struct {
	Count            int     `json:"count"`
	TotalEnergy      float64 `json:"total_energy"`
	TotalDistance    float64 `json:"total_distance"`
	AverageHeartRate float64 `json:"average_heart_rate"`
	LeaderID         string  `json:"leader_id"`
}

// ConnectionState describes the link to the remote store, not the session.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnFailed       ConnectionState = "failed"
)

// SyncStatus is the outcome of the last metric write attempt.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ResumeMetadata is the only process-wide durable record of an in-progress session.
// IsHost lets a restart that cannot reach the store still apply host rules.
type ResumeMetadata struct {
	SessionID string    `toml:"session_id" json:"session_id"`
	StartedAt time.Time `toml:"started_at" json:"started_at"`
	IsHost    bool      `toml:"is_host" json:"is_host"`
}
