package model

import "time"

type EventKind string

const (
	EventCreated                EventKind = "created"
	EventUpdated                EventKind = "updated"
	EventDeleted                EventKind = "deleted"
	EventParticipantJoined      EventKind = "participant_joined"
	EventParticipantLeft        EventKind = "participant_left"
	EventParticipantDataUpdated EventKind = "participant_data_updated"
	EventStatusChanged          EventKind = "status_changed"
)

// Event is one lifecycle notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind    `json:"kind"`
	SessionID   string       `json:"session_id"`
	At          time.Time    `json:"at"`
	Session     *Session     `json:"session,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Aggregate   *Aggregate   `json:"aggregate,omitempty"`
}
