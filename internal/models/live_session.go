package models

import (
	"time"

	"github.com/google/uuid"
)

// LiveSession is the real-time state of one scheduled session.
type LiveSession struct {
	ID                     uuid.UUID  `json:"id"`
	SessionID              uuid.UUID  `json:"session_id"`
	Ongoing                bool       `json:"ongoing"`
	StartTime              *time.Time `json:"start_time,omitempty"`
	EndTime                *time.Time `json:"end_time,omitempty"`
	ParticipantWaitingRoom []Member   `json:"participant_waiting_room"`
	ObserverWaitingRoom    []Member   `json:"observer_waiting_room"`
	ParticipantsList       []Member   `json:"participants_list"`
	ObserverList           []Member   `json:"observer_list"`
	CreatedAt              time.Time  `json:"created_at"`
}

// SessionState is the lifecycle state derived from ongoing and endTime.
type SessionState string

const (
	StateWaiting SessionState = "WAITING"
	StateActive  SessionState = "ACTIVE"
	StateEnded   SessionState = "ENDED"
)

// State returns the lifecycle state of the session.
func (s *LiveSession) State() SessionState {
	switch {
	case s.Ongoing:
		return StateActive
	case s.EndTime != nil:
		return StateEnded
	default:
		return StateWaiting
	}
}

// Member is a waiting-room or roster entry.
type Member struct {
	Email    string     `json:"email"`
	Name     string     `json:"name"`
	Role     Role       `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
}

// Lists is the four presence lists returned by admission operations.
type Lists struct {
	ParticipantWaitingRoom []Member `json:"participant_waiting_room"`
	ObserverWaitingRoom    []Member `json:"observer_waiting_room"`
	ParticipantsList       []Member `json:"participants_list"`
	ObserverList           []Member `json:"observer_list"`
}

// Placement puts a member in one list of one family.
type Placement struct {
	Family Family
	List   ListKind
	Member Member
}

// UserActivity is one join/leave record for an identity in a live session.
type UserActivity struct {
	ID            uuid.UUID  `json:"id"`
	LiveSessionID uuid.UUID  `json:"live_session_id"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	Email         string     `json:"email"`
	Role          Role       `json:"role"`
	JoinTime      time.Time  `json:"join_time"`
	LeaveTime     *time.Time `json:"leave_time,omitempty"`
}

// WatchSeconds is the duration of a closed record, or zero while open.
func (a UserActivity) WatchSeconds() int64 {
	if a.LeaveTime == nil {
		return 0
	}
	d := a.LeaveTime.Sub(a.JoinTime)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
