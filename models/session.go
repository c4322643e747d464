// models/session.go
package models

import "time"

type SessionState string

const (
	SessionStarting    SessionState = "starting"
	SessionRunning     SessionState = "running"
	SessionTerminating SessionState = "terminating"
	SessionTerminated  SessionState = "terminated"
)

// Live reports whether the session still holds a sandbox.
func (s SessionState) Live() bool {
	return s == SessionStarting || s == SessionRunning || s == SessionTerminating
}

// Session is one user's attempt at one game. It is the record kept in the
// state store under session:<id> and archived once terminated.
type Session struct {
	ID           string       `json:"id" gorm:"primaryKey"`
	UserID       string       `json:"user_id" gorm:"index;not null"`
	GameID       string       `json:"game_id" gorm:"index;not null"`
	SandboxID    string       `json:"sandbox_id,omitempty"`
	InstanceID   string       `json:"instance_id,omitempty"`
	State        SessionState `json:"state" gorm:"type:varchar(16);index"`
	StartedAt    time.Time    `json:"started_at"`
	LastActivity time.Time    `json:"last_activity"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
	Outcome      *ExitOutcome `json:"outcome,omitempty" gorm:"serializer:json"`

	Timestamps
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	GameID       string       `json:"game_id"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	LastActivity time.Time    `json:"last_activity"`
	Attached     bool         `json:"attached"`
	InstanceID   string       `json:"instance_id,omitempty"`
}

func (s Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		UserID:       s.UserID,
		GameID:       s.GameID,
		State:        s.State,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
		InstanceID:   s.InstanceID,
	}
}
