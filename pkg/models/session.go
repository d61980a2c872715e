package models

import "time"

// SessionStatus represents the lifecycle state of a worker session.
type SessionStatus string

const (
	// SessionActive indicates a dispatch currently owns the session.
	SessionActive SessionStatus = "active"
	// SessionSuspended indicates the session is idle and may be resumed.
	SessionSuspended SessionStatus = "suspended"
	// SessionTerminated indicates the session was closed.
	SessionTerminated SessionStatus = "terminated"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionSuspended, SessionTerminated:
		return true
	default:
		return false
	}
}

// Exchange is one instruction/result pair in a session history.
type Exchange struct {
	Instruction string    `json:"instruction"`
	Result      string    `json:"result"`
	At          time.Time `json:"at"`
}

// Session is a worker's accumulated context.
type Session struct {
	// ID is the session identifier.
	ID string `json:"id"`
	// Profile is fixed at creation and never changes.
	Profile string `json:"profile"`
	// History is ordered by submission.
	History []Exchange `json:"history"`
	// Status is active, suspended or terminated.
	Status SessionStatus `json:"status"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the time of the last append or status change.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate stored history.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]Exchange(nil), s.History...)
	return &c
}
