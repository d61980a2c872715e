package models

import (
	"fmt"
	"time"
)

// Mode is the execution mode of a delegated task.
type Mode string

const (
	// ModeForeground blocks the issuing round until the task settles.
	ModeForeground Mode = "foreground"
	// ModeBackground runs detached and reports through the inbox.
	ModeBackground Mode = "background"
)

// Valid returns true if the mode is a known value.
func (m Mode) Valid() bool {
	switch m {
	case ModeForeground, ModeBackground:
		return true
	default:
		return false
	}
}

// ParseMode converts a user-supplied string into a Mode.
// An empty string means foreground.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeForeground, nil
	}
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("invalid mode %q (want foreground or background)", s)
	}
	return m, nil
}

// Task represents a unit of delegated work.
// Tasks are passed by value and never mutated after creation.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Profile is the capability profile type the worker runs under.
	Profile string `json:"profile"`
	// Instruction is the opaque payload handed to the worker.
	Instruction string `json:"instruction"`
	// Round is the orchestration round that issued the task.
	Round int `json:"round"`
	// Mode selects foreground or background execution.
	Mode Mode `json:"mode"`
	// SessionID names an existing session to resume. Empty starts a fresh one.
	SessionID string `json:"session_id,omitempty"`
	// Timeout overrides the scheduler default deadline when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}

// Resumes reports whether the task continues an existing session.
func (t Task) Resumes() bool {
	return t.SessionID != ""
}
