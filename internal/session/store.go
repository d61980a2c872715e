// Package session stores resumable worker sessions.
//
// A session is the ordered history of instruction/result exchanges for one
// logical worker. Sessions are single-writer: Acquire marks a session active
// and a second Acquire fails with ErrSessionBusy until Release.
package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Store persists worker sessions.
type Store interface {
	// Create starts a suspended session for profile and returns its id.
	Create(ctx context.Context, profile string) (string, error)
	// Append adds one exchange to the end of the session's history.
	Append(ctx context.Context, id, instruction, result string) error
	// Get returns a copy of the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*models.Session, error)
	// Acquire marks the session active. It fails with ErrSessionBusy when the
	// session is already active and ErrSessionClosed when terminated.
	Acquire(ctx context.Context, id string) (*models.Session, error)
	// Release marks an active session suspended.
	Release(ctx context.Context, id string) error
	// Close marks the session terminated. Closing twice is not an error.
	Close(ctx context.Context, id string) error
	// Teardown closes every listed session, skipping unknown ids.
	Teardown(ctx context.Context, ids ...string) error
	// List returns sessions with the given status, or all when status is empty.
	List(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
}

// NewID returns a fresh session identifier.
func NewID() string {
	return "s-" + uuid.New().String()[:8]
}
