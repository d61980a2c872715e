package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// DefaultRetainClosed is how many terminated sessions MemoryStore keeps
// readable before they are garbage-collected.
const DefaultRetainClosed = 256

// MemoryStore keeps sessions in process memory. Terminated sessions move to
// a bounded LRU and disappear once evicted.
type MemoryStore struct {
	mu     sync.Mutex
	live   map[string]*models.Session
	closed *lru.Cache[string, *models.Session]
	now    func() time.Time
}

// NewMemoryStore creates a store retaining up to retainClosed terminated
// sessions. Non-positive values use DefaultRetainClosed.
func NewMemoryStore(retainClosed int) *MemoryStore {
	if retainClosed <= 0 {
		retainClosed = DefaultRetainClosed
	}
	closed, err := lru.New[string, *models.Session](retainClosed)
	if err != nil {
		panic(fmt.Sprintf("session: lru cache: %v", err))
	}
	return &MemoryStore{
		live:   make(map[string]*models.Session),
		closed: closed,
		now:    time.Now,
	}
}

// Create starts a suspended session.
func (m *MemoryStore) Create(ctx context.Context, profile string) (string, error) {
	if profile == "" {
		return "", errors.New("create session: profile is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := NewID()
	now := m.now()
	m.live[id] = &models.Session{
		ID:        id,
		Profile:   profile,
		Status:    models.SessionSuspended,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// lookupLocked finds a live session or reports why it is unavailable.
func (m *MemoryStore) lookupLocked(id string) (*models.Session, error) {
	if s, ok := m.live[id]; ok {
		return s, nil
	}
	if _, ok := m.closed.Peek(id); ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrSessionClosed)
	}
	return nil, fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
}

// Append adds an exchange.
func (m *MemoryStore) Append(ctx context.Context, id, instruction, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	now := m.now()
	s.History = append(s.History, models.Exchange{Instruction: instruction, Result: result, At: now})
	s.UpdatedAt = now
	return nil
}

// Get returns a copy of the session, including recently terminated ones.
func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.live[id]; ok {
		return s.Clone(), nil
	}
	if s, ok := m.closed.Get(id); ok {
		return s.Clone(), nil
	}
	return nil, fmt.Errorf("get session %s: %w", id, models.ErrSessionNotFound)
}

// Acquire marks the session active.
func (m *MemoryStore) Acquire(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	if s.Status == models.SessionActive {
		return nil, fmt.Errorf("acquire session %s: %w", id, models.ErrSessionBusy)
	}
	s.Status = models.SessionActive
	s.UpdatedAt = m.now()
	return s.Clone(), nil
}

// Release marks the session suspended.
func (m *MemoryStore) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	s.Status = models.SessionSuspended
	s.UpdatedAt = m.now()
	return nil
}

// Close terminates the session and moves it to the retention cache.
func (m *MemoryStore) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live[id]
	if !ok {
		if m.closed.Contains(id) {
			return nil
		}
		return fmt.Errorf("close session %s: %w", id, models.ErrSessionNotFound)
	}
	delete(m.live, id)
	s.Status = models.SessionTerminated
	s.UpdatedAt = m.now()
	m.closed.Add(id, s)
	return nil
}

// Teardown closes the given sessions.
func (m *MemoryStore) Teardown(ctx context.Context, ids ...string) error {
	var errs []error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns sessions sorted by creation time.
func (m *MemoryStore) List(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Session
	for _, s := range m.live {
		if status == "" || s.Status == status {
			out = append(out, s.Clone())
		}
	}
	if status == "" || status == models.SessionTerminated {
		for _, id := range m.closed.Keys() {
			if s, ok := m.closed.Peek(id); ok {
				out = append(out, s.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
