// Package dispatch runs delegated tasks on workers.
//
// Foreground batches run concurrently and return together as one barrier.
// Background tasks run detached and report exactly one Notification each.
// Structural problems (unknown profile, busy or missing session, profile
// mismatch) are returned as errors before any task in the attempt starts;
// worker-local failures are carried inside DispatchResult.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/session"
	"github.com/ShayCichocki/conductor/internal/telemetry"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// DefaultInboxBuffer is the notification channel capacity.
const DefaultInboxBuffer = 64

// ErrClosed is returned when dispatching on a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// Profiles resolves capability profiles. *profile.Registry implements it.
type Profiles interface {
	Lookup(typ string) (models.CapabilityProfile, error)
}

// Executor runs one task. *worker.Worker implements it.
type Executor interface {
	Execute(ctx context.Context, task models.Task, profile models.CapabilityProfile, history []models.Exchange) models.DispatchResult
}

// Handle identifies a background task.
type Handle struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Profile   string `json:"profile"`
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
}

// Notification reports the completion of a background task.
type Notification struct {
	Handle Handle                `json:"handle"`
	Result models.DispatchResult `json:"result"`
}

// inflight is a running task that can be cancelled.
type inflight struct {
	handleID string
	taskID   string
	cancel   context.CancelCauseFunc
}

// prepared is a task whose structural checks passed and whose session is held.
type prepared struct {
	task    models.Task
	profile models.CapabilityProfile
	history []models.Exchange
	fresh   bool
}

// Scheduler dispatches tasks to an Executor.
type Scheduler struct {
	profiles Profiles
	sessions session.Store
	exec     Executor

	defaultTimeout time.Duration
	maxConcurrency int
	metrics        *Metrics
	logger         *zap.Logger

	inbox chan Notification
	done  chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	running   map[string]*inflight
	ready     map[string]Notification
	forgotten map[string]bool
	closed    bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDefaultTimeout sets the deadline for tasks that carry none.
// Zero means no deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.defaultTimeout = d }
}

// WithMaxConcurrency bounds how many foreground tasks of one batch run at once.
// Zero or negative means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(s *Scheduler) { s.maxConcurrency = n }
}

// WithInboxBuffer sets the notification channel capacity.
func WithInboxBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.inbox = make(chan Notification, n)
		}
	}
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.OrNop(l) }
}

// New creates a Scheduler.
func New(profiles Profiles, sessions session.Store, exec Executor, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		profiles:   profiles,
		sessions:   sessions,
		exec:       exec,
		logger:     logging.Nop(),
		inbox:      make(chan Notification, DefaultInboxBuffer),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
		running:    make(map[string]*inflight),
		ready:      make(map[string]Notification),
		forgotten:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Inbox returns the notification channel. A consumer should either read
// Inbox or use Collect, not both: a notification read from the channel is
// no longer available to Collect.
func (s *Scheduler) Inbox() <-chan Notification {
	return s.inbox
}

// RunForeground runs tasks concurrently and returns their results in input
// order once all have settled. A failed task never cancels its siblings.
func (s *Scheduler) RunForeground(ctx context.Context, tasks []models.Task) ([]models.DispatchResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	ctx, span := startSpan(ctx, traceSpanBatch, attribute.Int(traceAttrBatchSize, len(tasks)))
	defer span.End()

	batch, err := s.prepareAll(ctx, tasks, models.ModeForeground)
	if err != nil {
		telemetry.MarkSpan(span, err)
		return nil, err
	}

	results := make([]models.DispatchResult, len(batch))
	var g errgroup.Group
	if s.maxConcurrency > 0 {
		g.SetLimit(s.maxConcurrency)
	}
	for i, p := range batch {
		g.Go(func() error {
			results[i] = s.run(ctx, p, "")
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// RunBackground starts task detached from ctx's cancellation and returns its
// handle. The result arrives later as exactly one Notification.
func (s *Scheduler) RunBackground(ctx context.Context, task models.Task) (Handle, error) {
	batch, err := s.prepareAll(ctx, []models.Task{task}, models.ModeBackground)
	if err != nil {
		return Handle{}, err
	}
	p := batch[0]
	h := Handle{
		ID:        "h-" + uuid.New().String()[:8],
		TaskID:    p.task.ID,
		Profile:   p.task.Profile,
		SessionID: p.task.SessionID,
		Round:     p.task.Round,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseAll(ctx, batch)
		return Handle{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	// Keep the caller's trace, drop its cancellation.
	runCtx := trace.ContextWithSpan(s.baseCtx, trace.SpanFromContext(ctx))
	go func() {
		defer s.wg.Done()
		r := s.run(runCtx, p, h.ID)
		s.deliver(Notification{Handle: h, Result: r})
	}()
	return h, nil
}

// prepareAll validates every task and holds its session. On any structural
// failure the sessions already held are released and nothing runs.
func (s *Scheduler) prepareAll(ctx context.Context, tasks []models.Task, mode models.Mode) ([]prepared, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := make([]prepared, 0, len(tasks))
	for _, t := range tasks {
		p, err := s.prepare(ctx, t, mode)
		if err != nil {
			s.releaseAll(ctx, out)
			return nil, fmt.Errorf("dispatch task %s: %w", t.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Scheduler) prepare(ctx context.Context, t models.Task, mode models.Mode) (prepared, error) {
	if t.ID == "" {
		t.ID = "t-" + uuid.New().String()[:8]
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Mode = mode

	prof, err := s.profiles.Lookup(t.Profile)
	if err != nil {
		return prepared{}, err
	}

	if !t.Resumes() {
		id, err := s.sessions.Create(ctx, prof.Type)
		if err != nil {
			return prepared{}, fmt.Errorf("create session: %w", err)
		}
		if _, err := s.sessions.Acquire(ctx, id); err != nil {
			return prepared{}, fmt.Errorf("acquire new session: %w", err)
		}
		t.SessionID = id
		return prepared{task: t, profile: prof, fresh: true}, nil
	}

	sess, err := s.sessions.Acquire(ctx, t.SessionID)
	if err != nil {
		return prepared{}, err
	}
	if sess.Profile != prof.Type {
		s.release(ctx, t.SessionID)
		return prepared{}, fmt.Errorf("session %s belongs to %q, task wants %q: %w",
			t.SessionID, sess.Profile, prof.Type, models.ErrProfileMismatch)
	}
	return prepared{task: t, profile: prof, history: sess.History}, nil
}

// releaseAll undoes prepare: resumed sessions are released, sessions created
// for the attempt are closed.
func (s *Scheduler) releaseAll(ctx context.Context, batch []prepared) {
	for _, p := range batch {
		if !p.fresh {
			s.release(ctx, p.task.SessionID)
			continue
		}
		if err := s.sessions.Close(context.WithoutCancel(ctx), p.task.SessionID); err != nil {
			s.logger.Warn("close unused session", zap.String("session", p.task.SessionID), zap.Error(err))
		}
	}
}

func (s *Scheduler) release(ctx context.Context, id string) {
	if err := s.sessions.Release(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("release session", zap.String("session", id), zap.Error(err))
	}
}

// run executes one prepared task under its deadline and records the
// exchange in the task's session.
func (s *Scheduler) run(ctx context.Context, p prepared, handleID string) models.DispatchResult {
	t := p.task
	mode := string(t.Mode)
	ctx, span := startSpan(ctx, traceSpanTask, taskAttrs(t)...)
	defer span.End()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	var stop context.CancelFunc
	if timeout > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, timeout, models.ErrTimeout)
		defer stop()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	key := handleID
	if key == "" {
		key = t.ID
	}
	s.track(key, &inflight{handleID: handleID, taskID: t.ID, cancel: cancel})
	defer s.untrack(key)

	s.metrics.started(mode)
	r := s.exec.Execute(ctx, t, p.profile, p.history)
	s.metrics.finished(mode)

	r.TaskID = t.ID
	r.Profile = t.Profile
	r.SessionID = t.SessionID
	r.Round = t.Round

	persist := context.WithoutCancel(ctx)
	if r.Status == models.StatusCompleted {
		if err := s.sessions.Append(persist, t.SessionID, t.Instruction, r.Output); err != nil {
			s.logger.Warn("append exchange", zap.String("session", t.SessionID), zap.Error(err))
		}
	}
	s.release(persist, t.SessionID)

	s.metrics.observe(t.Profile, mode, string(r.Status), r.Duration)
	markSpanResult(span, r)
	s.logger.Debug("task settled",
		zap.String("task", t.ID),
		zap.String("profile", t.Profile),
		zap.String("mode", mode),
		zap.String("status", string(r.Status)),
		zap.Duration("duration", r.Duration),
	)
	return r
}

func (s *Scheduler) track(key string, f *inflight) {
	s.mu.Lock()
	s.running[key] = f
	s.mu.Unlock()
}

func (s *Scheduler) untrack(key string) {
	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()
}

// deliver hands a background result to the inbox. Results for forgotten
// handles, or arriving after Close, are discarded and logged.
func (s *Scheduler) deliver(n Notification) {
	s.mu.Lock()
	drop := s.closed || s.forgotten[n.Handle.ID]
	delete(s.forgotten, n.Handle.ID)
	s.mu.Unlock()
	if drop {
		s.discard(n, "no longer collected")
		return
	}
	select {
	case s.inbox <- n:
	case <-s.done:
		s.discard(n, "scheduler closed")
	}
}

func (s *Scheduler) discard(n Notification, reason string) {
	s.metrics.discard()
	s.logger.Info("discarding background result",
		zap.String("handle", n.Handle.ID),
		zap.String("task", n.Handle.TaskID),
		zap.String("status", string(n.Result.Status)),
		zap.String("reason", reason),
	)
}

// Cancel requests cooperative cancellation of a running task, addressed by
// handle id or task id. It reports whether a running task was found.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, f := range s.running {
		if key == id || f.taskID == id {
			f.cancel(fmt.Errorf("%w: task %s", models.ErrCancelled, f.taskID))
			return true
		}
	}
	return false
}

// Collect returns the results of the given handles that have completed,
// without blocking. Each completed handle is returned exactly once; handles
// still running are skipped and may be collected later.
func (s *Scheduler) Collect(handles ...Handle) []models.DispatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()

	var out []models.DispatchResult
	for _, h := range handles {
		n, ok := s.ready[h.ID]
		if !ok {
			continue
		}
		delete(s.ready, h.ID)
		out = append(out, n.Result)
	}
	return out
}

// Pending reports how many background tasks are still running.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.running {
		if f.handleID != "" {
			n++
		}
	}
	return n
}

func (s *Scheduler) drainLocked() {
	for {
		select {
		case n := <-s.inbox:
			s.ready[n.Handle.ID] = n
		default:
			return
		}
	}
}

// Forget drops interest in handles. Results already received are discarded;
// results still to come are discarded on arrival.
func (s *Scheduler) Forget(handles ...Handle) {
	s.mu.Lock()
	s.drainLocked()
	var dropped []Notification
	for _, h := range handles {
		if n, ok := s.ready[h.ID]; ok {
			delete(s.ready, h.ID)
			dropped = append(dropped, n)
			continue
		}
		s.forgotten[h.ID] = true
	}
	s.mu.Unlock()
	for _, n := range dropped {
		s.discard(n, "no longer collected")
	}
}

// Wait blocks until every background task has delivered its notification
// or ctx is done. Deliveries block while the inbox is full, so callers that
// never collect should use Close instead.
func (s *Scheduler) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, cancels running background tasks and waits
// for them to finish. Their results are discarded. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	for _, f := range s.running {
		if f.handleID != "" {
			f.cancel(fmt.Errorf("%w: scheduler closed", models.ErrCancelled))
		}
	}
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
	return nil
}
