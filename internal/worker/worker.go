// Package worker executes a single delegated task under a capability profile.
//
// A Worker sees only its task, its profile, the prior history of its own
// session and a guarded Toolbox. It holds no reference to other workers or
// sessions and keeps no state beyond the result it returns.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Assignment is everything a Runner may know about its task.
type Assignment struct {
	TaskID string
	// Profile is the capability profile type.
	Profile string
	// Instruction is the raw task payload.
	Instruction string
	// Prompt is the instruction rendered through the profile template.
	Prompt string
	// Permitted lists the operations the toolbox will accept.
	Permitted []string
	// History is the session's prior exchanges, oldest first.
	History []models.Exchange
	Round   int
}

// Runner is the reasoning loop inside a worker. It decides which tools to
// call and produces the task's output.
type Runner interface {
	Run(ctx context.Context, a Assignment, tb Toolbox) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, a Assignment, tb Toolbox) (string, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, a Assignment, tb Toolbox) (string, error) {
	return f(ctx, a, tb)
}

// Worker runs tasks. A single Worker value is safe for concurrent use; each
// Execute call is isolated.
type Worker struct {
	runner      Runner
	invoker     tools.Invoker
	readRetries int
	newBackoff  BackoffFactory
	logger      *zap.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithReadRetries sets how many times a failed read-only operation is retried.
func WithReadRetries(n int) Option {
	return func(w *Worker) {
		if n >= 0 {
			w.readRetries = n
		}
	}
}

// WithBackoff sets the backoff schedule used between read retries.
func WithBackoff(f BackoffFactory) Option {
	return func(w *Worker) { w.newBackoff = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = logging.OrNop(l) }
}

// New creates a Worker that reasons with runner and calls tools through invoker.
func New(runner Runner, invoker tools.Invoker, opts ...Option) *Worker {
	w := &Worker{
		runner:      runner,
		invoker:     invoker,
		readRetries: 2,
		newBackoff:  DefaultBackoff,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute runs task to completion and returns exactly one result. Failures
// local to the task are reported in the result, never as a panic or error.
func (w *Worker) Execute(ctx context.Context, task models.Task, profile models.CapabilityProfile, history []models.Exchange) (result models.DispatchResult) {
	start := time.Now()
	log := w.logger.With(zap.String("task", task.ID), zap.String("profile", profile.Type))

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	tb := newGuard(profile, w.invoker, abort, w.readRetries, w.newBackoff)
	a := Assignment{
		TaskID:      task.ID,
		Profile:     profile.Type,
		Instruction: task.Instruction,
		Prompt:      profile.Render(task.Instruction),
		Permitted:   tb.Permitted(),
		History:     append([]models.Exchange(nil), history...),
		Round:       task.Round,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("runner panicked", zap.Any("panic", r))
			result = models.NewFailure(task, &models.ToolFailureError{
				Operation: "runner",
				Err:       fmt.Errorf("panic: %v", r),
			}, time.Since(start))
		}
	}()

	output, err := w.runner.Run(runCtx, a, tb)
	elapsed := time.Since(start)

	if v := tb.Violation(); v != nil {
		log.Warn("capability violation", zap.Error(v))
		return models.NewFailure(task, v, elapsed)
	}
	if ctx.Err() != nil {
		cerr := interruption(ctx)
		log.Info("task interrupted", zap.Error(cerr))
		return models.NewFailure(task, cerr, elapsed)
	}
	if err != nil {
		if !models.IsWorkerLocal(err) {
			err = &models.ToolFailureError{Operation: "runner", Err: err}
		}
		log.Info("task failed", zap.Error(err))
		return models.NewFailure(task, err, elapsed)
	}

	return models.DispatchResult{
		TaskID:    task.ID,
		Profile:   profile.Type,
		Status:    models.StatusCompleted,
		Output:    output,
		Duration:  elapsed,
		SessionID: task.SessionID,
		Round:     task.Round,
	}
}

// interruption maps a finished context to ErrTimeout or ErrCancelled.
func interruption(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, models.ErrTimeout), errors.Is(cause, context.DeadlineExceeded):
		return models.ErrTimeout
	case errors.Is(cause, models.ErrCancelled):
		return cause
	default:
		return fmt.Errorf("%w: %v", models.ErrCancelled, cause)
	}
}
