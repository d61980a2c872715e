package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Toolbox is the only channel through which a Runner reaches the outside.
type Toolbox interface {
	// Invoke runs a permitted operation. Non-permitted operations abort the
	// task with a CapabilityViolationError.
	Invoke(ctx context.Context, op string, args json.RawMessage) (string, error)
	// Permitted lists the operations this toolbox accepts.
	Permitted() []string
}

// BackoffFactory builds a fresh backoff schedule for each retried call.
type BackoffFactory func() backoff.BackOff

// DefaultBackoff is a short exponential schedule for read retries.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// guard enforces the profile's permitted set and checks for cancellation
// before and after every tool call.
type guard struct {
	profile    models.CapabilityProfile
	invoker    tools.Invoker
	abort      context.CancelCauseFunc
	retries    int
	newBackoff BackoffFactory

	mu        sync.Mutex
	violation error
}

func newGuard(p models.CapabilityProfile, inv tools.Invoker, abort context.CancelCauseFunc, retries int, nb BackoffFactory) *guard {
	if nb == nil {
		nb = DefaultBackoff
	}
	return &guard{profile: p, invoker: inv, abort: abort, retries: retries, newBackoff: nb}
}

func (g *guard) Permitted() []string {
	return append([]string(nil), g.profile.Operations...)
}

// Violation returns the first capability violation, if any.
func (g *guard) Violation() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violation
}

func (g *guard) Invoke(ctx context.Context, op string, args json.RawMessage) (string, error) {
	if v := g.Violation(); v != nil {
		return "", v
	}
	if err := checkpoint(ctx); err != nil {
		return "", err
	}

	if !g.profile.Permits(op) {
		v := &models.CapabilityViolationError{Profile: g.profile.Type, Operation: op}
		g.mu.Lock()
		if g.violation == nil {
			g.violation = v
		}
		g.mu.Unlock()
		g.abort(v)
		return "", v
	}

	out, err := g.call(ctx, op, args)

	if cerr := checkpoint(ctx); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", &models.ToolFailureError{Operation: op, Err: err}
	}
	return out, nil
}

func (g *guard) call(ctx context.Context, op string, args json.RawMessage) (string, error) {
	if g.invoker == nil {
		return "", tools.ErrUnknownOperation
	}
	if !tools.IsReadOnly(op) || g.retries == 0 {
		return g.invoker.Invoke(ctx, op, args)
	}

	var out string
	attempt := func() error {
		var err error
		out, err = g.invoker.Invoke(ctx, op, args)
		if errors.Is(err, tools.ErrUnknownOperation) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(g.newBackoff(), uint64(g.retries)), ctx)
	if err := backoff.Retry(attempt, b); err != nil {
		return "", err
	}
	return out, nil
}

// checkpoint returns a cancellation or timeout error once ctx is done.
func checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return interruption(ctx)
}
