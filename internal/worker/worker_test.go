package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var exploreProfile = models.CapabilityProfile{
	Type:       "explore",
	Operations: []string{tools.OpRead, tools.OpGlob},
	Template:   "Explore: {{instruction}}",
}

func echoTools(calls *atomic.Int32) tools.Invoker {
	return tools.InvokerFunc(func(ctx context.Context, op string, args json.RawMessage) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		return op + " ok", nil
	})
}

func task(instruction string) models.Task {
	return models.Task{ID: "t1", Profile: "explore", Instruction: instruction, Mode: models.ModeForeground}
}

func TestExecute_Completes(t *testing.T) {
	w := New(ScriptRunner{}, echoTools(nil))

	r := w.Execute(context.Background(), task("call read {\"file_path\":\"a\"}\nsay done"), exploreProfile, nil)

	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, "read: read ok\ndone", r.Output)
	assert.Nil(t, r.Err)
	assert.Equal(t, "t1", r.TaskID)
}

func TestExecute_CapabilityViolation(t *testing.T) {
	var calls atomic.Int32
	w := New(ScriptRunner{}, echoTools(&calls))

	r := w.Execute(context.Background(), task("call delete {\"file_path\":\"secret\"}\nsay unreachable"), exploreProfile, nil)

	assert.Equal(t, models.StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, models.ErrCapabilityViolation)
	var v *models.CapabilityViolationError
	require.ErrorAs(t, r.Err, &v)
	assert.Equal(t, "delete", v.Operation)
	assert.Zero(t, calls.Load(), "non-permitted operation must not reach the tool")
}

func TestExecute_LongScriptLinesDoNotEndTheScript(t *testing.T) {
	var calls atomic.Int32
	w := New(ScriptRunner{}, echoTools(&calls))

	instruction := "say a\nsay " + strings.Repeat("x", 70000) + "\ncall delete {\"file_path\":\"secret\"}"
	r := w.Execute(context.Background(), task(instruction), exploreProfile, nil)

	assert.Equal(t, models.StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, models.ErrCapabilityViolation)
	assert.Zero(t, calls.Load())
}

func TestExecute_LongScriptLineIsKept(t *testing.T) {
	w := New(ScriptRunner{}, echoTools(nil))
	long := strings.Repeat("y", 200000)

	r := w.Execute(context.Background(), task("say "+long+"\nsay end"), exploreProfile, nil)

	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, long+"\nend", r.Output)
}

func TestExecute_ViolationCannotBeSwallowed(t *testing.T) {
	w := New(ScriptRunner{}, echoTools(nil))

	// try still aborts on violations; a runner ignoring the error entirely is
	// caught after Run returns.
	swallow := RunnerFunc(func(ctx context.Context, a Assignment, tb Toolbox) (string, error) {
		_, _ = tb.Invoke(ctx, "delete", nil)
		out, err := tb.Invoke(ctx, tools.OpRead, nil)
		assert.ErrorIs(t, err, models.ErrCapabilityViolation)
		return out, nil
	})
	w.runner = swallow

	r := w.Execute(context.Background(), task("ignored"), exploreProfile, nil)
	assert.Equal(t, models.StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, models.ErrCapabilityViolation)
}

func TestExecute_ToolFailure(t *testing.T) {
	failing := tools.InvokerFunc(func(ctx context.Context, op string, args json.RawMessage) (string, error) {
		return "", errors.New("disk unplugged")
	})
	w := New(ScriptRunner{}, failing, WithReadRetries(0))

	r := w.Execute(context.Background(), task("call read {}"), exploreProfile, nil)

	assert.Equal(t, models.StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, models.ErrToolFailure)
	assert.Contains(t, r.Error, "disk unplugged")
}

func TestExecute_TryRecordsToolFailureAndContinues(t *testing.T) {
	failing := tools.InvokerFunc(func(ctx context.Context, op string, args json.RawMessage) (string, error) {
		return "", errors.New("nope")
	})
	w := New(ScriptRunner{}, failing, WithReadRetries(0))

	r := w.Execute(context.Background(), task("try read {}\nsay after"), exploreProfile, nil)

	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Contains(t, r.Output, "read: error:")
	assert.Contains(t, r.Output, "after")
}

func TestExecute_RetriesReadOnlyOperations(t *testing.T) {
	var calls atomic.Int32
	flaky := tools.InvokerFunc(func(ctx context.Context, op string, args json.RawMessage) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "content", nil
	})
	w := New(ScriptRunner{}, flaky,
		WithReadRetries(3),
		WithBackoff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))

	r := w.Execute(context.Background(), task("call read {}"), exploreProfile, nil)

	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_DoesNotRetryMutations(t *testing.T) {
	var calls atomic.Int32
	flaky := tools.InvokerFunc(func(ctx context.Context, op string, args json.RawMessage) (string, error) {
		calls.Add(1)
		return "", errors.New("transient")
	})
	editProfile := models.CapabilityProfile{Type: "edit", Operations: []string{tools.OpWrite}}
	w := New(ScriptRunner{}, flaky,
		WithReadRetries(5),
		WithBackoff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))

	r := w.Execute(context.Background(), task("call write {}"), editProfile, nil)

	assert.Equal(t, models.StatusFailed, r.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_Cancelled(t *testing.T) {
	w := New(ScriptRunner{}, echoTools(nil))
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(models.ErrCancelled)
	}()

	r := w.Execute(ctx, task("say started\nsleep 5s\nsay never"), exploreProfile, nil)

	assert.Equal(t, models.StatusCancelled, r.Status)
	assert.ErrorIs(t, r.Err, models.ErrCancelled)
	assert.Less(t, r.Duration, 2*time.Second)
}

func TestExecute_Timeout(t *testing.T) {
	w := New(ScriptRunner{}, echoTools(nil))
	ctx, cancel := context.WithTimeoutCause(context.Background(), 20*time.Millisecond, models.ErrTimeout)
	defer cancel()

	r := w.Execute(ctx, task("sleep 5s"), exploreProfile, nil)

	assert.Equal(t, models.StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, models.ErrTimeout)
}

func TestExecute_CheckpointBeforeToolCall(t *testing.T) {
	var calls atomic.Int32
	w := New(ScriptRunner{}, echoTools(&calls))
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(models.ErrCancelled)

	r := w.Execute(ctx, task("call read {}"), exploreProfile, nil)

	assert.Equal(t, models.StatusCancelled, r.Status)
	assert.Zero(t, calls.Load())
}

func TestExecute_RunnerPanicIsContained(t *testing.T) {
	boom := RunnerFunc(func(ctx context.Context, a Assignment, tb Toolbox) (string, error) {
		panic("kaboom")
	})
	w := New(boom, echoTools(nil))

	r := w.Execute(context.Background(), task("x"), exploreProfile, nil)

	assert.Equal(t, models.StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, models.ErrToolFailure)
	assert.Contains(t, r.Error, "kaboom")
}

func TestExecute_PassesHistoryAndPrompt(t *testing.T) {
	var seen Assignment
	spy := RunnerFunc(func(ctx context.Context, a Assignment, tb Toolbox) (string, error) {
		seen = a
		return ScriptRunner{}.Run(ctx, a, tb)
	})
	w := New(spy, echoTools(nil))
	history := []models.Exchange{{Instruction: "a", Result: "1"}, {Instruction: "b", Result: "2"}}

	r := w.Execute(context.Background(), task("history"), exploreProfile, history)

	assert.Equal(t, "history: 2", r.Output)
	assert.Equal(t, "Explore: history", seen.Prompt)
	assert.ElementsMatch(t, []string{tools.OpRead, tools.OpGlob}, seen.Permitted)
}

func TestExecute_RunnerErrorBecomesToolFailure(t *testing.T) {
	w := New(ScriptRunner{}, echoTools(nil))

	r := w.Execute(context.Background(), task("fail model unavailable"), exploreProfile, nil)

	assert.Equal(t, models.StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, models.ErrToolFailure)
}
