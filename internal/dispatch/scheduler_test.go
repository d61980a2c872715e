package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ShayCichocki/conductor/internal/profile"
	"github.com/ShayCichocki/conductor/internal/session"
	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/internal/worker"
	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingExecutor counts executions and optionally waits on a gate first.
type countingExecutor struct {
	next  Executor
	gate  chan struct{}
	calls atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, task models.Task, p models.CapabilityProfile, history []models.Exchange) models.DispatchResult {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
		}
	}
	return c.next.Execute(ctx, task, p, history)
}

type fixture struct {
	sched   *Scheduler
	store   *session.MemoryStore
	exec    *countingExecutor
	metrics *Metrics
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, gated bool, opts ...Option) *fixture {
	t.Helper()

	profiles := profile.NewRegistry()
	readOnly := []string{tools.OpRead, tools.OpGlob, tools.OpGrep, tools.OpList}
	profiles.MustRegister(models.CapabilityProfile{Type: "explore", Operations: readOnly})
	profiles.MustRegister(models.CapabilityProfile{Type: "explore-A", Operations: readOnly})
	profiles.MustRegister(models.CapabilityProfile{Type: "explore-B", Operations: readOnly})
	profiles.MustRegister(models.CapabilityProfile{Type: "edit", Operations: append(readOnly, tools.OpWrite, tools.OpDelete)})
	profiles.Freeze()

	invoker := tools.InvokerFunc(func(ctx context.Context, op string, args json.RawMessage) (string, error) {
		return op + " ok", nil
	})
	exec := &countingExecutor{next: worker.New(worker.ScriptRunner{}, invoker)}
	if gated {
		exec.gate = make(chan struct{})
	}

	reg := prometheus.NewRegistry()
	metrics := MustNewMetrics(reg)
	store := session.NewMemoryStore(0)
	sched := New(profiles, store, exec, append([]Option{WithMetrics(metrics)}, opts...)...)
	t.Cleanup(func() {
		sched.Close()
	})
	return &fixture{sched: sched, store: store, exec: exec, metrics: metrics, reg: reg}
}

func fg(id, prof, instruction string) models.Task {
	return models.Task{ID: id, Profile: prof, Instruction: instruction, Round: 1}
}

// collectEventually polls Collect until want results have arrived.
func collectEventually(t *testing.T, s *Scheduler, want int, handles ...Handle) []models.DispatchResult {
	t.Helper()
	var got []models.DispatchResult
	require.Eventually(t, func() bool {
		got = append(got, s.Collect(handles...)...)
		return len(got) >= want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestRunForeground_ResultsInInputOrder(t *testing.T) {
	f := newFixture(t, false)

	tasks := []models.Task{
		fg("slow", "explore", "sleep 40ms\nsay slow"),
		fg("fast", "explore", "say fast"),
		fg("mid", "explore", "sleep 10ms\nsay mid"),
	}
	results, err := f.sched.RunForeground(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, tasks[i].ID, r.TaskID)
		assert.Equal(t, models.StatusCompleted, r.Status)
		assert.Equal(t, tasks[i].ID, r.Output)
		assert.NotEmpty(t, r.SessionID)
	}
}

func TestRunForeground_BarrierWaitsForAll(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture(t, false)
		start := time.Now()
		results, err := f.sched.RunForeground(context.Background(), []models.Task{
			fg("a", "explore", "sleep 30ms"),
			fg("b", "explore", "say b"),
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		for _, r := range results {
			assert.Equal(t, models.StatusCompleted, r.Status)
		}
	}
}

func TestRunForeground_ViolationDoesNotAffectSiblings(t *testing.T) {
	f := newFixture(t, false)

	results, err := f.sched.RunForeground(context.Background(), []models.Task{
		fg("del", "explore", `call delete {"path":"main.go"}`),
		fg("read", "explore", `call read {"path":"main.go"}`),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, models.StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, models.ErrCapabilityViolation)
	assert.Equal(t, models.StatusCompleted, results[1].Status)
	assert.Equal(t, "read: read ok", results[1].Output)
}

func TestRunForeground_TwoProfilesComplete(t *testing.T) {
	f := newFixture(t, false, WithDefaultTimeout(time.Second))

	start := time.Now()
	results, err := f.sched.RunForeground(context.Background(), []models.Task{
		fg("a", "explore-A", `call glob {"pattern":"*.go"}`),
		fg("b", "explore-B", `call list {}`),
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.StatusCompleted, r.Status)
	}
	assert.Equal(t, "explore-A", results[0].Profile)
	assert.Equal(t, "explore-B", results[1].Profile)
}

func TestRunForeground_UnknownProfileAbortsBatch(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.sched.RunForeground(context.Background(), []models.Task{
		fg("ok", "explore", "say hi"),
		fg("bad", "nope", "say hi"),
	})
	assert.ErrorIs(t, err, models.ErrUnknownProfile)
	assert.Zero(t, f.exec.calls.Load())

	// The fresh session created for the first task is not left behind.
	live, err := f.store.List(context.Background(), models.SessionSuspended)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestRunForeground_BusySessionAbortsBatch(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.store.Create(ctx, "explore")
	require.NoError(t, err)

	a := fg("a", "explore", "say a")
	a.SessionID = id
	b := fg("b", "explore", "say b")
	b.SessionID = id

	_, err = f.sched.RunForeground(ctx, []models.Task{a, b})
	assert.ErrorIs(t, err, models.ErrSessionBusy)
	assert.Zero(t, f.exec.calls.Load())

	// The first claim was released.
	_, err = f.store.Acquire(ctx, id)
	assert.NoError(t, err)
}

func TestRunForeground_ProfileMismatch(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.store.Create(ctx, "explore")
	require.NoError(t, err)

	task := fg("a", "edit", "say a")
	task.SessionID = id
	_, err = f.sched.RunForeground(ctx, []models.Task{task})
	assert.ErrorIs(t, err, models.ErrProfileMismatch)

	sess, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionSuspended, sess.Status)
}

func TestRunForeground_UnknownSession(t *testing.T) {
	f := newFixture(t, false)
	task := fg("a", "explore", "say a")
	task.SessionID = "s-missing"
	_, err := f.sched.RunForeground(context.Background(), []models.Task{task})
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestRunForeground_ResumeAppendsHistory(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	first, err := f.sched.RunForeground(ctx, []models.Task{fg("t1", "explore", "say first")})
	require.NoError(t, err)
	sid := first[0].SessionID
	require.NotEmpty(t, sid)

	for i := 0; i < 3; i++ {
		task := fg("next", "explore", "history")
		task.SessionID = sid
		res, err := f.sched.RunForeground(ctx, []models.Task{task})
		require.NoError(t, err)
		assert.Equal(t, sid, res[0].SessionID)
		assert.Equal(t, models.StatusCompleted, res[0].Status)
	}

	sess, err := f.store.Get(ctx, sid)
	require.NoError(t, err)
	require.Len(t, sess.History, 4)
	assert.Equal(t, "first", sess.History[0].Result)
	assert.Equal(t, "history: 1", sess.History[1].Result)
	assert.Equal(t, "history: 3", sess.History[3].Result)
	assert.Equal(t, models.SessionSuspended, sess.Status)
}

func TestRunForeground_Timeout(t *testing.T) {
	f := newFixture(t, false)

	slow := fg("slow", "explore", "sleep 5s")
	slow.Timeout = 20 * time.Millisecond
	results, err := f.sched.RunForeground(context.Background(), []models.Task{slow, fg("fast", "explore", "say ok")})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, models.ErrTimeout)
	assert.Equal(t, models.StatusCompleted, results[1].Status)
}

func TestRunForeground_CancelOneTask(t *testing.T) {
	f := newFixture(t, false)

	var wg sync.WaitGroup
	var results []models.DispatchResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		results, err = f.sched.RunForeground(context.Background(), []models.Task{
			fg("victim", "explore", "sleep 5s"),
			fg("sibling", "explore", "sleep 30ms\nsay done"),
		})
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return f.sched.Cancel("victim") }, time.Second, time.Millisecond)
	wg.Wait()

	assert.Equal(t, models.StatusCancelled, results[0].Status)
	assert.ErrorIs(t, results[0].Err, models.ErrCancelled)
	assert.Equal(t, models.StatusCompleted, results[1].Status)
}

func TestRunForeground_RespectsConcurrencyLimit(t *testing.T) {
	f := newFixture(t, false, WithMaxConcurrency(1))

	start := time.Now()
	_, err := f.sched.RunForeground(context.Background(), []models.Task{
		fg("a", "explore", "sleep 20ms"),
		fg("b", "explore", "sleep 20ms"),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRunBackground_DoesNotBlock(t *testing.T) {
	f := newFixture(t, true)

	h, err := f.sched.RunBackground(context.Background(), fg("bg", "explore", "say background"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, "bg", h.TaskID)
	assert.NotEmpty(t, h.SessionID)

	// Not complete yet: nothing, and no error.
	assert.Empty(t, f.sched.Collect(h))
	require.Eventually(t, func() bool { return f.sched.Pending() == 1 }, time.Second, time.Millisecond)

	close(f.exec.gate)
	got := collectEventually(t, f.sched, 1, h)
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusCompleted, got[0].Status)
	assert.Equal(t, "background", got[0].Output)

	// Exactly once.
	assert.Empty(t, f.sched.Collect(h))
}

func TestRunBackground_StructuralErrorReturned(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.sched.RunBackground(context.Background(), fg("bg", "nope", "say x"))
	assert.ErrorIs(t, err, models.ErrUnknownProfile)
}

func TestRunBackground_SurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := f.sched.RunBackground(ctx, fg("bg", "explore", "sleep 20ms\nsay done"))
	require.NoError(t, err)
	cancel()

	got := collectEventually(t, f.sched, 1, h)
	assert.Equal(t, models.StatusCompleted, got[0].Status)
}

func TestRunBackground_Cancel(t *testing.T) {
	f := newFixture(t, false)

	h, err := f.sched.RunBackground(context.Background(), fg("bg", "explore", "sleep 5s"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.sched.Cancel(h.ID) }, time.Second, time.Millisecond)

	got := collectEventually(t, f.sched, 1, h)
	assert.Equal(t, models.StatusCancelled, got[0].Status)
	assert.False(t, f.sched.Cancel(h.ID))
}

func TestInbox_DeliversNotification(t *testing.T) {
	f := newFixture(t, false)

	h, err := f.sched.RunBackground(context.Background(), fg("bg", "explore", "say hi"))
	require.NoError(t, err)

	select {
	case n := <-f.sched.Inbox():
		assert.Equal(t, h, n.Handle)
		assert.Equal(t, "hi", n.Result.Output)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestForget_DiscardsResult(t *testing.T) {
	f := newFixture(t, true)

	h, err := f.sched.RunBackground(context.Background(), fg("bg", "explore", "say late"))
	require.NoError(t, err)
	f.sched.Forget(h)
	close(f.exec.gate)

	require.NoError(t, f.sched.Wait(context.Background()))
	assert.Empty(t, f.sched.Collect(h))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.discarded))
}

func TestClose_CancelsBackgroundAndRejectsWork(t *testing.T) {
	f := newFixture(t, false)

	h, err := f.sched.RunBackground(context.Background(), fg("bg", "explore", "sleep 5s"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.sched.Pending() == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.sched.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Empty(t, f.sched.Collect(h))
	_, err = f.sched.RunForeground(context.Background(), []models.Task{fg("x", "explore", "say x")})
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, f.sched.Close())
}

func TestMetrics_CountsTerminalStatuses(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.sched.RunForeground(context.Background(), []models.Task{
		fg("ok", "explore", "say ok"),
		fg("bad", "explore", "fail boom"),
	})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.dispatched.WithLabelValues("explore", "foreground", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.dispatched.WithLabelValues("explore", "foreground", "failed")))
}

func TestMustNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)
	assert.Same(t, a.dispatched, b.dispatched)
}
