package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
)

type fakeController struct {
	paused  bool
	stopped int
}

func (f *fakeController) Pause()         { f.paused = true }
func (f *fakeController) Resume()        { f.paused = false }
func (f *fakeController) IsPaused() bool { return f.paused }
func (f *fakeController) Stop()          { f.stopped++ }

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestGoalApp_TracksTasks(t *testing.T) {
	app := NewGoalApp("find the bug", nil)

	events := []orchestrator.Event{
		{Type: orchestrator.EventRoundStarted, State: orchestrator.StateDispatching, Round: 1},
		{Type: orchestrator.EventTaskDispatched, Round: 1, TaskID: "r1-t1", Profile: "explore", Mode: "foreground"},
		{Type: orchestrator.EventTaskDispatched, Round: 1, TaskID: "r1-t2", Profile: "shell", Mode: "background"},
		{Type: orchestrator.EventTaskCompleted, Round: 1, TaskID: "r1-t1", Duration: 20 * time.Millisecond},
		{Type: orchestrator.EventTaskFailed, Round: 1, TaskID: "r1-t2", Error: errors.New("boom")},
	}
	for _, e := range events {
		app.Update(EventMsg{Event: e})
	}

	rows := app.Tasks()
	require.Len(t, rows, 2)
	assert.Equal(t, "completed", rows[0].Status)
	assert.Equal(t, "explore", rows[0].Profile)
	assert.Equal(t, "failed", rows[1].Status)
	assert.Equal(t, orchestrator.StateDispatching, app.State())

	view := app.View()
	assert.Contains(t, view, "r1-t1")
	assert.Contains(t, view, "boom")
}

func TestGoalApp_Done(t *testing.T) {
	app := NewGoalApp("g", nil)
	app.Update(DoneMsg{Outcome: &orchestrator.Outcome{State: orchestrator.StateDone, Final: "patched parser.go"}})

	assert.Equal(t, orchestrator.StateDone, app.State())
	assert.Contains(t, app.View(), "patched parser.go")

	failed := NewGoalApp("g", nil)
	failed.Update(DoneMsg{Outcome: &orchestrator.Outcome{State: orchestrator.StateFailed}, Err: errors.New("round limit exceeded")})
	assert.Contains(t, failed.View(), "Error: round limit exceeded")
}

func TestGoalApp_Keys(t *testing.T) {
	ctrl := &fakeController{}
	app := NewGoalApp("g", ctrl)

	app.Update(key("p"))
	assert.True(t, ctrl.paused)
	assert.Contains(t, app.View(), "(paused)")

	app.Update(key("p"))
	assert.False(t, ctrl.paused)

	app.Update(key("s"))
	assert.Equal(t, 1, ctrl.stopped)

	_, cmd := app.Update(key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, 2, ctrl.stopped)
	assert.True(t, strings.HasPrefix(app.View(), "Bye."))
}

func TestGoalApp_QuitAfterDoneDoesNotStop(t *testing.T) {
	ctrl := &fakeController{}
	app := NewGoalApp("g", ctrl)
	app.Update(DoneMsg{Outcome: &orchestrator.Outcome{State: orchestrator.StateDone}})

	app.Update(key("q"))
	assert.Zero(t, ctrl.stopped)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recordingSender) Send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func TestForward(t *testing.T) {
	events := make(chan orchestrator.Event, 2)
	events <- orchestrator.Event{Type: orchestrator.EventGoalStarted}
	events <- orchestrator.Event{Type: orchestrator.EventGoalDone}
	close(events)

	var rec recordingSender
	Forward(context.Background(), &rec, events)

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, orchestrator.EventGoalDone, rec.msgs[1].(EventMsg).Event.Type)
}
