package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
)

// maxLogLines is how many activity lines the view keeps on screen.
const maxLogLines = 8

// Controller is what the view's keys act on. The orchestrator satisfies it.
type Controller interface {
	Pause()
	Resume()
	IsPaused() bool
	Stop()
}

// EventMsg carries one orchestrator event into the program.
type EventMsg struct {
	Event orchestrator.Event
}

// DoneMsg reports the goal's outcome.
type DoneMsg struct {
	Outcome *orchestrator.Outcome
	Err     error
}

// TaskRow is the view's record of one task.
type TaskRow struct {
	TaskID   string
	Profile  string
	Mode     string
	Round    int
	Status   string
	Duration time.Duration
}

type logLine struct {
	at  time.Time
	tag string
	msg string
}

// GoalApp is a read-only live view of one goal. Keys: p pauses or resumes
// planning, s stops the goal, q quits.
type GoalApp struct {
	goal    string
	ctrl    Controller
	spinner spinner.Model

	state  orchestrator.State
	round  int
	tasks  map[string]*TaskRow
	order  []string
	logs   []logLine
	paused bool

	done     bool
	outcome  *orchestrator.Outcome
	err      error
	quitting bool
	width    int

	titleStyle   lipgloss.Style
	labelStyle   lipgloss.Style
	valueStyle   lipgloss.Style
	dimStyle     lipgloss.Style
	okStyle      lipgloss.Style
	failStyle    lipgloss.Style
	runningStyle lipgloss.Style
}

// NewGoalApp creates the view for goal. ctrl may be nil.
func NewGoalApp(goal string, ctrl Controller) *GoalApp {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &GoalApp{
		goal:    goal,
		ctrl:    ctrl,
		spinner: s,
		state:   orchestrator.StatePlanning,
		tasks:   make(map[string]*TaskRow),

		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		labelStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10),
		valueStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true),
		dimStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		okStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
		failStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		runningStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

// Init implements tea.Model.
func (a *GoalApp) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model.
func (a *GoalApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !a.done && a.ctrl != nil {
				a.ctrl.Stop()
			}
			a.quitting = true
			return a, tea.Quit
		case "p":
			if a.ctrl != nil && !a.done {
				if a.ctrl.IsPaused() {
					a.ctrl.Resume()
				} else {
					a.ctrl.Pause()
				}
				a.paused = a.ctrl.IsPaused()
			}
		case "s":
			if a.ctrl != nil && !a.done {
				a.ctrl.Stop()
				a.log("stop", "stop requested")
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case EventMsg:
		a.apply(msg.Event)

	case DoneMsg:
		a.done = true
		a.outcome = msg.Outcome
		a.err = msg.Err
		if msg.Outcome != nil {
			a.state = msg.Outcome.State
		}
	}
	return a, nil
}

// apply folds one event into the view state.
func (a *GoalApp) apply(e orchestrator.Event) {
	if e.State != "" {
		a.state = e.State
	}
	if e.Round > a.round {
		a.round = e.Round
	}

	switch e.Type {
	case orchestrator.EventRoundStarted:
		a.log("round", fmt.Sprintf("round %d started", e.Round))
	case orchestrator.EventTaskDispatched:
		a.row(e).Status = "running"
		a.log("dispatch", fmt.Sprintf("%s (%s, %s)", e.TaskID, e.Profile, e.Mode))
	case orchestrator.EventTaskCompleted, orchestrator.EventTaskFailed, orchestrator.EventTaskCancelled:
		row := a.row(e)
		row.Status = strings.TrimPrefix(string(e.Type), "task_")
		row.Duration = e.Duration
		msg := fmt.Sprintf("%s %s", e.TaskID, row.Status)
		if e.Error != nil {
			msg += ": " + e.Error.Error()
		}
		a.log("result", msg)
	case orchestrator.EventNotification:
		a.log("inbox", fmt.Sprintf("%s reported", e.TaskID))
	case orchestrator.EventGoalDone:
		a.log("done", "goal done")
	case orchestrator.EventGoalFailed:
		msg := "goal failed"
		if e.Error != nil {
			msg += ": " + e.Error.Error()
		}
		a.log("failed", msg)
	}
}

func (a *GoalApp) row(e orchestrator.Event) *TaskRow {
	r, ok := a.tasks[e.TaskID]
	if !ok {
		r = &TaskRow{TaskID: e.TaskID, Profile: e.Profile, Mode: e.Mode, Round: e.Round}
		a.tasks[e.TaskID] = r
		a.order = append(a.order, e.TaskID)
	}
	return r
}

func (a *GoalApp) log(tag, msg string) {
	a.logs = append(a.logs, logLine{at: time.Now(), tag: tag, msg: msg})
	if len(a.logs) > maxLogLines {
		a.logs = a.logs[len(a.logs)-maxLogLines:]
	}
}

// Tasks returns the task rows in dispatch order.
func (a *GoalApp) Tasks() []TaskRow {
	out := make([]TaskRow, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.tasks[id])
	}
	return out
}

// State returns the last lifecycle state seen.
func (a *GoalApp) State() orchestrator.State {
	return a.state
}

// View implements tea.Model.
func (a *GoalApp) View() string {
	if a.quitting {
		return "Bye.\n"
	}

	var b strings.Builder
	b.WriteString(a.titleStyle.Render("conductor"))
	b.WriteString("  ")
	b.WriteString(a.goal)
	b.WriteString("\n\n")

	status := string(a.state)
	if a.paused {
		status += " (paused)"
	}
	if !a.done {
		status = a.spinner.View() + " " + status
	}
	b.WriteString(a.labelStyle.Render("State:") + a.valueStyle.Render(status) + "\n")
	b.WriteString(a.labelStyle.Render("Round:") + a.valueStyle.Render(fmt.Sprintf("%d", a.round)) + "\n\n")

	b.WriteString(a.renderTasks())
	b.WriteString(a.renderLogs())

	b.WriteString("\n")
	switch {
	case a.done && a.err != nil:
		b.WriteString(a.failStyle.Render("Error: " + a.err.Error()))
		b.WriteString("\n")
	case a.done && a.outcome != nil:
		b.WriteString(a.okStyle.Render("Done."))
		b.WriteString("\n")
		b.WriteString(a.outcome.Final)
		b.WriteString("\n")
	}
	if a.done {
		b.WriteString(a.dimStyle.Render("q quit"))
	} else {
		b.WriteString(a.dimStyle.Render("p pause/resume  s stop  q quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func (a *GoalApp) renderTasks() string {
	if len(a.order) == 0 {
		return a.dimStyle.Render("No tasks yet") + "\n"
	}
	rows := a.Tasks()
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Round < rows[j].Round })

	var b strings.Builder
	for _, r := range rows {
		style := a.runningStyle
		switch r.Status {
		case "completed":
			style = a.okStyle
		case "failed", "cancelled":
			style = a.failStyle
		}
		dur := ""
		if r.Duration > 0 {
			dur = r.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(&b, "  r%-2d %-12s %-10s %-10s %s %s\n",
			r.Round, r.TaskID, r.Profile, r.Mode, style.Render(fmt.Sprintf("%-9s", r.Status)), a.dimStyle.Render(dur))
	}
	return b.String()
}

func (a *GoalApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n")
	for _, l := range a.logs {
		tag := lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Width(9).Render(l.tag)
		fmt.Fprintf(&b, "  %s %s %s\n", a.dimStyle.Render(l.at.Format("15:04:05")), tag, l.msg)
	}
	return b.String()
}

// NewGoalProgram creates a Bubbletea program for the goal view.
func NewGoalProgram(goal string, ctrl Controller) (*tea.Program, *GoalApp) {
	app := NewGoalApp(goal, ctrl)
	return tea.NewProgram(app, tea.WithAltScreen()), app
}

// Sender is the part of tea.Program Forward needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Forward relays events to p until the channel closes or ctx is done.
func Forward(ctx context.Context, p Sender, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			p.Send(EventMsg{Event: e})
		}
	}
}
