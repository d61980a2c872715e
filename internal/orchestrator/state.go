package orchestrator

import (
	"sort"
	"time"

	"github.com/ShayCichocki/conductor/internal/dispatch"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// State is a phase of the orchestration lifecycle.
type State string

const (
	StatePlanning    State = "planning"
	StateDispatching State = "dispatching"
	StateCollecting  State = "collecting"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Round is one delegation round.
type Round struct {
	// Number starts at 1.
	Number int `json:"number"`
	// Tasks are the tasks issued in this round, in decision order.
	Tasks []models.Task `json:"tasks"`
	// Results holds the results gathered for this round's tasks so far.
	// Background results are appended when they arrive.
	Results []models.DispatchResult `json:"results"`
	// Handles are the background handles issued in this round.
	Handles []dispatch.Handle `json:"handles,omitempty"`
	// StartedAt is when dispatching began.
	StartedAt time.Time `json:"started_at"`
}

// StateView is a read-only snapshot of the goal state handed to a Decider.
type StateView struct {
	Goal   string  `json:"goal"`
	State  State   `json:"state"`
	Rounds []Round `json:"rounds"`
	// InFlight lists background tasks that have not reported yet.
	InFlight []dispatch.Handle `json:"in_flight"`
	// Results accumulates every result in arrival order.
	Results []models.DispatchResult `json:"results"`
	// Fresh is the tail of Results that arrived since the previous
	// planning step.
	Fresh []models.DispatchResult `json:"fresh"`
}

// Round returns the number of the latest round, 0 before the first.
func (v StateView) Round() int {
	return len(v.Rounds)
}

// Failures returns the results that did not complete.
func (v StateView) Failures() []models.DispatchResult {
	var out []models.DispatchResult
	for _, r := range v.Results {
		if !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// goalState is the orchestrator's own mutable state for one goal.
type goalState struct {
	goal     string
	state    State
	rounds   []Round
	inFlight map[string]dispatch.Handle
	results  []models.DispatchResult
	// created holds sessions started for this goal.
	created map[string]bool
	// sessionOf maps task ids to their sessions.
	sessionOf map[string]string
	// fresh counts results recorded since the last planning step.
	fresh int
}

func newGoalState(goal string) *goalState {
	return &goalState{
		goal:      goal,
		state:     StatePlanning,
		inFlight:  make(map[string]dispatch.Handle),
		created:   make(map[string]bool),
		sessionOf: make(map[string]string),
	}
}

func (g *goalState) beginRound(tasks []models.Task) {
	g.rounds = append(g.rounds, Round{
		Number:    len(g.rounds) + 1,
		Tasks:     tasks,
		StartedAt: time.Now(),
	})
}

// record stores r in the round that issued it and in the accumulated results.
func (g *goalState) record(r models.DispatchResult) {
	if r.Round >= 1 && r.Round <= len(g.rounds) {
		rd := &g.rounds[r.Round-1]
		rd.Results = append(rd.Results, r)
	}
	g.results = append(g.results, r)
	g.fresh++
}

func (g *goalState) pending() []dispatch.Handle {
	out := make([]dispatch.Handle, 0, len(g.inFlight))
	for _, h := range g.inFlight {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// view deep-copies the state for a Decider or Synthesizer.
func (g *goalState) view() StateView {
	v := StateView{
		Goal:     g.goal,
		State:    g.state,
		Rounds:   make([]Round, len(g.rounds)),
		InFlight: g.pending(),
		Results:  append([]models.DispatchResult(nil), g.results...),
	}
	v.Fresh = v.Results[len(v.Results)-g.fresh:]
	for i, r := range g.rounds {
		v.Rounds[i] = Round{
			Number:    r.Number,
			Tasks:     append([]models.Task(nil), r.Tasks...),
			Results:   append([]models.DispatchResult(nil), r.Results...),
			Handles:   append([]dispatch.Handle(nil), r.Handles...),
			StartedAt: r.StartedAt,
		}
	}
	return v
}

// Outcome is the terminal result of Run.
type Outcome struct {
	Goal  string `json:"goal"`
	State State  `json:"state"`
	// Final is the synthesized final action; empty when the goal failed.
	Final   string                  `json:"final"`
	Rounds  int                     `json:"rounds"`
	Results []models.DispatchResult `json:"results"`
	// Abandoned lists background tasks still running at the end. Their
	// results are discarded.
	Abandoned []dispatch.Handle `json:"abandoned,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Err       error             `json:"-"`
	Error     string            `json:"error,omitempty"`
}
