package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/dispatch"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/session"
	"github.com/ShayCichocki/conductor/internal/telemetry"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrAlreadyRunning is returned when Run is called while a goal is running.
var ErrAlreadyRunning = errors.New("orchestrator already running a goal")

const traceScope = "conductor.orchestrator"

// Orchestrator coordinates one goal at a time. Spawn and Collect may be
// used concurrently with Run.
type Orchestrator struct {
	decider  Decider
	sched    *dispatch.Scheduler
	sessions session.Store
	policy   *policy.Config
	synth    Synthesizer
	logger   *zap.Logger
	metrics  *Metrics
	pause    *PauseController
	events   *EventEmitter

	mu        sync.Mutex
	running   bool
	runCancel context.CancelCauseFunc
	// ready holds background results drained from the scheduler inbox and
	// foreground results of Spawn, keyed by handle id.
	ready map[string]models.DispatchResult
	// arrived is signalled whenever ready gains an entry.
	arrived chan struct{}
}

// New creates an Orchestrator.
func New(required RequiredConfig, opts ...Option) *Orchestrator {
	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.policyConfig == nil {
		o.policyConfig = policy.Default()
	}
	_ = o.policyConfig.Validate()
	if o.synthesizer == nil {
		o.synthesizer = SummarySynthesizer{}
	}
	logger := logging.OrNop(o.logger).Named("orchestrator")
	if o.pause == nil {
		o.pause = NewPauseController(logger)
	}

	return &Orchestrator{
		decider:  required.Decider,
		sched:    required.Scheduler,
		sessions: required.Sessions,
		policy:   o.policyConfig,
		synth:    o.synthesizer,
		logger:   logger,
		metrics:  o.metrics,
		pause:    o.pause,
		events:   NewEventEmitter(o.policyConfig.Events.BufferSize, o.policyConfig.Events.DropAfter, logger),
		ready:    make(map[string]models.DispatchResult),
		arrived:  make(chan struct{}, 1),
	}
}

// Run drives goal to Done or Failed. The returned Outcome is never nil;
// err is non-nil exactly when the outcome state is Failed.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*Outcome, error) {
	start := time.Now()
	if strings.TrimSpace(goal) == "" {
		err := errors.New("goal is empty")
		return &Outcome{Goal: goal, State: StateFailed, Err: err, Error: err.Error()}, err
	}
	if o.decider == nil || o.sched == nil {
		return &Outcome{Goal: goal, State: StateFailed, Err: errNoDecider, Error: errNoDecider.Error()}, errNoDecider
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return &Outcome{Goal: goal, State: StateFailed, Err: ErrAlreadyRunning, Error: ErrAlreadyRunning.Error()}, ErrAlreadyRunning
	}
	o.running = true
	o.runCancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.runCancel = nil
		o.mu.Unlock()
	}()

	ctx, span := otel.Tracer(traceScope).Start(ctx, "conductor.orchestrator.goal")
	defer span.End()

	o.metrics.goalStarted()
	gs := newGoalState(goal)
	o.logger.Info("goal started", zap.String("goal", goal))
	o.emit(Event{Type: EventGoalStarted, State: StatePlanning, Message: goal})

	final, err := o.loop(ctx, gs)
	outcome := o.finish(ctx, gs, final, err, start)

	span.SetAttributes(
		attribute.Int("conductor.rounds", outcome.Rounds),
		attribute.String("conductor.state", string(outcome.State)),
	)
	telemetry.MarkSpan(span, err)
	return outcome, err
}

func (o *Orchestrator) loop(ctx context.Context, gs *goalState) (string, error) {
	for {
		o.transition(gs, StatePlanning)
		if err := o.pause.WaitIfPaused(ctx); err != nil {
			return "", o.interrupted(ctx, err)
		}
		if ctx.Err() != nil {
			return "", o.interrupted(ctx, ctx.Err())
		}

		o.drain(gs)
		view := gs.view()
		gs.fresh = 0

		decision, err := o.decide(ctx, view)
		if err != nil {
			if ctx.Err() != nil {
				return "", o.interrupted(ctx, err)
			}
			return "", fmt.Errorf("decide: %w", err)
		}

		switch {
		case decision.Finalize:
			return o.finalize(ctx, gs, decision)
		case len(decision.Delegations) == 0 && decision.Wait && len(gs.inFlight) > 0:
			o.transition(gs, StateCollecting)
			if err := o.awaitNotification(ctx, gs); err != nil {
				return "", o.interrupted(ctx, err)
			}
			continue
		case len(decision.Delegations) == 0:
			return o.finalize(ctx, gs, decision)
		}

		if limit := o.policy.Rounds.MaxRounds; len(gs.rounds) >= limit {
			return "", fmt.Errorf("goal still delegating after %d rounds: %w", limit, models.ErrRoundLimitExceeded)
		}
		if err := o.dispatchRound(ctx, gs, decision.Delegations); err != nil {
			return "", err
		}
	}
}

func (o *Orchestrator) decide(ctx context.Context, view StateView) (Decision, error) {
	ctx, span := otel.Tracer(traceScope).Start(ctx, "conductor.orchestrator.decide",
		trace.WithAttributes(attribute.Int("conductor.round", view.Round()+1)))
	defer span.End()

	start := time.Now()
	d, err := o.decider.Decide(ctx, view)
	o.metrics.observeDecide(time.Since(start))
	telemetry.MarkSpan(span, err)
	return d, err
}

// dispatchRound issues one round: background tasks first so they overlap
// the foreground barrier.
func (o *Orchestrator) dispatchRound(ctx context.Context, gs *goalState, delegations []Delegation) error {
	number := len(gs.rounds) + 1
	tasks, err := o.buildTasks(gs, number, delegations)
	if err != nil {
		return err
	}
	gs.beginRound(tasks)
	o.transition(gs, StateDispatching)
	o.emit(Event{Type: EventRoundStarted, State: StateDispatching, Round: number,
		Message: fmt.Sprintf("%d task(s)", len(tasks))})

	var foreground []models.Task
	for _, t := range tasks {
		if t.Mode != models.ModeBackground {
			foreground = append(foreground, t)
			continue
		}
		h, err := o.sched.RunBackground(ctx, t)
		if err != nil {
			return fmt.Errorf("round %d: %w", number, err)
		}
		gs.inFlight[h.ID] = h
		gs.rounds[number-1].Handles = append(gs.rounds[number-1].Handles, h)
		gs.sessionOf[t.ID] = h.SessionID
		if !t.Resumes() {
			gs.created[h.SessionID] = true
		}
		o.emit(Event{Type: EventTaskDispatched, State: StateDispatching, Round: number,
			TaskID: t.ID, Profile: t.Profile, Mode: string(t.Mode), SessionID: h.SessionID, HandleID: h.ID})
	}

	o.transition(gs, StateCollecting)
	if len(foreground) == 0 {
		return nil
	}
	for _, t := range foreground {
		o.emit(Event{Type: EventTaskDispatched, State: StateCollecting, Round: number,
			TaskID: t.ID, Profile: t.Profile, Mode: string(t.Mode), SessionID: t.SessionID})
	}
	results, err := o.sched.RunForeground(ctx, foreground)
	if err != nil {
		return fmt.Errorf("round %d: %w", number, err)
	}
	for i, r := range results {
		if !foreground[i].Resumes() {
			gs.created[r.SessionID] = true
		}
		o.recordResult(gs, r, "")
	}
	return nil
}

// buildTasks turns delegations into tasks for round number.
func (o *Orchestrator) buildTasks(gs *goalState, number int, delegations []Delegation) ([]models.Task, error) {
	tasks := make([]models.Task, 0, len(delegations))
	now := time.Now()
	for i, d := range delegations {
		mode, err := models.ParseMode(string(d.Mode))
		if err != nil {
			return nil, fmt.Errorf("round %d delegation %d: %w", number, i+1, err)
		}
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("r%d-t%d", number, i+1)
		}
		sid := d.ResumeSession
		if d.ResumeTask != "" {
			var ok bool
			sid, ok = gs.sessionOf[d.ResumeTask]
			if !ok {
				return nil, fmt.Errorf("round %d delegation %s resumes unknown task %q: %w",
					number, id, d.ResumeTask, models.ErrSessionNotFound)
			}
		}
		tasks = append(tasks, models.Task{
			ID:          id,
			Profile:     d.Profile,
			Instruction: d.Instruction,
			Round:       number,
			Mode:        mode,
			SessionID:   sid,
			Timeout:     d.Timeout,
			CreatedAt:   now,
		})
	}
	return tasks, nil
}

func (o *Orchestrator) recordResult(gs *goalState, r models.DispatchResult, handleID string) {
	gs.record(r)
	if r.SessionID != "" {
		gs.sessionOf[r.TaskID] = r.SessionID
	}

	ev := Event{
		State:     gs.state,
		Round:     r.Round,
		TaskID:    r.TaskID,
		Profile:   r.Profile,
		SessionID: r.SessionID,
		HandleID:  handleID,
		Duration:  r.Duration,
		Error:     r.Err,
		Message:   firstLine(r.Output),
	}
	switch r.Status {
	case models.StatusCompleted:
		ev.Type = EventTaskCompleted
	case models.StatusCancelled:
		ev.Type = EventTaskCancelled
	default:
		ev.Type = EventTaskFailed
		ev.Message = r.Error
	}
	o.emit(ev)
}

// drain moves arrived background results into the goal state without blocking.
func (o *Orchestrator) drain(gs *goalState) int {
	o.mu.Lock()
	o.stashLocked()
	type arrival struct {
		handle string
		result models.DispatchResult
	}
	var got []arrival
	for id := range gs.inFlight {
		if r, ok := o.ready[id]; ok {
			delete(o.ready, id)
			delete(gs.inFlight, id)
			got = append(got, arrival{id, r})
		}
	}
	o.mu.Unlock()

	for _, a := range got {
		o.emit(Event{Type: EventNotification, State: gs.state, Round: a.result.Round,
			TaskID: a.result.TaskID, HandleID: a.handle})
		o.recordResult(gs, a.result, a.handle)
	}
	return len(got)
}

// awaitNotification blocks until at least one in-flight background task of
// this goal has reported.
func (o *Orchestrator) awaitNotification(ctx context.Context, gs *goalState) error {
	for {
		if o.drain(gs) > 0 {
			return nil
		}
		select {
		case n := <-o.sched.Inbox():
			o.mu.Lock()
			o.ready[n.Handle.ID] = n.Result
			o.mu.Unlock()
		case <-o.arrived:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stashLocked moves every queued notification into ready.
func (o *Orchestrator) stashLocked() {
	for {
		select {
		case n := <-o.sched.Inbox():
			o.ready[n.Handle.ID] = n.Result
		default:
			return
		}
	}
}

func (o *Orchestrator) signalArrived() {
	select {
	case o.arrived <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) finalize(ctx context.Context, gs *goalState, last Decision) (string, error) {
	o.transition(gs, StateFinalizing)
	o.drain(gs)
	final, err := o.synth.Synthesize(ctx, gs.view(), last)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return final, nil
}

// finish moves the goal to its terminal state, abandons unfinished
// background work and tears down the goal's sessions.
func (o *Orchestrator) finish(ctx context.Context, gs *goalState, final string, err error, start time.Time) *Outcome {
	state := StateDone
	if err != nil {
		state = StateFailed
	}

	abandoned := gs.pending()
	if len(abandoned) > 0 {
		o.sched.Forget(abandoned...)
		// A Collect racing the final drain may have stashed some of them.
		o.mu.Lock()
		o.stashLocked()
		for _, h := range abandoned {
			delete(o.ready, h.ID)
		}
		o.mu.Unlock()
		o.logger.Info("abandoning background tasks", zap.Int("count", len(abandoned)))
	}

	if o.policy.Sessions.TeardownOnDone && o.sessions != nil && len(gs.created) > 0 {
		ids := make([]string, 0, len(gs.created))
		for id := range gs.created {
			ids = append(ids, id)
		}
		if terr := o.sessions.Teardown(context.WithoutCancel(ctx), ids...); terr != nil {
			o.logger.Warn("session teardown", zap.Error(terr))
		}
	}

	o.transition(gs, state)
	outcome := &Outcome{
		Goal:      gs.goal,
		State:     state,
		Final:     final,
		Rounds:    len(gs.rounds),
		Results:   append([]models.DispatchResult(nil), gs.results...),
		Abandoned: abandoned,
		Duration:  time.Since(start),
		Err:       err,
	}
	if err != nil {
		outcome.Error = err.Error()
		o.logger.Warn("goal failed", zap.Error(err), zap.Int("rounds", outcome.Rounds))
		o.emit(Event{Type: EventGoalFailed, State: state, Round: outcome.Rounds, Error: err,
			Message: err.Error(), Duration: outcome.Duration})
	} else {
		o.logger.Info("goal done", zap.Int("rounds", outcome.Rounds), zap.Duration("duration", outcome.Duration))
		o.emit(Event{Type: EventGoalDone, State: state, Round: outcome.Rounds, Message: final,
			Duration: outcome.Duration})
	}
	o.metrics.goalFinished(state, outcome.Rounds)
	return outcome
}

// interrupted maps a stop or cancellation to a worded error keeping the cause.
func (o *Orchestrator) interrupted(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, err) {
		err = cause
	}
	if errors.Is(err, ErrStopped) {
		return fmt.Errorf("goal stopped: %w", err)
	}
	return fmt.Errorf("goal interrupted: %w", err)
}

func (o *Orchestrator) transition(gs *goalState, to State) {
	if gs.state == to {
		return
	}
	from := gs.state
	gs.state = to
	o.logger.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	o.emit(Event{Type: EventStateChanged, State: to, Round: len(gs.rounds),
		Message: fmt.Sprintf("%s -> %s", from, to)})
}

func (o *Orchestrator) emit(e Event) {
	o.events.Emit(e)
}

// Spawn dispatches a single task outside any goal. Foreground tasks run to
// completion before Spawn returns; their result is then available to
// Collect like a background one.
func (o *Orchestrator) Spawn(ctx context.Context, profile, instruction string, mode models.Mode, resumeID string) (dispatch.Handle, error) {
	mode, err := models.ParseMode(string(mode))
	if err != nil {
		return dispatch.Handle{}, err
	}
	task := models.Task{
		ID:          "t-" + uuid.New().String()[:8],
		Profile:     profile,
		Instruction: instruction,
		Mode:        mode,
		SessionID:   resumeID,
		CreatedAt:   time.Now(),
	}
	if mode == models.ModeBackground {
		return o.sched.RunBackground(ctx, task)
	}

	results, err := o.sched.RunForeground(ctx, []models.Task{task})
	if err != nil {
		return dispatch.Handle{}, err
	}
	r := results[0]
	h := dispatch.Handle{
		ID:        "h-" + uuid.New().String()[:8],
		TaskID:    r.TaskID,
		Profile:   r.Profile,
		SessionID: r.SessionID,
	}
	o.mu.Lock()
	o.ready[h.ID] = r
	o.mu.Unlock()
	o.signalArrived()
	return h, nil
}

// Collect returns the results of handles that have completed, without
// blocking. Each result is returned exactly once; handles still running
// yield nothing and can be collected later.
func (o *Orchestrator) Collect(handles ...dispatch.Handle) []models.DispatchResult {
	o.mu.Lock()
	o.stashLocked()
	var out []models.DispatchResult
	for _, h := range handles {
		if r, ok := o.ready[h.ID]; ok {
			delete(o.ready, h.ID)
			out = append(out, r)
		}
	}
	o.mu.Unlock()
	o.signalArrived()
	return out
}

// Cancel requests cooperative cancellation of a task by handle or task id.
func (o *Orchestrator) Cancel(id string) bool {
	return o.sched.Cancel(id)
}

// Events returns the observer event stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.events.Events()
}

// DroppedEvents returns how many events were dropped on a full channel.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.events.DroppedCount()
}

// Pause holds planning before the next round.
func (o *Orchestrator) Pause() {
	o.pause.Pause()
}

// Resume lets planning continue.
func (o *Orchestrator) Resume() {
	o.pause.Resume()
}

// IsPaused reports whether planning is paused.
func (o *Orchestrator) IsPaused() bool {
	return o.pause.IsPaused()
}

// Stop cancels the running goal cooperatively. In-flight tasks see the
// cancellation at their next checkpoint.
func (o *Orchestrator) Stop() {
	o.pause.Stop()
	o.mu.Lock()
	cancel := o.runCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel(ErrStopped)
	}
}

// Close releases the event stream. Call it after the last Run.
func (o *Orchestrator) Close() {
	o.events.Close()
}
