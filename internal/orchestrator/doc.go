// Package orchestrator drives one goal from planning to a final action.
//
// The Orchestrator owns the goal state and loops through
//   - Planning: a Decider looks at the state and proposes delegations
//   - Dispatching: the delegations run on the dispatch.Scheduler
//   - Collecting: foreground results arrive behind a barrier, background
//     results arrive later through the scheduler inbox
//
// until the Decider has nothing more to delegate. Finalizing then asks a
// Synthesizer for the final action. A hard round ceiling turns a Decider
// that never stops into ErrRoundLimitExceeded.
//
// Example usage:
//
//	sched := dispatch.New(registry, store, worker.New(runner, tools.NewLocal(dir)))
//	o := orchestrator.New(orchestrator.RequiredConfig{
//		Decider:   decider,
//		Scheduler: sched,
//		Sessions:  store,
//	})
//	outcome, err := o.Run(ctx, "find and fix the flaky test")
package orchestrator
