// Package tui renders a live terminal view of a running goal.
//
// The view is driven by orchestrator events and is read-only apart from
// pause, resume and stop:
//
//	program, _ := tui.NewGoalProgram(goal, orch)
//	go tui.Forward(ctx, program, orch.Events())
//	go func() {
//	    outcome, err := orch.Run(ctx, goal)
//	    program.Send(tui.DoneMsg{Outcome: outcome, Err: err})
//	}()
//	_, err := program.Run()
package tui
