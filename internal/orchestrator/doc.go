// Package orchestrator drives workflows of dependent tasks.
//
// A Controller owns one control loop per started workflow. Each loop reads
// the committed snapshot, dispatches ready tasks by priority up to the
// workflow's concurrency limit, and commits every transition to the state
// store before acting on it. The pieces are:
//   - Dependency tracking: the ready set comes from internal/graph
//   - Retries: failed attempts are rescheduled with backoff from internal/retry
//   - Pause and cancel: durable markers, honored across restarts
//   - Recovery: tasks left running by a dead owner are reset on start
//
// Example usage:
//
//	store, _ := state.OpenStore(state.Options{Path: "state.db"})
//	ctrl := orchestrator.New(store, executor.NewCommand())
//	id, _ := ctrl.Create(ctx, spec)
//	_ = ctrl.Start(ctx, id)
//	status, err := ctrl.Wait(ctx, id)
package orchestrator
