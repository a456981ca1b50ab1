// Package engine executes Tessera plans.
//
// # Overview
//
// A plan is a tree of inferences addressed by flow index ("1", "1.2",
// "1.2.3"). Each inference produces exactly one concept from the concepts it
// reads. The engine drives a plan in discrete cycles:
//
//  1. Advance armed loops whose body is fully terminal
//  2. Propagate skips to inferences that can no longer run
//  3. Collect every pending inference whose dependencies are satisfied
//  4. Dispatch them (inline kinds first, then compute inferences to agents)
//  5. Record the cycle and optionally checkpoint
//
// A cycle in which nothing becomes ready and nothing completes, while the
// run is not done, is a deadlock.
//
// # Core Types
//
//   - Plan: the validated dependency graph built from a repository.Document
//   - Blackboard: per-inference entries keyed by (flow index, iteration)
//   - ReferenceStore: the current value of every concept
//   - Workspace: per-iteration results of armed loops
//   - Scheduler: one run's cycle loop
//   - Orchestrator: the host surface (start, step, run, resume, fork)
//
// # Sequence Kinds
//
//   - compute: delegated to an Agent
//   - assigning: copies a value, optionally the first completed fallback
//   - grouping: join, cross product or append of values
//   - timing: opens or closes a gate over another subtree
//   - quantifying: iterates its body over one axis of a base reference
//
// # Error Classification
//
// Agent errors are classified for retry logic:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting that requires a longer backoff
//   - Conflict: conflicts requiring retry
//   - Permanent: non-recoverable errors
//
// Unclassified errors are treated as permanent. Plan definition errors,
// deadlocks and reconciliation conflicts have dedicated types:
//
//	if IsDeadlockError(err) {
//	    // inspect the blocked flow indexes
//	}
//
// # Checkpoints
//
// A checkpoint is an immutable snapshot of the blackboard, references,
// workspace and definition signatures at the end of a cycle. Resume
// reconciles a checkpoint with the loaded plan in one of three modes
// (patch, overwrite, fill_gaps); fork copies a checkpoint into a new run.
//
// # Example Usage
//
//	plan, err := engine.LoadPlan(doc)
//	orch, err := engine.NewOrchestrator(engine.OrchestratorConfig{
//	    Plan:   plan,
//	    Agent:  registry,
//	    Store:  store,
//	    Inputs: inputs,
//	})
//	runID, err := orch.Start(ctx, "")
//	report, err := orch.Run(ctx)
//
// # Thread Safety
//
// The Orchestrator is safe for concurrent use. A Scheduler is driven by one
// goroutine at a time; agent calls dispatched in one cycle run concurrently
// and only touch engine state through their results.
package engine
