// Package orchestrator drives pipeline runs through their stages.
//
// # Overview
//
// A run is created by Trigger and advanced by one goroutine per run:
//
//	CI → Staging → Production
//	 └→ Release (release branch only)
//
// Release starts as soon as CI succeeds and proceeds alongside the
// Staging/Production chain. Every state change goes through the run
// ledger's compare-and-swap Update; the orchestrator keeps no run state of
// its own beyond the cancellation handles of runs in flight.
//
// # Stages
//
// Within a stage each affected project is one collaborator call. Calls run
// in parallel but share a process-wide weighted semaphore, so the number of
// concurrent calls is independent of project count. A stage starts only
// after every project of its predecessor is terminal; one failed project
// fails the stage while the others run to completion.
//
// # Gates
//
// Before a stage runs its gates are evaluated. A waiting run holds no
// worker slot: it parks until an approval is recorded for it, the earliest
// recheck deadline passes, or it is cancelled.
//
// # Supersession and shutdown
//
// A new trigger on a lane (trigger kind and branch) with a run in flight cancels the older
// run with a pipeline.SupersededError cause; its unfinished stages and
// outcomes become cancelled. Shutdown cancels in-flight runs with a
// distinct cause and leaves them non-terminal in the ledger so Resume can
// continue them after restart.
package orchestrator
