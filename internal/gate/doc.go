// Package gate decides whether a run may enter a stage.
//
// A Controller holds the gates configured for each stage. Every gate must
// return Proceed for the stage to start; any Reject is terminal; otherwise
// the run waits. Wait verdicts carry an optional recheck delay so the caller
// can park without polling: approval waits have none and are woken by the
// approval itself, timer waits report the time remaining.
package gate
