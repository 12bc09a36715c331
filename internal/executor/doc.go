// Package executor calls the external collaborator that performs the work
// of one project in one stage.
//
// An Executor wraps a Backend with a per-attempt timeout, exponential
// backoff for transient failures and outcome normalization: every call ends
// as succeeded, failed or cancelled. Backends classify their errors with
// pipeline.TransientCollaboratorError and
// pipeline.DeterministicCollaboratorError; anything unclassified is treated
// as transient.
//
// Three backends ship with conveyor: HTTPBackend posts to a JSON endpoint,
// TemporalBackend runs a workflow per call and NoopBackend succeeds
// immediately.
package executor
