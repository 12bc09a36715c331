// Package notify delivers run status events to downstream consumers.
//
// A Dispatcher owns one backlog and one worker per Sink. Publish never
// blocks the caller and never drops: a backlog past the queue size is only
// logged. Events still pending when Close runs out of time are stashed in
// the Outbox (the ledger in production) and replayed by the next
// Dispatcher. Delivery is at-least-once; each event carries a stable ID
// that consumers can use to discard duplicates.
//
// Sinks:
//
//   - WebhookSink posts the event as JSON to an HTTP endpoint.
//   - NATSSink publishes to <prefix>.<stage>.<status>.
//   - GitHubStatusSink sets a commit status with context conveyor/<stage>.
//
// A sink signals a permanent failure by returning a
// pipeline.DeterministicCollaboratorError; any other error is retried
// with exponential backoff up to the configured attempt limit.
package notify
