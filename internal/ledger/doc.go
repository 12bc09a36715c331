// Package ledger is the durable record of pipeline runs.
//
// Runs, their transition history, reviewer approvals and attempt counters
// live in a badger key-value store as JSON. Every run mutation goes through
// Update, which applies a function to a fresh copy of the run inside a
// serializable transaction, bumps the run version and appends the resulting
// transitions to history in the same commit. Writers that lose a conflict
// retry against the new version.
//
// Key layout:
//
//	run/<id>                          run document
//	hist/<id>/<version>/<seq>         transition
//	appr/<id>/<stage>/<approver>      approval
//	attempt/<kind>/<branch>/<head>    attempt counter
package ledger
