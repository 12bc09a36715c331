// Package secrets redacts credentials from text before it leaves conveyor.
//
// Commit messages, executor detail and notification payloads pass through a
// Redactor, which runs the gitleaks default rule set and replaces each match
// with a [REDACTED:rule-id] marker.
package secrets
