// Package pipeline defines the domain model shared by every conveyor component:
// stages, statuses, triggers, change sets, runs and approvals, plus the error
// taxonomy used to classify configuration, collaborator and gate failures.
//
// A Run moves through a fixed stage topology:
//
//	CI -> Staging -> Production
//	 \-> Release (release branch only, off CI success)
//
// Each stage carries a StageResult with an aggregate Status and one Outcome per
// affected project. Transitions derives the audit trail between two snapshots of
// the same run.
package pipeline
