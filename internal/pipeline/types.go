package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Stage is one step of the fixed pipeline topology.
type Stage string

const (
	// StageCI builds, lints and tests every affected project.
	StageCI Stage = "ci"

	// StageStaging delivers affected projects to the staging environment.
	StageStaging Stage = "staging"

	// StageProduction deploys affected projects to production.
	StageProduction Stage = "production"

	// StageRelease tags and publishes a release. Runs off CI success only.
	StageRelease Stage = "release"
)

// AllStages returns every stage in declaration order.
func AllStages() []Stage {
	return []Stage{StageCI, StageStaging, StageProduction, StageRelease}
}

// ParseStage converts a user supplied name into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStages() {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Predecessor returns the stage whose success gates s. CI has none.
func (s Stage) Predecessor() (Stage, bool) {
	switch s {
	case StageStaging, StageRelease:
		return StageCI, true
	case StageProduction:
		return StageStaging, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a stage, a project outcome or a whole run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a user supplied name into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// TriggerKind enumerates the events that can start a run.
type TriggerKind string

const (
	TriggerPush        TriggerKind = "push"
	TriggerPullRequest TriggerKind = "pull_request"
	TriggerManual      TriggerKind = "manual"
	TriggerScheduled   TriggerKind = "scheduled"
)

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerPush, TriggerPullRequest, TriggerManual, TriggerScheduled:
		return true
	}
	return false
}

// Trigger describes who started a run and on which branch.
type Trigger struct {
	Kind   TriggerKind `json:"kind"`
	Branch string      `json:"branch"`
	Actor  string      `json:"actor"`

	// Production requests a production rollout from a non-release branch.
	// Honored for manual triggers only.
	Production bool `json:"production,omitempty"`
}

// Lane groups runs that supersede one another: the same trigger kind on the
// same branch.
func (t Trigger) Lane() string {
	return string(t.Kind) + "/" + t.Branch
}

// Commit is one commit in a change range.
type Commit struct {
	SHA     string `json:"sha"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// ChangeSet is the immutable description of a source change.
type ChangeSet struct {
	Base    string   `json:"base"`
	Head    string   `json:"head"`
	Paths   []string `json:"paths"`
	Commits []Commit `json:"commits,omitempty"`
}

// Reason explains why a project was selected.
type Reason string

const (
	ReasonDirect     Reason = "direct"
	ReasonTransitive Reason = "transitive-dependency"

	// ReasonAllProjects marks projects pulled in by a pipeline-definition
	// change or by fan-out degradation.
	ReasonAllProjects Reason = "all-projects"
)

// AffectedProject is a project selected for a run.
type AffectedProject struct {
	Project string `json:"project"`
	Reason  Reason `json:"reason"`
}

// Detail is the structured output a collaborator may return.
type Detail struct {
	Message  string `json:"message,omitempty"`
	LogsURL  string `json:"logs_url,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

// Outcome is the result of one project in one stage.
type Outcome struct {
	Status     Status     `json:"status"`
	Detail     Detail     `json:"detail"`
	Attempts   int        `json:"attempts,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StageResult is the aggregate state of a stage within a run.
type StageResult struct {
	Stage      Stage               `json:"stage"`
	Status     Status              `json:"status"`
	Outcomes   map[string]*Outcome `json:"outcomes,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	EligibleAt *time.Time          `json:"eligible_at,omitempty"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// Decision is the verdict of a human reviewer.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is approved or rejected.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Approval is an immutable reviewer decision for one stage of one run.
type Approval struct {
	RunID    string    `json:"run_id"`
	Stage    Stage     `json:"stage"`
	Approver string    `json:"approver"`
	Decision Decision  `json:"decision"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// Bump is the semantic version increment implied by a commit range.
type Bump string

const (
	BumpNone  Bump = "none"
	BumpPatch Bump = "patch"
	BumpMinor Bump = "minor"
	BumpMajor Bump = "major"
)

// ChangelogEntry is one conventional commit included in a release.
type ChangelogEntry struct {
	Type        string `json:"type"`
	Scope       string `json:"scope,omitempty"`
	Description string `json:"description"`
	SHA         string `json:"sha,omitempty"`
	Breaking    bool   `json:"breaking,omitempty"`
}

// ReleaseVersion is the computed next version for a commit range.
type ReleaseVersion struct {
	Previous  string           `json:"previous"`
	Version   string           `json:"version"`
	Bump      Bump             `json:"bump"`
	Changelog []ChangelogEntry `json:"changelog,omitempty"`
}

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID      string `json:"id"`
	Lane    string `json:"lane"`
	Version uint64 `json:"version"`

	Trigger  Trigger           `json:"trigger"`
	Changes  ChangeSet         `json:"changes"`
	Affected []AffectedProject `json:"affected"`

	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`

	Stages   map[Stage]*StageResult `json:"stages"`
	Status   Status                 `json:"status"`
	Terminal bool                   `json:"terminal"`
	Reason   string                 `json:"reason,omitempty"`

	Summary   string          `json:"summary,omitempty"`
	RiskScore *float64        `json:"risk_score,omitempty"`
	Release   *ReleaseVersion `json:"release,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage returns the result for s, creating a pending entry when absent.
func (r *Run) Stage(s Stage) *StageResult {
	if r.Stages == nil {
		r.Stages = make(map[Stage]*StageResult)
	}
	res, ok := r.Stages[s]
	if !ok {
		res = &StageResult{Stage: s, Status: StatusPending}
		r.Stages[s] = res
	}
	return res
}

// ProjectIDs returns the affected project identifiers in sorted order.
func (r *Run) ProjectIDs() []string {
	ids := make([]string, 0, len(r.Affected))
	for _, a := range r.Affected {
		ids = append(ids, a.Project)
	}
	sort.Strings(ids)
	return ids
}

// Finish marks the run terminal with the given status.
func (r *Run) Finish(status Status, reason string) {
	r.Status = status
	r.Terminal = true
	if reason != "" {
		r.Reason = reason
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Changes.Paths = append([]string(nil), r.Changes.Paths...)
	out.Changes.Commits = append([]Commit(nil), r.Changes.Commits...)
	out.Affected = append([]AffectedProject(nil), r.Affected...)
	if r.RiskScore != nil {
		score := *r.RiskScore
		out.RiskScore = &score
	}
	if r.Release != nil {
		rel := *r.Release
		rel.Changelog = append([]ChangelogEntry(nil), r.Release.Changelog...)
		out.Release = &rel
	}
	if r.Stages != nil {
		out.Stages = make(map[Stage]*StageResult, len(r.Stages))
		for k, v := range r.Stages {
			out.Stages[k] = v.clone()
		}
	}
	return &out
}

func (s *StageResult) clone() *StageResult {
	if s == nil {
		return nil
	}
	out := *s
	out.EligibleAt = cloneTime(s.EligibleAt)
	out.StartedAt = cloneTime(s.StartedAt)
	out.FinishedAt = cloneTime(s.FinishedAt)
	if s.Outcomes != nil {
		out.Outcomes = make(map[string]*Outcome, len(s.Outcomes))
		for k, v := range s.Outcomes {
			o := *v
			o.StartedAt = cloneTime(v.StartedAt)
			o.FinishedAt = cloneTime(v.FinishedAt)
			out.Outcomes[k] = &o
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// Transition is one entry of a run's audit history.
type Transition struct {
	RunID   string    `json:"run_id"`
	Version uint64    `json:"version"`
	Stage   Stage     `json:"stage,omitempty"`
	Project string    `json:"project,omitempty"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	At      time.Time `json:"at"`
}

// Transitions lists every status change between two snapshots of a run.
// Run level changes have an empty Stage; stage level changes have an empty
// Project. The output order is stable: run, then stages in topology order,
// then projects sorted by id.
func Transitions(before, after *Run, at time.Time) []Transition {
	if after == nil {
		return nil
	}
	var out []Transition
	prevRun := Status("")
	if before != nil {
		prevRun = before.Status
	}
	if prevRun != after.Status {
		out = append(out, Transition{RunID: after.ID, Version: after.Version, From: prevRun, To: after.Status, At: at})
	}

	for _, stage := range AllStages() {
		next, ok := after.Stages[stage]
		if !ok {
			continue
		}
		var prev *StageResult
		if before != nil {
			prev = before.Stages[stage]
		}
		prevStatus := Status("")
		if prev != nil {
			prevStatus = prev.Status
		}
		if prevStatus != next.Status {
			out = append(out, Transition{RunID: after.ID, Version: after.Version, Stage: stage, From: prevStatus, To: next.Status, At: at})
		}

		projects := make([]string, 0, len(next.Outcomes))
		for p := range next.Outcomes {
			projects = append(projects, p)
		}
		sort.Strings(projects)
		for _, p := range projects {
			from := Status("")
			if prev != nil {
				if o, ok := prev.Outcomes[p]; ok {
					from = o.Status
				}
			}
			if to := next.Outcomes[p].Status; from != to {
				out = append(out, Transition{RunID: after.ID, Version: after.Version, Stage: stage, Project: p, From: from, To: to, At: at})
			}
		}
	}
	return out
}
