package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Kind is the outcome class of a gate evaluation.
type Kind string

const (
	KindProceed Kind = "proceed"
	KindWait    Kind = "wait"
	KindReject  Kind = "reject"
)

// Verdict is the result of evaluating one or more gates.
type Verdict struct {
	Kind   Kind
	Reason string

	// RecheckAfter is how long to wait before evaluating again. Zero means
	// only an external event (an approval) can change the verdict.
	RecheckAfter time.Duration
}

// Proceed lets the stage start.
func Proceed() Verdict { return Verdict{Kind: KindProceed} }

// Wait parks the run.
func Wait(reason string, recheckAfter time.Duration) Verdict {
	return Verdict{Kind: KindWait, Reason: reason, RecheckAfter: recheckAfter}
}

// Reject fails the run.
func Reject(reason string) Verdict { return Verdict{Kind: KindReject, Reason: reason} }

// Gate is one condition guarding a stage.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, run *pipeline.Run, stage pipeline.Stage) (Verdict, error)
}

// ApprovalStore reads recorded reviewer decisions.
type ApprovalStore interface {
	Approvals(ctx context.Context, runID string, stage pipeline.Stage) ([]pipeline.Approval, error)
}

// Automatic proceeds iff the preceding stage succeeded.
type Automatic struct{}

// Name implements Gate.
func (Automatic) Name() string { return "automatic" }

// Evaluate implements Gate.
func (Automatic) Evaluate(_ context.Context, run *pipeline.Run, stage pipeline.Stage) (Verdict, error) {
	prev, ok := stage.Predecessor()
	if !ok {
		return Proceed(), nil
	}
	res, ok := run.Stages[prev]
	if !ok {
		return Reject(fmt.Sprintf("%s has not run", prev)), nil
	}
	if res.Status != pipeline.StatusSucceeded {
		return Reject(fmt.Sprintf("%s %s", prev, res.Status)), nil
	}
	return Proceed(), nil
}

// Approval waits for MinApprovals distinct reviewers to approve. Any
// rejection by a reviewer is final.
type Approval struct {
	Reviewers    map[string]bool
	MinApprovals int
	Store        ApprovalStore
}

// NewApproval returns an approval gate.
func NewApproval(reviewers []string, minApprovals int, store ApprovalStore) *Approval {
	set := make(map[string]bool, len(reviewers))
	for _, r := range reviewers {
		set[r] = true
	}
	if minApprovals < 1 {
		minApprovals = 1
	}
	return &Approval{Reviewers: set, MinApprovals: minApprovals, Store: store}
}

// Name implements Gate.
func (g *Approval) Name() string { return "required-approval" }

// Evaluate implements Gate.
func (g *Approval) Evaluate(ctx context.Context, run *pipeline.Run, stage pipeline.Stage) (Verdict, error) {
	approvals, err := g.Store.Approvals(ctx, run.ID, stage)
	if err != nil {
		return Verdict{}, fmt.Errorf("reading approvals for %s: %w", run.ID, err)
	}

	approvedBy := make(map[string]bool)
	for _, a := range approvals {
		if !g.Reviewers[a.Approver] {
			continue
		}
		switch a.Decision {
		case pipeline.DecisionRejected:
			reason := fmt.Sprintf("rejected by %s", a.Approver)
			if a.Comment != "" {
				reason += ": " + a.Comment
			}
			return Reject(reason), nil
		case pipeline.DecisionApproved:
			approvedBy[a.Approver] = true
		}
	}

	if len(approvedBy) >= g.MinApprovals {
		return Proceed(), nil
	}
	return Wait(fmt.Sprintf("awaiting approval (%d/%d)", len(approvedBy), g.MinApprovals), 0), nil
}

// IsReviewer reports whether who may decide this gate.
func (g *Approval) IsReviewer(who string) bool { return g.Reviewers[who] }

// WaitTimer holds a stage until Wait has elapsed since it became eligible.
type WaitTimer struct {
	Wait time.Duration
	Now  func() time.Time
}

// Name implements Gate.
func (g *WaitTimer) Name() string { return "wait-timer" }

// Evaluate implements Gate. A stage without an eligibility time waits the
// full duration.
func (g *WaitTimer) Evaluate(_ context.Context, run *pipeline.Run, stage pipeline.Stage) (Verdict, error) {
	res, ok := run.Stages[stage]
	if !ok || res.EligibleAt == nil {
		return Wait(fmt.Sprintf("waiting %s", g.Wait), g.Wait), nil
	}
	remaining := g.Wait - g.Now().Sub(*res.EligibleAt)
	if remaining <= 0 {
		return Proceed(), nil
	}
	return Wait(fmt.Sprintf("wait timer: %s remaining", remaining.Round(time.Second)), remaining), nil
}

// combine folds verdicts: any reject wins, then any wait, else proceed.
// Waits merge their reasons and keep the earliest positive recheck.
func combine(verdicts []Verdict) Verdict {
	var (
		reasons []string
		recheck time.Duration
		waiting bool
	)
	for _, v := range verdicts {
		switch v.Kind {
		case KindReject:
			return v
		case KindWait:
			waiting = true
			reasons = append(reasons, v.Reason)
			if v.RecheckAfter > 0 && (recheck == 0 || v.RecheckAfter < recheck) {
				recheck = v.RecheckAfter
			}
		}
	}
	if !waiting {
		return Proceed()
	}
	sort.Strings(reasons)
	return Wait(strings.Join(reasons, "; "), recheck)
}
