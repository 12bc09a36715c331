package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Controller evaluates the gates configured for each stage.
type Controller struct {
	gates     map[pipeline.Stage][]Gate
	approvals map[pipeline.Stage]*Approval
}

// NewController builds gates from cfg. Every stage with a predecessor gets
// the automatic gate first.
func NewController(cfg config.GatesConfig, store ApprovalStore, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		gates:     make(map[pipeline.Stage][]Gate),
		approvals: make(map[pipeline.Stage]*Approval),
	}
	for _, stage := range pipeline.AllStages() {
		if _, ok := stage.Predecessor(); ok {
			c.Register(stage, Automatic{})
		}
		gc, ok := cfg.Gate(stage)
		if !ok {
			continue
		}
		if gc.RequireApproval {
			a := NewApproval(gc.Reviewers, gc.MinApprovals, store)
			c.approvals[stage] = a
			c.Register(stage, a)
		}
		if w := gc.Wait.Duration(); w > 0 {
			c.Register(stage, &WaitTimer{Wait: w, Now: now})
		}
	}
	return c
}

// Register appends a gate to stage.
func (c *Controller) Register(stage pipeline.Stage, g Gate) {
	c.gates[stage] = append(c.gates[stage], g)
}

// Evaluate runs every gate of stage against run.
func (c *Controller) Evaluate(ctx context.Context, run *pipeline.Run, stage pipeline.Stage) (Verdict, error) {
	gates := c.gates[stage]
	verdicts := make([]Verdict, 0, len(gates))
	for _, g := range gates {
		v, err := g.Evaluate(ctx, run, stage)
		if err != nil {
			return Verdict{}, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		if v.Kind == KindReject {
			v.Reason = fmt.Sprintf("%s gate: %s", g.Name(), v.Reason)
			return v, nil
		}
		verdicts = append(verdicts, v)
	}
	return combine(verdicts), nil
}

// RequiresApproval reports whether stage has an approval gate.
func (c *Controller) RequiresApproval(stage pipeline.Stage) bool {
	_, ok := c.approvals[stage]
	return ok
}

// IsReviewer reports whether who may approve stage.
func (c *Controller) IsReviewer(stage pipeline.Stage, who string) bool {
	a, ok := c.approvals[stage]
	return ok && a.IsReviewer(who)
}

// Gates returns the names of the gates guarding stage.
func (c *Controller) Gates(stage pipeline.Stage) []string {
	names := make([]string, 0, len(c.gates[stage]))
	for _, g := range c.gates[stage] {
		names = append(names, g.Name())
	}
	return names
}
