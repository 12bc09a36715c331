package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/ledger"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

var errInvalidArgument = errors.New("invalid argument")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidArgument, fmt.Sprintf(format, args...))
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerRunStatus()
	s.registerListRuns()
	s.registerApprove()
}

// ===== SHARED OUTPUT =====

type outcomeSummary struct {
	Project  string `json:"project" jsonschema:"Project ID"`
	Status   string `json:"status" jsonschema:"Outcome status"`
	Attempts int    `json:"attempts" jsonschema:"Collaborator attempts made"`
	Message  string `json:"message,omitempty" jsonschema:"Collaborator detail"`
	LogsURL  string `json:"logs_url,omitempty" jsonschema:"Link to collaborator logs"`
}

type stageSummary struct {
	Stage    string           `json:"stage" jsonschema:"Stage name"`
	Status   string           `json:"status" jsonschema:"Stage status"`
	Reason   string           `json:"reason,omitempty" jsonschema:"Why the stage is waiting, skipped or failed"`
	Outcomes []outcomeSummary `json:"outcomes,omitempty" jsonschema:"Per-project outcomes"`
}

type runSummary struct {
	ID        string         `json:"id" jsonschema:"Run ID"`
	Trigger   string         `json:"trigger" jsonschema:"Trigger kind"`
	Branch    string         `json:"branch" jsonschema:"Branch the run was triggered for"`
	Head      string         `json:"head" jsonschema:"Head revision"`
	Status    string         `json:"status" jsonschema:"Run status"`
	Terminal  bool           `json:"terminal" jsonschema:"True once the run can no longer change"`
	Reason    string         `json:"reason,omitempty" jsonschema:"Why the run ended this way"`
	Summary   string         `json:"summary,omitempty" jsonschema:"Change summary"`
	Affected  []string       `json:"affected" jsonschema:"Affected project IDs"`
	Degraded  bool           `json:"degraded,omitempty" jsonschema:"True when every project was selected as a fallback"`
	Release   string         `json:"release,omitempty" jsonschema:"Computed release version"`
	Stages    []stageSummary `json:"stages,omitempty" jsonschema:"Stages in pipeline order"`
	CreatedAt string         `json:"created_at" jsonschema:"Creation time (RFC 3339)"`
}

// summarize flattens a run for clients. Stage detail is included only when
// withStages is set.
func (s *Server) summarize(r *pipeline.Run, withStages bool) runSummary {
	out := runSummary{
		ID:        r.ID,
		Trigger:   string(r.Trigger.Kind),
		Branch:    r.Trigger.Branch,
		Head:      r.Changes.Head,
		Status:    string(r.Status),
		Terminal:  r.Terminal,
		Reason:    s.redact(r.Reason),
		Summary:   s.redact(r.Summary),
		Affected:  make([]string, 0, len(r.Affected)),
		Degraded:  r.Degraded,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, a := range r.Affected {
		out.Affected = append(out.Affected, a.Project)
	}
	if r.Release != nil {
		out.Release = r.Release.Version
	}
	if !withStages {
		return out
	}
	for _, st := range pipeline.AllStages() {
		res, ok := r.Stages[st]
		if !ok {
			continue
		}
		ss := stageSummary{Stage: string(st), Status: string(res.Status), Reason: s.redact(res.Reason)}
		projects := make([]string, 0, len(res.Outcomes))
		for p := range res.Outcomes {
			projects = append(projects, p)
		}
		sort.Strings(projects)
		for _, p := range projects {
			o := res.Outcomes[p]
			ss.Outcomes = append(ss.Outcomes, outcomeSummary{
				Project:  p,
				Status:   string(o.Status),
				Attempts: o.Attempts,
				Message:  s.redact(o.Detail.Message),
				LogsURL:  o.Detail.LogsURL,
			})
		}
		out.Stages = append(out.Stages, ss)
	}
	return out
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// ===== RUN STATUS =====

type runStatusInput struct {
	RunID string `json:"run_id" jsonschema:"required,Run ID"`
}

type runStatusOutput struct {
	Run runSummary `json:"run" jsonschema:"The run with per-stage detail"`
}

func (s *Server) registerRunStatus() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_status",
		Description: "Show the status of a pipeline run, stage by stage",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args runStatusInput) (*mcp.CallToolResult, runStatusOutput, error) {
		var toolErr error
		done := s.metrics.Track(ctx, "run_status")
		defer func() { done(toolErr) }()

		if strings.TrimSpace(args.RunID) == "" {
			toolErr = invalid("run_id is required")
			return nil, runStatusOutput{}, toolErr
		}
		run, err := s.runs.Get(ctx, args.RunID)
		if err != nil {
			toolErr = err
			return nil, runStatusOutput{}, err
		}

		out := runStatusOutput{Run: s.summarize(run, true)}
		var waiting []string
		for _, st := range out.Run.Stages {
			if st.Status == string(pipeline.StatusPending) && st.Reason != "" {
				waiting = append(waiting, st.Stage+" ("+st.Reason+")")
			}
		}
		text := fmt.Sprintf("Run %s is %s", run.ID, run.Status)
		if len(waiting) > 0 {
			text += "; waiting: " + strings.Join(waiting, ", ")
		}
		return textResult("%s", text), out, nil
	})
}

// ===== LIST RUNS =====

type listRunsInput struct {
	Branch string `json:"branch,omitempty" jsonschema:"Filter by branch"`
	Status string `json:"status,omitempty" jsonschema:"Filter by status (pending running succeeded failed skipped cancelled)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 20)"`
}

type listRunsOutput struct {
	Runs  []runSummary `json:"runs" jsonschema:"Runs, newest first"`
	Count int          `json:"count" jsonschema:"Number of runs returned"`
}

func (s *Server) registerListRuns() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_runs",
		Description: "List recent pipeline runs, newest first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listRunsInput) (*mcp.CallToolResult, listRunsOutput, error) {
		var toolErr error
		done := s.metrics.Track(ctx, "list_runs")
		defer func() { done(toolErr) }()

		f := ledger.Filter{Branch: args.Branch, Limit: defaultListLimit}
		if args.Status != "" {
			st, err := pipeline.ParseStatus(args.Status)
			if err != nil {
				toolErr = invalid("%v", err)
				return nil, listRunsOutput{}, toolErr
			}
			f.Status = st
		}
		switch {
		case args.Limit < 0:
			toolErr = invalid("limit must not be negative")
			return nil, listRunsOutput{}, toolErr
		case args.Limit > 0:
			f.Limit = min(args.Limit, maxListLimit)
		}

		runs, err := s.runs.List(ctx, f)
		if err != nil {
			toolErr = err
			return nil, listRunsOutput{}, err
		}
		out := listRunsOutput{Runs: make([]runSummary, 0, len(runs)), Count: len(runs)}
		for _, r := range runs {
			out.Runs = append(out.Runs, s.summarize(r, false))
		}
		return textResult("Found %d runs", out.Count), out, nil
	})
}

// ===== APPROVE =====

type approveInput struct {
	RunID    string `json:"run_id" jsonschema:"required,Run ID"`
	Stage    string `json:"stage,omitempty" jsonschema:"Gated stage (default: production)"`
	Approver string `json:"approver" jsonschema:"required,Reviewer identity"`
	Decision string `json:"decision" jsonschema:"required,approved or rejected"`
	Comment  string `json:"comment,omitempty" jsonschema:"Optional note recorded with the decision"`
}

type approveOutput struct {
	RunID    string `json:"run_id" jsonschema:"Run ID"`
	Stage    string `json:"stage" jsonschema:"Stage the decision applies to"`
	Approver string `json:"approver" jsonschema:"Reviewer identity"`
	Decision string `json:"decision" jsonschema:"Recorded decision"`
	At       string `json:"at" jsonschema:"Decision time (RFC 3339)"`
}

func (s *Server) registerApprove() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "approve",
		Description: "Approve or reject a stage that is waiting on reviewers",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args approveInput) (*mcp.CallToolResult, approveOutput, error) {
		var toolErr error
		done := s.metrics.Track(ctx, "approve")
		defer func() { done(toolErr) }()

		stage := pipeline.StageProduction
		if args.Stage != "" {
			st, err := pipeline.ParseStage(args.Stage)
			if err != nil {
				toolErr = invalid("%v", err)
				return nil, approveOutput{}, toolErr
			}
			stage = st
		}
		decision := pipeline.Decision(strings.ToLower(strings.TrimSpace(args.Decision)))
		if !decision.Valid() {
			toolErr = invalid("decision must be approved or rejected, got %q", args.Decision)
			return nil, approveOutput{}, toolErr
		}
		if strings.TrimSpace(args.RunID) == "" || strings.TrimSpace(args.Approver) == "" {
			toolErr = invalid("run_id and approver are required")
			return nil, approveOutput{}, toolErr
		}

		a, err := s.runs.Approve(ctx, orchestrator.ApproveRequest{
			RunID:    args.RunID,
			Stage:    stage,
			Approver: args.Approver,
			Decision: decision,
			Comment:  args.Comment,
		})
		if err != nil {
			toolErr = err
			return nil, approveOutput{}, err
		}
		s.logger.Info(logging.WithRun(ctx, a.RunID), "approval recorded via mcp",
			zap.String("stage", string(a.Stage)),
			zap.String("approver", a.Approver),
		)

		out := approveOutput{
			RunID:    a.RunID,
			Stage:    string(a.Stage),
			Approver: a.Approver,
			Decision: string(a.Decision),
			At:       a.At.UTC().Format(time.RFC3339),
		}
		return textResult("Recorded %s by %s for %s of %s", out.Decision, out.Approver, out.Stage, out.RunID), out, nil
	})
}
