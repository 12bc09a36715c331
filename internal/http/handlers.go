package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/ledger"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type requestValidator struct {
	v *validator.Validate
}

func (r *requestValidator) Validate(i any) error {
	if err := r.v.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return echo.NewHTTPError(http.StatusBadRequest, strings.Join(msgs, "; "))
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// bind decodes and validates the request body into dst.
func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.Validate(dst)
}

// apiError maps domain errors to HTTP status codes. Anything unrecognised is
// logged and reported as 500 without detail.
func (s *Server) apiError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrInvalidTrigger),
		errors.Is(err, pipeline.ErrNoApprovalGate):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotReviewer):
		status = http.StatusForbidden
	case errors.Is(err, pipeline.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrRunTerminal),
		errors.Is(err, pipeline.ErrGatePassed),
		errors.Is(err, ledger.ErrApprovalExists):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case pipeline.IsTransient(err):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return echo.NewHTTPError(status, "internal error")
	}
	return echo.NewHTTPError(status, err.Error())
}

// handleHealth reports liveness and the runs driven by this process.
func (s *Server) handleHealth(c echo.Context) error {
	active := s.runs.Active()
	if active == nil {
		active = []string{}
	}
	resp := HealthResponse{Status: "ok", ActiveRuns: active}
	if len(s.checks) > 0 {
		resp.Components = make(map[string]string, len(s.checks))
		for name, status := range s.checks {
			resp.Components[name] = status()
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleTrigger starts a run for a change.
func (s *Server) handleTrigger(c echo.Context) error {
	var req TriggerRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	tr := orchestrator.TriggerRequest{
		Trigger: pipeline.Trigger{
			Kind:       pipeline.TriggerKind(req.Kind),
			Branch:     req.Branch,
			Actor:      req.Actor,
			Production: req.Production,
		},
		Base:  req.Base,
		Head:  req.Head,
		Paths: req.Paths,
	}
	for _, cm := range req.Commits {
		tr.Commits = append(tr.Commits, pipeline.Commit{SHA: cm.SHA, Subject: cm.Subject, Body: cm.Body})
	}

	run, err := s.runs.Trigger(c.Request().Context(), tr)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// handleList returns runs filtered by branch, lane, status and limit.
func (s *Server) handleList(c echo.Context) error {
	f := ledger.Filter{
		Branch: c.QueryParam("branch"),
		Lane:   c.QueryParam("lane"),
		Limit:  defaultListLimit,
	}
	if raw := c.QueryParam("status"); raw != "" {
		st, err := pipeline.ParseStatus(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Status = st
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}

	runs, err := s.runs.List(c.Request().Context(), f)
	if err != nil {
		return s.apiError(c, err)
	}
	if runs == nil {
		runs = []*pipeline.Run{}
	}
	return c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGet(c echo.Context) error {
	run, err := s.runs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleHistory(c echo.Context) error {
	id := c.Param("id")
	ts, err := s.runs.History(c.Request().Context(), id)
	if err != nil {
		return s.apiError(c, err)
	}
	if ts == nil {
		ts = []pipeline.Transition{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{RunID: id, Transitions: ts})
}

// handleListApprovals returns decisions for ?stage=, production by default.
func (s *Server) handleListApprovals(c echo.Context) error {
	stage := pipeline.StageProduction
	if raw := c.QueryParam("stage"); raw != "" {
		st, err := pipeline.ParseStage(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		stage = st
	}

	id := c.Param("id")
	ctx := c.Request().Context()
	if _, err := s.runs.Get(ctx, id); err != nil {
		return s.apiError(c, err)
	}
	as, err := s.runs.Approvals(ctx, id, stage)
	if err != nil {
		return s.apiError(c, err)
	}
	if as == nil {
		as = []pipeline.Approval{}
	}
	return c.JSON(http.StatusOK, ApprovalsResponse{RunID: id, Stage: stage, Approvals: as})
}

// handleApprove records a reviewer decision.
func (s *Server) handleApprove(c echo.Context) error {
	var req ApproveRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	a, err := s.runs.Approve(c.Request().Context(), orchestrator.ApproveRequest{
		RunID:    c.Param("id"),
		Stage:    pipeline.Stage(req.Stage),
		Approver: req.Approver,
		Decision: pipeline.Decision(req.Decision),
		Comment:  req.Comment,
	})
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

// handleCancel stops a run and returns its final state.
func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}

	run, err := s.runs.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
