package http

import (
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// TriggerRequest is the request body for POST /api/v1/runs.
type TriggerRequest struct {
	Kind       string          `json:"kind" validate:"required,oneof=push pull_request manual scheduled"`
	Branch     string          `json:"branch" validate:"required,max=255"`
	Actor      string          `json:"actor" validate:"max=255"`
	Base       string          `json:"base" validate:"max=64"`
	Head       string          `json:"head" validate:"required,max=64"`
	Production bool            `json:"production"`
	Paths      []string        `json:"paths" validate:"omitempty,dive,required"`
	Commits    []CommitRequest `json:"commits" validate:"omitempty,max=1000,dive"`
}

// CommitRequest is one commit of a TriggerRequest.
type CommitRequest struct {
	SHA     string `json:"sha" validate:"required,max=64"`
	Subject string `json:"subject" validate:"max=1000"`
	Body    string `json:"body"`
}

// ApproveRequest is the request body for POST /api/v1/runs/:id/approvals.
type ApproveRequest struct {
	Stage    string `json:"stage" validate:"required,oneof=ci staging production release"`
	Approver string `json:"approver" validate:"required,max=255"`
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Comment  string `json:"comment" validate:"max=2000"`
}

// CancelRequest is the request body for POST /api/v1/runs/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ListRunsResponse is the response body for GET /api/v1/runs.
type ListRunsResponse struct {
	Runs  []*pipeline.Run `json:"runs"`
	Count int             `json:"count"`
}

// HistoryResponse is the response body for GET /api/v1/runs/:id/history.
type HistoryResponse struct {
	RunID       string                `json:"run_id"`
	Transitions []pipeline.Transition `json:"transitions"`
}

// ApprovalsResponse is the response body for GET /api/v1/runs/:id/approvals.
type ApprovalsResponse struct {
	RunID     string              `json:"run_id"`
	Stage     pipeline.Stage      `json:"stage"`
	Approvals []pipeline.Approval `json:"approvals"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string   `json:"status"`
	ActiveRuns []string `json:"active_runs"`

	// Components maps optional subsystems to their state, e.g. telemetry.
	Components map[string]string `json:"components,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Message string `json:"message"`
}
