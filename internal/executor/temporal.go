package executor

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// TemporalBackend runs one workflow per collaborator call. The workflow id
// is derived from the request key, so a retried or resumed call attaches to
// the workflow already running instead of starting a second one.
type TemporalBackend struct {
	client    client.Client
	taskQueue string
	workflow  string
}

// NewTemporalBackend returns a backend using an existing client.
func NewTemporalBackend(c client.Client, taskQueue, workflow string) *TemporalBackend {
	return &TemporalBackend{client: c, taskQueue: taskQueue, workflow: workflow}
}

// DialTemporal connects to the Temporal frontend described by cfg.
func DialTemporal(cfg config.TemporalExecutorConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace})
	if err != nil {
		return nil, fmt.Errorf("connecting to temporal %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// Name implements Backend.
func (b *TemporalBackend) Name() string { return "temporal" }

// Execute implements Backend. Cancelling ctx cancels the workflow.
func (b *TemporalBackend) Execute(ctx context.Context, req Request) (pipeline.Detail, error) {
	opts := client.StartWorkflowOptions{
		ID:        req.Key(),
		TaskQueue: b.taskQueue,
	}
	// Use a detached context so a start request is not aborted halfway.
	run, err := b.client.ExecuteWorkflow(context.WithoutCancel(ctx), opts, b.workflow, req)
	if err != nil {
		return pipeline.Detail{}, &pipeline.TransientCollaboratorError{Operation: "temporal.start", Err: err}
	}

	var detail pipeline.Detail
	err = run.Get(ctx, &detail)
	if err == nil {
		return detail, nil
	}

	if ctx.Err() != nil {
		if cerr := b.client.CancelWorkflow(context.WithoutCancel(ctx), run.GetID(), run.GetRunID()); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return detail, fmt.Errorf("temporal workflow %s: %w", run.GetID(), errors.Join(ctx.Err(), err))
	}

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		msg := appErr.Message()
		return pipeline.Detail{Message: msg}, &pipeline.DeterministicCollaboratorError{
			Operation: "temporal.workflow",
			Detail:    msg,
			Err:       err,
		}
	}
	return detail, &pipeline.TransientCollaboratorError{Operation: "temporal.workflow", Err: err}
}
