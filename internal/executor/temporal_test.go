package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

func TestTemporalBackend_Success(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	req := testRequest()

	c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == req.Key() && o.TaskQueue == "conveyor-stages"
	}), "StageWorkflow", mock.Anything).Return(run, nil)
	run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		d := args.Get(1).(*pipeline.Detail)
		d.Artifact = "registry/app-a:abc1234"
	}).Return(nil)

	detail, err := NewTemporalBackend(c, "conveyor-stages", "StageWorkflow").Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "registry/app-a:abc1234", detail.Artifact)
	c.AssertExpectations(t)
	run.AssertExpectations(t)
}

func TestTemporalBackend_NonRetryableIsDeterministic(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}

	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, "StageWorkflow", mock.Anything).Return(run, nil)
	run.On("Get", mock.Anything, mock.Anything).
		Return(temporal.NewNonRetryableApplicationError("tests failed", "TestFailure", nil))

	_, err := NewTemporalBackend(c, "q", "StageWorkflow").Execute(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, pipeline.IsDeterministic(err))
}

func TestTemporalBackend_StartFailureIsTransient(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, "StageWorkflow", mock.Anything).
		Return(nil, errors.New("frontend unavailable"))

	_, err := NewTemporalBackend(c, "q", "StageWorkflow").Execute(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, pipeline.IsTransient(err))
}

func TestTemporalBackend_CancelsWorkflow(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	ctx, cancel := context.WithCancel(context.Background())

	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, "StageWorkflow", mock.Anything).Return(run, nil)
	run.On("Get", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(context.Canceled)
	run.On("GetID").Return("wf-id")
	run.On("GetRunID").Return("run-id")
	c.On("CancelWorkflow", mock.Anything, "wf-id", "run-id").Return(nil)

	_, err := NewTemporalBackend(c, "q", "StageWorkflow").Execute(ctx, testRequest())
	require.ErrorIs(t, err, context.Canceled)
	c.AssertCalled(t, "CancelWorkflow", mock.Anything, "wf-id", "run-id")
}
