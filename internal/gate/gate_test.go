package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// MockGate is a mock implementation of Gate.
type MockGate struct {
	mock.Mock
	name string
}

func NewMockGate(name string) *MockGate { return &MockGate{name: name} }

func (m *MockGate) Name() string { return m.name }

func (m *MockGate) Evaluate(ctx context.Context, run *pipeline.Run, stage pipeline.Stage) (Verdict, error) {
	args := m.Called(ctx, run, stage)
	return args.Get(0).(Verdict), args.Error(1)
}

// MockApprovalStore is a mock implementation of ApprovalStore.
type MockApprovalStore struct {
	mock.Mock
}

func (m *MockApprovalStore) Approvals(ctx context.Context, runID string, stage pipeline.Stage) ([]pipeline.Approval, error) {
	args := m.Called(ctx, runID, stage)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pipeline.Approval), args.Error(1)
}

func runWith(stages map[pipeline.Stage]pipeline.Status) *pipeline.Run {
	r := &pipeline.Run{ID: "run-1"}
	for s, st := range stages {
		r.Stage(s).Status = st
	}
	return r
}

func approval(who string, d pipeline.Decision) pipeline.Approval {
	return pipeline.Approval{RunID: "run-1", Stage: pipeline.StageProduction, Approver: who, Decision: d}
}

func TestAutomatic(t *testing.T) {
	ctx := context.Background()

	v, err := Automatic{}.Evaluate(ctx, runWith(map[pipeline.Stage]pipeline.Status{pipeline.StageCI: pipeline.StatusSucceeded}), pipeline.StageStaging)
	require.NoError(t, err)
	assert.Equal(t, KindProceed, v.Kind)

	v, _ = Automatic{}.Evaluate(ctx, runWith(map[pipeline.Stage]pipeline.Status{pipeline.StageCI: pipeline.StatusFailed}), pipeline.StageStaging)
	assert.Equal(t, KindReject, v.Kind)
	assert.Equal(t, "ci failed", v.Reason)

	v, _ = Automatic{}.Evaluate(ctx, runWith(nil), pipeline.StageProduction)
	assert.Equal(t, KindReject, v.Kind)

	v, _ = Automatic{}.Evaluate(ctx, runWith(nil), pipeline.StageCI)
	assert.Equal(t, KindProceed, v.Kind)
}

func TestApproval(t *testing.T) {
	tests := []struct {
		name      string
		min       int
		approvals []pipeline.Approval
		want      Kind
		reason    string
	}{
		{name: "no approvals", min: 1, want: KindWait, reason: "0/1"},
		{name: "approved by reviewer", min: 1, approvals: []pipeline.Approval{approval("alice", pipeline.DecisionApproved)}, want: KindProceed},
		{name: "outsider ignored", min: 1, approvals: []pipeline.Approval{approval("mallory", pipeline.DecisionApproved)}, want: KindWait},
		{name: "rejected", min: 1, approvals: []pipeline.Approval{
			approval("alice", pipeline.DecisionApproved),
			{RunID: "run-1", Approver: "bob", Decision: pipeline.DecisionRejected, Comment: "not during freeze"},
		}, want: KindReject, reason: "rejected by bob: not during freeze"},
		{name: "needs two", min: 2, approvals: []pipeline.Approval{approval("alice", pipeline.DecisionApproved)}, want: KindWait, reason: "1/2"},
		{name: "two distinct", min: 2, approvals: []pipeline.Approval{
			approval("alice", pipeline.DecisionApproved),
			approval("bob", pipeline.DecisionApproved),
		}, want: KindProceed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &MockApprovalStore{}
			store.On("Approvals", mock.Anything, "run-1", pipeline.StageProduction).Return(tt.approvals, nil)

			g := NewApproval([]string{"alice", "bob"}, tt.min, store)
			v, err := g.Evaluate(context.Background(), runWith(nil), pipeline.StageProduction)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Kind)
			assert.Contains(t, v.Reason, tt.reason)
			assert.Zero(t, v.RecheckAfter)
			store.AssertExpectations(t)
		})
	}
}

func TestApproval_StoreError(t *testing.T) {
	store := &MockApprovalStore{}
	store.On("Approvals", mock.Anything, "run-1", pipeline.StageProduction).Return(nil, errors.New("disk gone"))

	_, err := NewApproval([]string{"alice"}, 0, store).Evaluate(context.Background(), runWith(nil), pipeline.StageProduction)
	require.Error(t, err)
}

func TestWaitTimer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := &WaitTimer{Wait: 10 * time.Minute, Now: func() time.Time { return now }}

	run := runWith(nil)
	v, _ := g.Evaluate(context.Background(), run, pipeline.StageStaging)
	assert.Equal(t, KindWait, v.Kind)
	assert.Equal(t, 10*time.Minute, v.RecheckAfter)

	run.Stage(pipeline.StageStaging).EligibleAt = pipeline.TimePtr(now.Add(-4 * time.Minute))
	v, _ = g.Evaluate(context.Background(), run, pipeline.StageStaging)
	assert.Equal(t, KindWait, v.Kind)
	assert.Equal(t, 6*time.Minute, v.RecheckAfter)

	run.Stage(pipeline.StageStaging).EligibleAt = pipeline.TimePtr(now.Add(-10 * time.Minute))
	v, _ = g.Evaluate(context.Background(), run, pipeline.StageStaging)
	assert.Equal(t, KindProceed, v.Kind)
}

func TestController_Composition(t *testing.T) {
	c := &Controller{gates: map[pipeline.Stage][]Gate{}, approvals: map[pipeline.Stage]*Approval{}}
	first := NewMockGate("first")
	second := NewMockGate("second")
	third := NewMockGate("third")
	c.Register(pipeline.StageStaging, first)
	c.Register(pipeline.StageStaging, second)
	c.Register(pipeline.StageStaging, third)

	first.On("Evaluate", mock.Anything, mock.Anything, pipeline.StageStaging).Return(Proceed(), nil)
	second.On("Evaluate", mock.Anything, mock.Anything, pipeline.StageStaging).Return(Wait("timer", 5*time.Minute), nil)
	third.On("Evaluate", mock.Anything, mock.Anything, pipeline.StageStaging).Return(Wait("approval", 0), nil)

	v, err := c.Evaluate(context.Background(), runWith(nil), pipeline.StageStaging)
	require.NoError(t, err)
	assert.Equal(t, KindWait, v.Kind)
	assert.Equal(t, "approval; timer", v.Reason)
	assert.Equal(t, 5*time.Minute, v.RecheckAfter)
	first.AssertExpectations(t)
}

func TestController_RejectShortCircuits(t *testing.T) {
	c := &Controller{gates: map[pipeline.Stage][]Gate{}, approvals: map[pipeline.Stage]*Approval{}}
	reject := NewMockGate("automatic")
	never := NewMockGate("never")
	c.Register(pipeline.StageProduction, reject)
	c.Register(pipeline.StageProduction, never)

	reject.On("Evaluate", mock.Anything, mock.Anything, pipeline.StageProduction).Return(Reject("staging failed"), nil)

	v, err := c.Evaluate(context.Background(), runWith(nil), pipeline.StageProduction)
	require.NoError(t, err)
	assert.Equal(t, KindReject, v.Kind)
	assert.Equal(t, "automatic gate: staging failed", v.Reason)
	never.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything)
}

func TestNewController_FromConfig(t *testing.T) {
	cfg := config.GatesConfig{
		Staging: config.GateConfig{Wait: config.Duration(time.Minute)},
		Production: config.GateConfig{
			RequireApproval: true,
			Reviewers:       []string{"alice"},
			MinApprovals:    1,
		},
	}
	store := &MockApprovalStore{}
	c := NewController(cfg, store, nil)

	assert.Empty(t, c.Gates(pipeline.StageCI))
	assert.Equal(t, []string{"automatic", "wait-timer"}, c.Gates(pipeline.StageStaging))
	assert.Equal(t, []string{"automatic", "required-approval"}, c.Gates(pipeline.StageProduction))
	assert.Equal(t, []string{"automatic"}, c.Gates(pipeline.StageRelease))

	assert.True(t, c.RequiresApproval(pipeline.StageProduction))
	assert.False(t, c.RequiresApproval(pipeline.StageStaging))
	assert.True(t, c.IsReviewer(pipeline.StageProduction, "alice"))
	assert.False(t, c.IsReviewer(pipeline.StageProduction, "mallory"))
	assert.False(t, c.IsReviewer(pipeline.StageStaging, "alice"))
}
