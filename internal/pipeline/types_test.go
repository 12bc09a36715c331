package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	t.Run("accepts known stages case-insensitively", func(t *testing.T) {
		st, err := ParseStage(" Production ")
		require.NoError(t, err)
		assert.Equal(t, StageProduction, st)
	})

	t.Run("rejects unknown stage", func(t *testing.T) {
		_, err := ParseStage("qa")
		assert.Error(t, err)
	})
}

func TestStage_Predecessor(t *testing.T) {
	prev, ok := StageProduction.Predecessor()
	assert.True(t, ok)
	assert.Equal(t, StageStaging, prev)

	prev, ok = StageRelease.Predecessor()
	assert.True(t, ok)
	assert.Equal(t, StageCI, prev)

	_, ok = StageCI.Predecessor()
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestRun_Clone(t *testing.T) {
	score := 0.5
	now := time.Now()
	run := &Run{
		ID:        "push-main-abc1234-1",
		Changes:   ChangeSet{Paths: []string{"a/x.go"}},
		Affected:  []AffectedProject{{Project: "a", Reason: ReasonDirect}},
		RiskScore: &score,
		Stages: map[Stage]*StageResult{
			StageCI: {
				Stage:     StageCI,
				Status:    StatusRunning,
				StartedAt: &now,
				Outcomes:  map[string]*Outcome{"a": {Status: StatusRunning}},
			},
		},
	}

	clone := run.Clone()
	clone.Changes.Paths[0] = "b/y.go"
	clone.Stages[StageCI].Outcomes["a"].Status = StatusFailed
	*clone.RiskScore = 0.9

	assert.Equal(t, "a/x.go", run.Changes.Paths[0])
	assert.Equal(t, StatusRunning, run.Stages[StageCI].Outcomes["a"].Status)
	assert.Equal(t, 0.5, *run.RiskScore)
}

func TestRun_StageCreatesPending(t *testing.T) {
	run := &Run{}
	res := run.Stage(StageStaging)
	assert.Equal(t, StatusPending, res.Status)
	assert.Same(t, res, run.Stage(StageStaging))
}

func TestTransitions(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	before := &Run{
		ID:     "r1",
		Status: StatusRunning,
		Stages: map[Stage]*StageResult{
			StageCI: {Stage: StageCI, Status: StatusRunning, Outcomes: map[string]*Outcome{
				"a": {Status: StatusRunning},
				"b": {Status: StatusRunning},
			}},
		},
	}
	after := before.Clone()
	after.Version = 7
	after.Stages[StageCI].Status = StatusFailed
	after.Stages[StageCI].Outcomes["b"].Status = StatusFailed
	after.Finish(StatusFailed, "ci failed")

	got := Transitions(before, after, at)
	require.Len(t, got, 3)
	assert.Equal(t, Transition{RunID: "r1", Version: 7, From: StatusRunning, To: StatusFailed, At: at}, got[0])
	assert.Equal(t, StageCI, got[1].Stage)
	assert.Empty(t, got[1].Project)
	assert.Equal(t, "b", got[2].Project)
	assert.Equal(t, StatusFailed, got[2].To)
}

func TestTransitions_FromNothing(t *testing.T) {
	run := &Run{ID: "r1", Status: StatusPending}
	run.Stage(StageCI)
	got := Transitions(nil, run, time.Now())
	require.Len(t, got, 2)
	assert.Equal(t, Status(""), got[0].From)
	assert.Equal(t, StageCI, got[1].Stage)
}

func TestErrors(t *testing.T) {
	t.Run("superseded matches sentinel", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &SupersededError{RunID: "a", By: "b"})
		assert.True(t, errors.Is(err, ErrSuperseded))
	})

	t.Run("classifies collaborator errors", func(t *testing.T) {
		transient := &TransientCollaboratorError{Operation: "ci/app", Err: errors.New("timeout")}
		deterministic := &DeterministicCollaboratorError{Operation: "ci/app", Detail: "tests failed"}

		assert.True(t, IsTransient(fmt.Errorf("x: %w", transient)))
		assert.False(t, IsDeterministic(transient))
		assert.True(t, IsDeterministic(deterministic))
		assert.Contains(t, deterministic.Error(), "tests failed")
	})

	t.Run("configuration error formats field", func(t *testing.T) {
		err := NewConfigurationError("projects[1].depends_on", "unknown project %q", "ghost")
		assert.True(t, IsConfiguration(err))
		assert.Equal(t, `configuration error: projects[1].depends_on: unknown project "ghost"`, err.Error())
	})
}
