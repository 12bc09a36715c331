package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newRun(id, branch string, created time.Time) *pipeline.Run {
	return &pipeline.Run{
		ID:        id,
		Lane:      branch,
		Trigger:   pipeline.Trigger{Kind: pipeline.TriggerPush, Branch: branch, Actor: "dev"},
		Affected:  []pipeline.AffectedProject{{Project: "app-a", Reason: pipeline.ReasonDirect}},
		Status:    pipeline.StatusRunning,
		CreatedAt: created,
		Stages: map[pipeline.Stage]*pipeline.StageResult{
			pipeline.StageCI: {Stage: pipeline.StageCI, Status: pipeline.StatusPending},
		},
	}
}

func TestLedger_CreateGet(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	created, err := l.Create(ctx, newRun("push-main-abc1234-1", "main", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.Version)

	got, err := l.Get(ctx, "push-main-abc1234-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, pipeline.StatusPending, got.Stages[pipeline.StageCI].Status)
	assert.Equal(t, "app-a", got.Affected[0].Project)

	_, err = l.Create(ctx, newRun("push-main-abc1234-1", "main", time.Now()))
	assert.ErrorIs(t, err, ErrRunExists)

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)
}

func TestLedger_UpdateRecordsHistory(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	_, err := l.Create(ctx, newRun("r1", "main", time.Now()))
	require.NoError(t, err)

	after, ts, err := l.Update(ctx, "r1", func(r *pipeline.Run) error {
		st := r.Stage(pipeline.StageCI)
		st.Status = pipeline.StatusRunning
		st.Outcomes = map[string]*pipeline.Outcome{"app-a": {Status: pipeline.StatusRunning}}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), after.Version)
	require.Len(t, ts, 2)
	assert.Equal(t, pipeline.StageCI, ts[0].Stage)
	assert.Equal(t, "app-a", ts[1].Project)

	history, err := l.History(ctx, "r1")
	require.NoError(t, err)
	// creation: run + ci stage, then the update above
	require.Len(t, history, 4)
	assert.Equal(t, pipeline.StatusRunning, history[0].To)
	assert.Equal(t, uint64(1), history[0].Version)
	assert.Equal(t, uint64(2), history[3].Version)
}

func TestLedger_UpdateAbortAndNoChange(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	_, err := l.Create(ctx, newRun("r1", "main", time.Now()))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, _, err = l.Update(ctx, "r1", func(r *pipeline.Run) error {
		r.Status = pipeline.StatusFailed
		return boom
	})
	require.ErrorIs(t, err, boom)

	run, ts, err := l.Update(ctx, "r1", func(r *pipeline.Run) error { return ErrNoChange })
	require.NoError(t, err)
	assert.Empty(t, ts)
	assert.Equal(t, uint64(1), run.Version)
	assert.Equal(t, pipeline.StatusRunning, run.Status)

	_, _, err = l.Update(ctx, "missing", func(r *pipeline.Run) error { return nil })
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)
}

func TestLedger_ConcurrentUpdates(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	run := newRun("r1", "main", time.Now())
	run.Stage(pipeline.StageCI).Outcomes = map[string]*pipeline.Outcome{}
	_, err := l.Create(ctx, run)
	require.NoError(t, err)

	projects := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, p := range projects {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, _, err := l.Update(ctx, "r1", func(r *pipeline.Run) error {
				st := r.Stage(pipeline.StageCI)
				if st.Outcomes == nil {
					st.Outcomes = map[string]*pipeline.Outcome{}
				}
				st.Outcomes[p] = &pipeline.Outcome{Status: pipeline.StatusSucceeded}
				return nil
			})
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	got, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, got.Stages[pipeline.StageCI].Outcomes, len(projects))
	assert.Equal(t, uint64(len(projects)+1), got.Version)
}

func TestLedger_ListAndNonTerminal(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, spec := range []struct{ id, branch string }{
		{"r1", "main"}, {"r2", "feature/x"}, {"r3", "main"},
	} {
		_, err := l.Create(ctx, newRun(spec.id, spec.branch, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, _, err := l.Update(ctx, "r1", func(r *pipeline.Run) error {
		r.Finish(pipeline.StatusSucceeded, "")
		return nil
	})
	require.NoError(t, err)

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID)

	onMain, err := l.List(ctx, Filter{Branch: "main"})
	require.NoError(t, err)
	assert.Len(t, onMain, 2)

	done, err := l.List(ctx, Filter{Status: pipeline.StatusSucceeded})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "r1", done[0].ID)

	limited, err := l.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	open, err := l.NonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "r2", open[0].ID)
	assert.Equal(t, "r3", open[1].ID)
}

func TestLedger_Approvals(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	_, err := l.Create(ctx, newRun("r1", "main", time.Now()))
	require.NoError(t, err)

	a := pipeline.Approval{RunID: "r1", Stage: pipeline.StageProduction, Approver: "alice", Decision: pipeline.DecisionApproved}
	require.NoError(t, l.RecordApproval(ctx, a))

	a.Decision = pipeline.DecisionRejected
	assert.ErrorIs(t, l.RecordApproval(ctx, a), ErrApprovalExists)

	require.NoError(t, l.RecordApproval(ctx, pipeline.Approval{
		RunID: "r1", Stage: pipeline.StageProduction, Approver: "bob", Decision: pipeline.DecisionApproved,
	}))

	got, err := l.Approvals(ctx, "r1", pipeline.StageProduction)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, pipeline.DecisionApproved, got[0].Decision)

	staging, err := l.Approvals(ctx, "r1", pipeline.StageStaging)
	require.NoError(t, err)
	assert.Empty(t, staging)

	err = l.RecordApproval(ctx, pipeline.Approval{RunID: "ghost", Stage: pipeline.StageProduction, Approver: "a", Decision: pipeline.DecisionApproved})
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)
}

func TestLedger_ApprovalsCorruptRecord(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	_, err := l.Create(ctx, newRun("r1", "main", time.Now()))
	require.NoError(t, err)
	require.NoError(t, l.RecordApproval(ctx, pipeline.Approval{
		RunID: "r1", Stage: pipeline.StageProduction, Approver: "alice", Decision: pipeline.DecisionApproved,
	}))
	require.NoError(t, l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(approvalPrefix("r1", pipeline.StageProduction), "zed"...), []byte("{not json"))
	}))

	got, err := l.Approvals(ctx, "r1", pipeline.StageProduction)
	require.Error(t, err)
	assert.Nil(t, got)
}

func TestLedger_Outbox(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	require.NoError(t, l.Stash(ctx, "nats", map[string][]byte{
		"002": []byte("second"),
		"001": []byte("first"),
	}))
	require.NoError(t, l.Stash(ctx, "github", map[string][]byte{"001": []byte("other")}))

	got, err := l.Unstash(ctx, "nats")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, got)

	again, err := l.Unstash(ctx, "nats")
	require.NoError(t, err)
	assert.Empty(t, again)

	other, err := l.Unstash(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("other")}, other)
}

func TestLedger_NextAttempt(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := l.NextAttempt(ctx, pipeline.TriggerPush, "main", "abc")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := l.NextAttempt(ctx, pipeline.TriggerManual, "main", "abc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLedger_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := Open(Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	score := 0.7
	run := newRun("r1", "main", time.Now().UTC().Truncate(time.Second))
	run.RiskScore = &score
	run.Release = &pipeline.ReleaseVersion{Previous: "1.0.0", Version: "1.1.0", Bump: pipeline.BumpMinor}
	_, err = l.Create(ctx, run)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(Config{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	got, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.RiskScore)
	assert.Equal(t, 0.7, *got.RiskScore)
	assert.Equal(t, "1.1.0", got.Release.Version)
	assert.True(t, run.CreatedAt.Equal(got.CreatedAt))
}
