package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

type staticSource struct {
	snap Snapshot
	err  error
}

func (s staticSource) Snapshot(context.Context) (Snapshot, error) { return s.snap, s.err }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Active: []string{"push-main-aaaaaaa-1"},
		Recent: []*pipeline.Run{
			{
				ID:        "push-main-aaaaaaa-1",
				Trigger:   pipeline.Trigger{Kind: pipeline.TriggerPush, Branch: "main"},
				Status:    pipeline.StatusRunning,
				CreatedAt: fixedNow.Add(-2 * time.Minute),
				Stages: map[pipeline.Stage]*pipeline.StageResult{
					pipeline.StageCI:         {Status: pipeline.StatusSucceeded},
					pipeline.StageProduction: {Status: pipeline.StatusPending, Reason: "awaiting 1 approval"},
				},
			},
			{ID: "push-main-bbbbbbb-1", Status: pipeline.StatusSucceeded, Terminal: true, CreatedAt: fixedNow.Add(-time.Hour)},
			{ID: "push-main-ccccccc-1", Status: pipeline.StatusFailed, Terminal: true, CreatedAt: fixedNow.Add(-2 * time.Hour)},
		},
	}
}

func newTestModel(src Source) Model {
	m := NewModel(src, "http://localhost:8420", 5*time.Second)
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestModel_Init(t *testing.T) {
	assert.NotNil(t, newTestModel(staticSource{}).Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	updated, cmd := newTestModel(staticSource{}).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshFetches(t *testing.T) {
	src := staticSource{snap: sampleSnapshot()}
	_, cmd := newTestModel(src).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	require.NotNil(t, cmd)

	msg := cmd()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok)
	assert.Len(t, snap.Recent, 3)
}

func TestModel_Update_Snapshot(t *testing.T) {
	m := newTestModel(staticSource{})
	for i := 0; i < historySize+5; i++ {
		updated, _ := m.Update(snapshotMsg(sampleSnapshot()))
		m = updated.(Model)
	}
	assert.Len(t, m.activeHistory, historySize)
	assert.Equal(t, fixedNow, m.lastUpdate)

	view := m.View()
	assert.Contains(t, view, "conveyor Monitor")
	assert.Contains(t, view, "push-main-aaaaaaa-1")
	assert.Contains(t, view, "awaiting 1 approval")
	assert.Contains(t, view, "50%")
}

func TestModel_Update_Error(t *testing.T) {
	m := newTestModel(staticSource{})
	updated, _ := m.Update(errMsg{errors.New("connection refused")})
	m = updated.(Model)

	view := m.View()
	assert.Contains(t, view, "Cannot reach the conveyor server")
	assert.Contains(t, view, "connection refused")

	updated, _ = m.Update(snapshotMsg(Snapshot{}))
	assert.NoError(t, updated.(Model).err)
}

func TestSnapshot_Aggregates(t *testing.T) {
	snap := sampleSnapshot()
	assert.Equal(t, map[pipeline.Status]int{
		pipeline.StatusRunning:   1,
		pipeline.StatusSucceeded: 1,
		pipeline.StatusFailed:    1,
	}, snap.Counts())
	assert.InDelta(t, 0.5, snap.SuccessRatio(), 1e-9)
	require.Len(t, snap.AwaitingApproval(), 1)
	assert.Equal(t, "push-main-aaaaaaa-1", snap.AwaitingApproval()[0].ID)

	assert.Equal(t, 1.0, Snapshot{}.SuccessRatio())
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{3*time.Hour + 10*time.Minute, "3h 10m"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAge(fixedNow.Add(-tt.age), fixedNow))
	}
}
