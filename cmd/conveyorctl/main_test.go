package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/fyrsmithlabs/conveyor/internal/http"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

func sampleRun() *pipeline.Run {
	return &pipeline.Run{
		ID:       "manual-main-abc1234-1",
		Trigger:  pipeline.Trigger{Kind: pipeline.TriggerManual, Branch: "main", Actor: "dev"},
		Changes:  pipeline.ChangeSet{Head: "abc1234"},
		Affected: []pipeline.AffectedProject{{Project: "web", Reason: pipeline.ReasonDirect}},
		Stages: map[pipeline.Stage]*pipeline.StageResult{
			pipeline.StageCI: {
				Stage:    pipeline.StageCI,
				Status:   pipeline.StatusSucceeded,
				Outcomes: map[string]*pipeline.Outcome{"web": {Status: pipeline.StatusSucceeded, Detail: pipeline.Detail{Message: "42 tests"}}},
			},
			pipeline.StageProduction: {Stage: pipeline.StageProduction, Status: pipeline.StatusPending, Reason: "awaiting approval"},
		},
		Status:    pipeline.StatusRunning,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// run executes the root command against srv and returns its output.
func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	jsonOut = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--server", srv.URL))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTrigger(t *testing.T) {
	var got api.TriggerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/runs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(sampleRun())
	}))
	defer srv.Close()

	out, err := run(t, srv, "trigger", "abc1234", "--branch", "main", "--actor", "dev", "--production")
	require.NoError(t, err)

	assert.Equal(t, "manual", got.Kind)
	assert.Equal(t, "abc1234", got.Head)
	assert.True(t, got.Production)
	assert.Contains(t, out, "manual-main-abc1234-1")
	assert.Contains(t, out, "awaiting approval")
	assert.Contains(t, out, "42 tests")
}

func TestStatus_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/manual-main-abc1234-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(sampleRun())
	}))
	defer srv.Close()

	out, err := run(t, srv, "status", "manual-main-abc1234-1", "--json")
	require.NoError(t, err)

	var decoded pipeline.Run
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, pipeline.StatusRunning, decoded.Status)
}

func TestList_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("branch"))
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(api.ListRunsResponse{Runs: []*pipeline.Run{sampleRun()}, Count: 1})
	}))
	defer srv.Close()

	out, err := run(t, srv, "list", "--branch", "main", "--status", "failed", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "manual-main-abc1234-1")
}

func TestApprove_Reject(t *testing.T) {
	var got api.ApproveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/r-1/approvals", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(pipeline.Approval{
			RunID: "r-1", Stage: pipeline.StageProduction, Approver: "alice", Decision: pipeline.DecisionRejected,
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "approve", "r-1", "--as", "alice", "--reject", "--comment", "smoke test failed")
	require.NoError(t, err)
	assert.Equal(t, "rejected", got.Decision)
	assert.Equal(t, "production", got.Stage)
	assert.Equal(t, "smoke test failed", got.Comment)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "rejected")
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Message: "approver is not a configured reviewer"})
	}))
	defer srv.Close()

	_, err := run(t, srv, "cancel", "r-1", "--reason", "obsolete")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "approver is not a configured reviewer", apiErr.Message)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok", ActiveRuns: []string{"r-1", "r-2"}})
	}))
	defer srv.Close()

	out, err := run(t, srv, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "r-2")
}

func TestRenderHistory(t *testing.T) {
	var out bytes.Buffer
	renderHistory(&out, []pipeline.Transition{
		{RunID: "r-1", From: "", To: pipeline.StatusRunning},
		{RunID: "r-1", Stage: pipeline.StageCI, Project: "web", From: pipeline.StatusPending, To: pipeline.StatusSucceeded},
	})
	assert.Contains(t, out.String(), "run")
	assert.Contains(t, out.String(), "ci/web")
	assert.Contains(t, out.String(), "succeeded")
}
