package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

const testSecret = "s3cret"

var (
	headSHA = strings.Repeat("a", 40)
	baseSHA = strings.Repeat("b", 40)
)

type recordingTriggerer struct {
	mu   sync.Mutex
	reqs []orchestrator.TriggerRequest
	err  error
}

func (r *recordingTriggerer) Trigger(_ context.Context, req orchestrator.TriggerRequest) (*pipeline.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.reqs = append(r.reqs, req)
	return &pipeline.Run{ID: orchestrator.RunID(req.Trigger.Kind, req.Trigger.Branch, req.Head, len(r.reqs))}, nil
}

func newReceiver(t *testing.T, tr Triggerer) *Receiver {
	t.Helper()
	rc, err := NewReceiver(tr, Config{Secret: config.Secret(testSecret), Rate: 100, Burst: 100}, logging.Nop())
	require.NoError(t, err)
	return rc
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, rc http.Handler, event string, payload any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	req.Header.Set("X-Hub-Signature-256", sign(body, secret))
	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, req)
	return rec
}

func pushPayload(ref string, commits int) map[string]any {
	cs := make([]map[string]any, 0, commits)
	for i := 0; i < commits; i++ {
		cs = append(cs, map[string]any{
			"id":       headSHA,
			"message":  "feat: add export\n\nlonger description",
			"added":    []string{"apps/web/new.go"},
			"modified": []string{"packages/shared/util.go"},
			"removed":  []string{},
		})
	}
	return map[string]any{
		"ref":     ref,
		"before":  baseSHA,
		"after":   headSHA,
		"deleted": false,
		"commits": cs,
		"pusher":  map[string]any{"name": "dev"},
		"sender":  map[string]any{"login": "dev-login"},
	}
}

func TestNewReceiver_RequiresSecret(t *testing.T) {
	_, err := NewReceiver(&recordingTriggerer{}, Config{}, nil)
	require.Error(t, err)
	assert.True(t, pipeline.IsConfiguration(err))
}

func TestReceiver_Push(t *testing.T) {
	tr := &recordingTriggerer{}
	rc := newReceiver(t, tr)

	rec := deliver(t, rc, "push", pushPayload("refs/heads/main", 1), testSecret)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "d-1", resp.Delivery)
	assert.Equal(t, "push-main-aaaaaaa-1", resp.RunID)

	require.Len(t, tr.reqs, 1)
	got := tr.reqs[0]
	assert.Equal(t, pipeline.TriggerPush, got.Trigger.Kind)
	assert.Equal(t, "dev", got.Trigger.Actor)
	assert.Equal(t, baseSHA, got.Base)
	assert.Equal(t, []string{"apps/web/new.go", "packages/shared/util.go"}, got.Paths)
	require.Len(t, got.Commits, 1)
	assert.Equal(t, "feat: add export", got.Commits[0].Subject)
	assert.Equal(t, "longer description", got.Commits[0].Body)
}

func TestReceiver_PushTruncatedUsesChangeSource(t *testing.T) {
	tr := &recordingTriggerer{}
	rc := newReceiver(t, tr)

	rec := deliver(t, rc, "push", pushPayload("refs/heads/main", pushCommitLimit), testSecret)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, tr.reqs, 1)
	assert.Nil(t, tr.reqs[0].Paths)
	assert.Len(t, tr.reqs[0].Commits, pushCommitLimit)
}

func TestReceiver_IgnoredDeliveries(t *testing.T) {
	deleted := pushPayload("refs/heads/feature", 0)
	deleted["deleted"] = true

	tests := []struct {
		name    string
		event   string
		payload any
		status  string
	}{
		{"tag push", "push", pushPayload("refs/tags/v1.0.0", 1), "ignored"},
		{"branch deletion", "push", deleted, "ignored"},
		{"closed pull request", "pull_request", map[string]any{"action": "closed", "number": 1}, "ignored"},
		{"unsupported event", "issues", map[string]any{"action": "opened"}, "ignored"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &recordingTriggerer{}
			rec := deliver(t, newReceiver(t, tr), tt.event, tt.payload, testSecret)
			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
			var resp Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Empty(t, tr.reqs)
		})
	}
}

func TestReceiver_PullRequest(t *testing.T) {
	tr := &recordingTriggerer{}
	rc := newReceiver(t, tr)

	payload := map[string]any{
		"action": "synchronize",
		"number": 42,
		"pull_request": map[string]any{
			"number": 42,
			"head":   map[string]any{"ref": "feature/login", "sha": headSHA},
			"base":   map[string]any{"ref": "main", "sha": baseSHA},
		},
		"sender": map[string]any{"login": "contrib"},
	}
	rec := deliver(t, rc, "pull_request", payload, testSecret)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, tr.reqs, 1)
	got := tr.reqs[0]
	assert.Equal(t, pipeline.TriggerPullRequest, got.Trigger.Kind)
	assert.Equal(t, "feature/login", got.Trigger.Branch)
	assert.Equal(t, "contrib", got.Trigger.Actor)
	assert.Equal(t, baseSHA, got.Base)
	assert.Nil(t, got.Paths)
}

func TestReceiver_Rejections(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		tr := &recordingTriggerer{}
		rec := deliver(t, newReceiver(t, tr), "push", pushPayload("refs/heads/main", 1), "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, tr.reqs)
	})

	t.Run("malformed head sha", func(t *testing.T) {
		p := pushPayload("refs/heads/main", 1)
		p["after"] = "not-a-sha"
		rec := deliver(t, newReceiver(t, &recordingTriggerer{}), "push", p, testSecret)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("shutting down", func(t *testing.T) {
		tr := &recordingTriggerer{err: orchestrator.ErrShuttingDown}
		rec := deliver(t, newReceiver(t, tr), "push", pushPayload("refs/heads/main", 1), testSecret)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newReceiver(t, &recordingTriggerer{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/github", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestReceiver_Ping(t *testing.T) {
	rec := deliver(t, newReceiver(t, &recordingTriggerer{}), "ping", map[string]any{"zen": "Keep it logically awesome."}, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

func TestReceiver_RateLimit(t *testing.T) {
	rc, err := NewReceiver(&recordingTriggerer{}, Config{Secret: config.Secret(testSecret), Rate: 0.001, Burst: 2}, nil)
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, deliver(t, rc, "ping", map[string]any{}, testSecret).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// The limiter table resets after an hour.
	rc.now = func() time.Time { return time.Now().Add(2 * limiterTTL) }
	assert.Equal(t, http.StatusOK, deliver(t, rc, "ping", map[string]any{}, testSecret).Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.3")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
