package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

func collaborator(t *testing.T, h http.HandlerFunc) *HTTPBackend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	var tok config.Secret
	require.NoError(t, tok.UnmarshalText([]byte("s3cret")))
	return NewHTTPBackend(srv.URL+"/", tok, srv.Client())
}

func TestHTTPBackend_Succeeded(t *testing.T) {
	b := collaborator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/execute", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "push-main-abc1234-1-ci-app-a", r.Header.Get("Idempotency-Key"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "app-a", req.Project)
		assert.Equal(t, pipeline.StageCI, req.Stage)

		_, _ = w.Write([]byte(`{"status":"succeeded","detail":{"logs_url":"https://logs/1","artifact":"app-a:abc"}}`))
	})

	detail, err := b.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://logs/1", detail.LogsURL)
	assert.Equal(t, "app-a:abc", detail.Artifact)
}

func TestHTTPBackend_Classification(t *testing.T) {
	tests := []struct {
		name          string
		code          int
		body          string
		transient     bool
		deterministic bool
	}{
		{name: "reported failure", code: 200, body: `{"status":"failed","detail":{"message":"lint errors"}}`, deterministic: true},
		{name: "unknown status", code: 200, body: `{"status":"queued"}`, transient: true},
		{name: "malformed body", code: 200, body: `not json`, transient: true},
		{name: "bad request", code: 400, body: `missing project`, deterministic: true},
		{name: "rate limited", code: 429, transient: true},
		{name: "server error", code: 502, transient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := collaborator(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := b.Execute(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, tt.transient, pipeline.IsTransient(err))
			assert.Equal(t, tt.deterministic, pipeline.IsDeterministic(err))
		})
	}
}

func TestHTTPBackend_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPBackend(url, config.Secret(""), nil).Execute(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, pipeline.IsTransient(err))
}

func TestHTTPBackend_RetriedThroughExecutor(t *testing.T) {
	var calls atomic.Int32
	b := collaborator(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"succeeded"}`))
	})

	out := New(b, fastPolicy()).Run(context.Background(), testRequest())
	assert.Equal(t, pipeline.StatusSucceeded, out.Status)
	assert.Equal(t, 2, out.Attempts)
}
