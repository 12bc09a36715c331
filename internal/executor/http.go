package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

const maxResponseBytes = 1 << 20

// httpResponse is the collaborator reply body.
type httpResponse struct {
	Status string          `json:"status"`
	Detail pipeline.Detail `json:"detail"`
}

// HTTPBackend posts each request to {endpoint}/v1/execute.
type HTTPBackend struct {
	endpoint string
	token    config.Secret
	client   *http.Client
}

// NewHTTPBackend returns a backend for endpoint. A nil client uses
// http.DefaultClient; per-call deadlines come from the context.
func NewHTTPBackend(endpoint string, token config.Secret, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{endpoint: strings.TrimSuffix(endpoint, "/"), token: token, client: client}
}

// Name implements Backend.
func (b *HTTPBackend) Name() string { return "http" }

// Execute implements Backend. 429, 5xx and network errors are transient;
// other 4xx responses and a reported "failed" status are deterministic.
func (b *HTTPBackend) Execute(ctx context.Context, req Request) (pipeline.Detail, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return pipeline.Detail{}, &pipeline.DeterministicCollaboratorError{Operation: "http.encode", Err: err}
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return pipeline.Detail{}, &pipeline.DeterministicCollaboratorError{Operation: "http.request", Err: err}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Idempotency-Key", req.Key())
	if b.token.IsSet() {
		hreq.Header.Set("Authorization", "Bearer "+b.token.Value())
	}

	resp, err := b.client.Do(hreq)
	if err != nil {
		return pipeline.Detail{}, &pipeline.TransientCollaboratorError{Operation: "http.do", Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return pipeline.Detail{}, &pipeline.TransientCollaboratorError{Operation: "http.read", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return pipeline.Detail{}, &pipeline.TransientCollaboratorError{
			Operation: "http.execute",
			Err:       fmt.Errorf("collaborator returned %s", resp.Status),
		}
	case resp.StatusCode >= 400:
		return pipeline.Detail{}, &pipeline.DeterministicCollaboratorError{
			Operation: "http.execute",
			Detail:    strings.TrimSpace(string(raw)),
			Err:       fmt.Errorf("collaborator returned %s", resp.Status),
		}
	}

	var out httpResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return pipeline.Detail{}, &pipeline.TransientCollaboratorError{
			Operation: "http.decode",
			Err:       fmt.Errorf("malformed collaborator response: %w", err),
		}
	}
	switch pipeline.Status(out.Status) {
	case pipeline.StatusSucceeded:
		return out.Detail, nil
	case pipeline.StatusFailed:
		return out.Detail, &pipeline.DeterministicCollaboratorError{
			Operation: "http.execute",
			Detail:    out.Detail.Message,
			Err:       fmt.Errorf("%s failed for %s", req.Stage, req.Project),
		}
	default:
		return out.Detail, &pipeline.TransientCollaboratorError{
			Operation: "http.execute",
			Err:       fmt.Errorf("unexpected collaborator status %q", out.Status),
		}
	}
}
