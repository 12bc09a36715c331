package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// EventIDHeader carries Event.ID so receivers can deduplicate.
const EventIDHeader = "X-Conveyor-Event-Id"

// WebhookSink posts events as JSON.
type WebhookSink struct {
	name   string
	url    string
	token  config.Secret
	client *http.Client
}

// NewWebhookSink returns a sink for url. A nil client uses
// http.DefaultClient.
func NewWebhookSink(name, url string, token config.Secret, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	if name == "" {
		name = "webhook"
	}
	return &WebhookSink{name: name, url: url, token: token, client: client}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return s.name }

// Deliver implements Sink. 4xx responses other than 429 are permanent.
func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return &pipeline.DeterministicCollaboratorError{Operation: "webhook.encode", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &pipeline.DeterministicCollaboratorError{Operation: "webhook.request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, ev.ID)
	if s.token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+s.token.Value())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &pipeline.TransientCollaboratorError{Operation: "webhook.post", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &pipeline.TransientCollaboratorError{
			Operation: "webhook.post",
			Err:       fmt.Errorf("%s returned %s", s.name, resp.Status),
		}
	default:
		return &pipeline.DeterministicCollaboratorError{
			Operation: "webhook.post",
			Err:       fmt.Errorf("%s returned %s", s.name, resp.Status),
		}
	}
}
