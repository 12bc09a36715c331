package notify

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/conveyor/internal/ghclient"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// maxStatusDescription is GitHub's limit for commit status descriptions.
const maxStatusDescription = 140

// GitHubStatusSink reports stage status as a commit status on the head SHA.
type GitHubStatusSink struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubStatusSink returns a sink for owner/repo.
func NewGitHubStatusSink(client *github.Client, owner, repo string) *GitHubStatusSink {
	return &GitHubStatusSink{client: client, owner: owner, repo: repo}
}

// Name implements Sink.
func (s *GitHubStatusSink) Name() string { return "github" }

// Deliver implements Sink.
func (s *GitHubStatusSink) Deliver(ctx context.Context, ev Event) error {
	if ev.Head == "" {
		return &pipeline.DeterministicCollaboratorError{Operation: "github.status", Detail: "event has no head sha"}
	}
	status := &github.RepoStatus{
		State:       github.String(commitState(ev.Status)),
		Context:     github.String("conveyor/" + string(ev.Stage)),
		Description: github.String(statusDescription(ev)),
	}
	_, resp, err := s.client.Repositories.CreateStatus(ctx, s.owner, s.repo, ev.Head, status)
	if err == nil {
		return nil
	}
	if ghclient.Retryable(err, resp) {
		return &pipeline.TransientCollaboratorError{Operation: "github.status", Err: err}
	}
	return &pipeline.DeterministicCollaboratorError{
		Operation: "github.status",
		Err:       fmt.Errorf("status %d: %w", ghclient.StatusCode(resp), err),
	}
}

func commitState(s pipeline.Status) string {
	switch s {
	case pipeline.StatusSucceeded, pipeline.StatusSkipped:
		return "success"
	case pipeline.StatusFailed:
		return "failure"
	case pipeline.StatusCancelled:
		return "error"
	default:
		return "pending"
	}
}

func statusDescription(ev Event) string {
	desc := string(ev.Status)
	if ev.Reason != "" {
		desc += ": " + ev.Reason
	} else if ev.Summary != "" {
		desc += ": " + ev.Summary
	}
	if r := []rune(desc); len(r) > maxStatusDescription {
		desc = string(r[:maxStatusDescription-3]) + "..."
	}
	return desc
}
