package changes

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/conveyor/internal/ghclient"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// GitHubSource reads change sets from the GitHub compare API.
type GitHubSource struct {
	client      *github.Client
	owner, repo string
	retry       *ghclient.RetryConfig
}

// NewGitHubSource returns a Source for owner/repo.
func NewGitHubSource(client *github.Client, owner, repo string, retry *ghclient.RetryConfig) *GitHubSource {
	return &GitHubSource{client: client, owner: owner, repo: repo, retry: retry}
}

// ChangeSet compares base...head. A zero base lists the files of head's
// tree instead, since GitHub cannot compare against nothing.
func (s *GitHubSource) ChangeSet(ctx context.Context, base, head string) (pipeline.ChangeSet, error) {
	cs := pipeline.ChangeSet{Base: base, Head: head}
	if IsZeroRef(base) {
		return s.fromTree(ctx, cs)
	}

	var cmp *github.CommitsComparison
	_, err := ghclient.Retry(ctx, s.retry, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		cmp, resp, err = s.client.Repositories.CompareCommits(ctx, s.owner, s.repo, base, head, &github.ListOptions{PerPage: 100})
		return resp, err
	})
	if err != nil {
		return cs, fmt.Errorf("comparing %s...%s: %w", base, head, err)
	}

	seen := make(map[string]bool, len(cmp.Files))
	for _, f := range cmp.Files {
		for _, name := range []string{f.GetPreviousFilename(), f.GetFilename()} {
			if name != "" && !seen[name] {
				seen[name] = true
				cs.Paths = append(cs.Paths, name)
			}
		}
	}
	sort.Strings(cs.Paths)

	for _, c := range cmp.Commits {
		subject, body := splitMessage(c.GetCommit().GetMessage())
		cs.Commits = append(cs.Commits, pipeline.Commit{SHA: c.GetSHA(), Subject: subject, Body: body})
	}
	return cs, nil
}

func (s *GitHubSource) fromTree(ctx context.Context, cs pipeline.ChangeSet) (pipeline.ChangeSet, error) {
	var tree *github.Tree
	_, err := ghclient.Retry(ctx, s.retry, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		tree, resp, err = s.client.Git.GetTree(ctx, s.owner, s.repo, cs.Head, true)
		return resp, err
	})
	if err != nil {
		return cs, fmt.Errorf("reading tree %s: %w", cs.Head, err)
	}
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			cs.Paths = append(cs.Paths, e.GetPath())
		}
	}
	sort.Strings(cs.Paths)
	return cs, nil
}
