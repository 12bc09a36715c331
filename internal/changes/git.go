package changes

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// maxLogCommits caps how far the commit walk goes when base is not an
// ancestor of head.
const maxLogCommits = 1000

// GitSource reads change sets from a go-git repository.
type GitSource struct {
	repo *git.Repository
}

// NewGitSource wraps an opened repository.
func NewGitSource(repo *git.Repository) *GitSource {
	return &GitSource{repo: repo}
}

// OpenGitSource opens the repository at path, searching parent directories.
func OpenGitSource(path string) (*GitSource, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", path, err)
	}
	return NewGitSource(repo), nil
}

// Repository exposes the underlying repository for tag lookups.
func (s *GitSource) Repository() *git.Repository { return s.repo }

// ChangeSet diffs the trees of base and head and collects the commits
// reachable from head but not from base, oldest first. A zero base diffs
// against the empty tree.
func (s *GitSource) ChangeSet(ctx context.Context, base, head string) (pipeline.ChangeSet, error) {
	cs := pipeline.ChangeSet{Base: base, Head: head}

	headCommit, err := s.commit(head)
	if err != nil {
		return cs, err
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return cs, fmt.Errorf("reading tree of %s: %w", head, err)
	}

	var (
		baseTree *object.Tree
		baseHash plumbing.Hash
	)
	if !IsZeroRef(base) {
		baseCommit, err := s.commit(base)
		if err != nil {
			return cs, err
		}
		if baseTree, err = baseCommit.Tree(); err != nil {
			return cs, fmt.Errorf("reading tree of %s: %w", base, err)
		}
		baseHash = baseCommit.Hash
	}

	diff, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return cs, fmt.Errorf("diffing %s..%s: %w", base, head, err)
	}
	seen := make(map[string]bool, len(diff))
	for _, ch := range diff {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name != "" && !seen[name] {
				seen[name] = true
				cs.Paths = append(cs.Paths, name)
			}
		}
	}
	sort.Strings(cs.Paths)

	cs.Commits, err = s.log(ctx, headCommit.Hash, baseHash)
	if err != nil {
		return cs, err
	}
	return cs, nil
}

func (s *GitSource) commit(rev string) (*object.Commit, error) {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", rev, err)
	}
	c, err := s.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	return c, nil
}

func (s *GitSource) log(ctx context.Context, head, base plumbing.Hash) ([]pipeline.Commit, error) {
	iter, err := s.repo.Log(&git.LogOptions{From: head})
	if err != nil {
		return nil, fmt.Errorf("walking log from %s: %w", head, err)
	}
	defer iter.Close()

	var commits []pipeline.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Hash == base || len(commits) >= maxLogCommits {
			return storer.ErrStop
		}
		subject, body := splitMessage(c.Message)
		commits = append(commits, pipeline.Commit{SHA: c.Hash.String(), Subject: subject, Body: body})
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("walking log: %w", err)
	}

	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}
