package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/changes"
	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/ghclient"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/project"
	"github.com/fyrsmithlabs/conveyor/internal/release"
)

// loadConfig reads the configuration snapshot named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	logCfg.Fields = map[string]string{"service": "conveyor", "version": version}
	return logging.NewLogger(logCfg, nil)
}

// buildGraph uses the declared projects, or discovers them under the
// repository checkout when none are declared.
func buildGraph(cfg *config.Config) (*project.Graph, error) {
	if len(cfg.Projects) > 0 {
		return project.FromConfig(cfg.Projects)
	}
	root := cfg.Pipeline.RepoPath
	if root == "" {
		root = "."
	}
	projects, err := project.Discover(os.DirFS(root), cfg.Pipeline.DiscoverRoots...)
	if err != nil {
		return nil, fmt.Errorf("discovering projects under %s: %w", root, err)
	}
	return project.NewGraph(projects)
}

// sources bundles the optional collaborators derived from the change
// source setting.
type sources struct {
	changes     changes.Source
	git         *changes.GitSource
	github      *github.Client
	baseVersion func(ctx context.Context) (string, error)
}

func buildSources(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*sources, error) {
	s := &sources{}
	if cfg.Pipeline.ChangeSource == "github" || cfg.Notify.GitHubStatus {
		gh, err := ghclient.New(ctx, cfg.GitHub)
		if err != nil {
			return nil, err
		}
		s.github = gh
	}

	switch cfg.Pipeline.ChangeSource {
	case "git":
		g, err := changes.OpenGitSource(cfg.Pipeline.RepoPath)
		if err != nil {
			return nil, err
		}
		s.git = g
		s.changes = g
		s.baseVersion = func(context.Context) (string, error) {
			return release.LatestTag(g.Repository())
		}
	case "github":
		s.changes = changes.NewGitHubSource(s.github, cfg.GitHub.Owner, cfg.GitHub.Repo, ghclient.DefaultRetryConfig())
	}

	logger.Info(ctx, "change source ready",
		zap.String("source", cfg.Pipeline.ChangeSource),
		zap.Bool("release_tags", s.baseVersion != nil),
	)
	return s, nil
}
