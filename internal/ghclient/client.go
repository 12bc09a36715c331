// Package ghclient builds authenticated GitHub API clients and retries
// rate-limited or failing calls.
package ghclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/conveyor/internal/config"
)

// New creates a GitHub client for cfg. An empty BaseURL targets github.com;
// otherwise it is treated as a GitHub Enterprise (or test server) root.
func New(ctx context.Context, cfg config.GitHubConfig) (*github.Client, error) {
	var hc *http.Client
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
		hc = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(hc)

	if cfg.BaseURL == "" {
		return client, nil
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/") + "/"
	client, err := client.WithEnterpriseURLs(base, base)
	if err != nil {
		return nil, fmt.Errorf("github base url: %w", err)
	}
	return client, nil
}
