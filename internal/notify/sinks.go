package notify

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/conveyor/internal/config"
)

// BuildSinks constructs the sinks enabled in cfg. gh may be nil when the
// GitHub status sink is disabled. On error, sinks opened so far are closed.
func BuildSinks(cfg *config.Config, gh *github.Client, client *http.Client) ([]Sink, error) {
	var sinks []Sink
	for _, w := range cfg.Notify.Webhooks {
		sinks = append(sinks, NewWebhookSink(w.Name, w.URL, w.Token, client))
	}
	if cfg.Notify.NATS.URL != "" {
		s, err := DialNATS(cfg.Notify.NATS.URL, cfg.Notify.NATS.SubjectPrefix)
		if err != nil {
			return nil, errors.Join(err, closeSinks(sinks))
		}
		sinks = append(sinks, s)
	}
	if cfg.Notify.GitHubStatus {
		if gh == nil {
			return nil, errors.Join(errors.New("github status sink requires a github client"), closeSinks(sinks))
		}
		sinks = append(sinks, NewGitHubStatusSink(gh, cfg.GitHub.Owner, cfg.GitHub.Repo))
	}
	return sinks, nil
}

func closeSinks(sinks []Sink) error {
	var err error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}
	}
	return err
}
