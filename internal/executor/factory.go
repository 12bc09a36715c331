package executor

import (
	"fmt"
	"io"

	"github.com/fyrsmithlabs/conveyor/internal/config"
)

// NewBackend builds the backend selected by cfg. The returned closer
// releases backend connections and is never nil.
func NewBackend(cfg config.ExecutorConfig) (Backend, io.Closer, error) {
	switch cfg.Backend {
	case "", "noop":
		return NoopBackend{}, nopCloser{}, nil
	case "http":
		return NewHTTPBackend(cfg.HTTP.Endpoint, cfg.HTTP.Token, nil), nopCloser{}, nil
	case "temporal":
		c, err := DialTemporal(cfg.Temporal)
		if err != nil {
			return nil, nil, err
		}
		return NewTemporalBackend(c, cfg.Temporal.TaskQueue, cfg.Temporal.Workflow), closerFunc(c.Close), nil
	default:
		return nil, nil, fmt.Errorf("unknown executor backend %q", cfg.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
