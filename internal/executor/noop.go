package executor

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// NoopBackend succeeds immediately. It backs dry runs.
type NoopBackend struct{}

// Name implements Backend.
func (NoopBackend) Name() string { return "noop" }

// Execute implements Backend.
func (NoopBackend) Execute(ctx context.Context, req Request) (pipeline.Detail, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Detail{}, err
	}
	return pipeline.Detail{Message: fmt.Sprintf("noop %s for %s", req.Stage, req.Project)}, nil
}
