package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
	"github.com/fyrsmithlabs/conveyor/internal/secrets"
)

// Request identifies one collaborator call.
type Request struct {
	RunID   string         `json:"run_id"`
	Stage   pipeline.Stage `json:"stage"`
	Project string         `json:"project"`
	Branch  string         `json:"branch"`
	Head    string         `json:"head"`
	Attempt int            `json:"attempt"`

	// Version is the computed release version, set for the release stage.
	Version string `json:"version,omitempty"`
}

// Key is the idempotency key shared by every attempt of the call.
func (r Request) Key() string {
	return fmt.Sprintf("%s-%s-%s", r.RunID, r.Stage, r.Project)
}

// Backend performs one attempt of a collaborator call.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req Request) (pipeline.Detail, error)
}

// Policy bounds attempts and time spent per call.
type Policy struct {
	Timeout           time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:           30 * time.Minute,
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// PolicyFromConfig maps the executor section onto a Policy.
func PolicyFromConfig(cfg config.ExecutorConfig) Policy {
	return Policy{
		Timeout:           cfg.Timeout.Duration(),
		MaxAttempts:       cfg.MaxAttempts,
		InitialBackoff:    cfg.InitialBackoff.Duration(),
		MaxBackoff:        cfg.MaxBackoff.Duration(),
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
}

func (p *Policy) applyDefaults() {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
}

// Executor runs collaborator calls with retry and normalization.
type Executor struct {
	backend  Backend
	policy   Policy
	logger   *logging.Logger
	redactor *secrets.Redactor
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRedactor scrubs collaborator messages before they are recorded.
func WithRedactor(r *secrets.Redactor) Option {
	return func(e *Executor) { e.redactor = r }
}

// New returns an Executor over backend.
func New(backend Backend, policy Policy, opts ...Option) *Executor {
	policy.applyDefaults()
	e := &Executor{backend: backend, policy: policy, logger: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backend returns the configured backend name.
func (e *Executor) Backend() string { return e.backend.Name() }

// Run performs the call described by req until it succeeds, fails
// deterministically, exhausts its attempts or ctx is cancelled.
func (e *Executor) Run(ctx context.Context, req Request) *pipeline.Outcome {
	ctx = logging.WithProject(logging.WithStage(logging.WithRun(ctx, req.RunID), string(req.Stage)), req.Project)
	start := e.now()
	out := &pipeline.Outcome{StartedAt: pipeline.TimePtr(start)}
	finish := func(status pipeline.Status, detail pipeline.Detail) *pipeline.Outcome {
		detail.Message = e.redactor.String(detail.Message)
		out.Status = status
		out.Detail = detail
		out.FinishedAt = pipeline.TimePtr(e.now())
		observeCall(req.Stage, status, out.FinishedAt.Sub(start))
		return out
	}

	backoff := e.policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		req.Attempt = attempt
		out.Attempts = attempt

		detail, err := e.attempt(ctx, req)
		if err == nil {
			attemptsTotal.WithLabelValues(e.backend.Name(), "success").Inc()
			return finish(pipeline.StatusSucceeded, detail)
		}

		if ctx.Err() != nil {
			attemptsTotal.WithLabelValues(e.backend.Name(), "cancelled").Inc()
			detail.Message = fmt.Sprintf("cancelled: %v", context.Cause(ctx))
			return finish(pipeline.StatusCancelled, detail)
		}

		var det *pipeline.DeterministicCollaboratorError
		if errors.As(err, &det) {
			attemptsTotal.WithLabelValues(e.backend.Name(), "failure").Inc()
			if detail.Message == "" {
				detail.Message = det.Detail
			}
			if detail.Message == "" {
				detail.Message = err.Error()
			}
			e.logger.Info(ctx, "collaborator reported failure", zap.Int("attempt", attempt), zap.Error(err))
			return finish(pipeline.StatusFailed, detail)
		}

		attemptsTotal.WithLabelValues(e.backend.Name(), "transient").Inc()
		if attempt >= e.policy.MaxAttempts {
			detail.Message = fmt.Sprintf("gave up after %d attempts: %v", attempt, err)
			e.logger.Warn(ctx, "collaborator retries exhausted", zap.Int("attempts", attempt), zap.Error(err))
			return finish(pipeline.StatusFailed, detail)
		}

		e.logger.Debug(ctx, "retrying collaborator call",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			attemptsTotal.WithLabelValues(e.backend.Name(), "cancelled").Inc()
			return finish(pipeline.StatusCancelled, pipeline.Detail{
				Message: fmt.Sprintf("cancelled: %v", context.Cause(ctx)),
			})
		case <-time.After(backoff):
		}
		backoff = min(time.Duration(float64(backoff)*e.policy.BackoffMultiplier), e.policy.MaxBackoff)
	}
}

func (e *Executor) attempt(ctx context.Context, req Request) (pipeline.Detail, error) {
	actx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	detail, err := e.backend.Execute(actx, req)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var det *pipeline.DeterministicCollaboratorError
		if !errors.As(err, &det) {
			err = &pipeline.TransientCollaboratorError{
				Operation: e.backend.Name(),
				Err:       fmt.Errorf("attempt timed out after %s: %w", e.policy.Timeout, err),
			}
		}
	}
	return detail, err
}
