package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/conveyor/internal/executor"
	"github.com/fyrsmithlabs/conveyor/internal/gate"
	"github.com/fyrsmithlabs/conveyor/internal/ledger"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/notify"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

const (
	// rejectedPrefix marks a stage skipped by a gate rejection. The run
	// outcome is derived from it, so it survives restarts.
	rejectedPrefix = "gate rejected: "

	reasonNoProjects   = "no affected projects"
	reasonPullRequest  = "pull request"
	reasonNotRelease   = "not the release branch"
	reasonNoReleasable = "no releasable commits"

	// gateRetryInterval is the recheck delay after a gate evaluation error.
	gateRetryInterval = 5 * time.Second
)

// drive advances one run to a terminal state or until its context ends.
func (o *Orchestrator) drive(ctx context.Context, h *handle) {
	defer o.forget(h)

	ctx = logging.WithRun(ctx, h.id)
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", h.id),
		attribute.String("run.lane", h.lane),
	))
	defer span.End()

	run, err := o.store.Get(ctx, h.id)
	if err != nil {
		o.logger.Error(ctx, "loading run", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if run.Terminal {
		return
	}

	if len(run.Affected) == 0 {
		o.finishEmpty(ctx, h)
		return
	}

	o.advance(ctx, h, pipeline.StageCI)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.advance(ctx, h, pipeline.StageRelease)
	}()
	o.advance(ctx, h, pipeline.StageStaging)
	o.advance(ctx, h, pipeline.StageProduction)
	wg.Wait()

	final := o.finalize(ctx, h)
	if final != nil {
		span.SetAttributes(attribute.String("run.status", string(final.Status)))
		if final.Status == pipeline.StatusFailed {
			span.SetStatus(codes.Error, final.Reason)
		}
	}
}

// advance takes stage from pending to a terminal status, unless ctx ends
// first or the stage is already terminal.
func (o *Orchestrator) advance(ctx context.Context, h *handle, stage pipeline.Stage) {
	if ctx.Err() != nil {
		return
	}
	ctx = logging.WithStage(ctx, string(stage))
	run, err := o.store.Get(ctx, h.id)
	if err != nil {
		o.logger.Error(ctx, "loading run", zap.Error(err))
		return
	}
	if run.Stage(stage).Status.Terminal() {
		return
	}
	if reason, skip := o.skipReason(run, stage); skip {
		o.setStage(ctx, h.id, stage, pipeline.StatusSkipped, reason)
		return
	}
	if run.Stage(stage).Status == pipeline.StatusPending && !o.awaitGate(ctx, h, stage) {
		return
	}
	o.runStage(ctx, h, stage)
}

// skipReason reports whether stage cannot run for run.
func (o *Orchestrator) skipReason(run *pipeline.Run, stage pipeline.Stage) (string, bool) {
	t := run.Trigger
	if stage != pipeline.StageCI && t.Kind == pipeline.TriggerPullRequest {
		return reasonPullRequest, true
	}
	onRelease := t.Branch == o.releaseBranch
	switch stage {
	case pipeline.StageRelease:
		if !onRelease {
			return reasonNotRelease, true
		}
	case pipeline.StageProduction:
		if !onRelease && !(t.Kind == pipeline.TriggerManual && t.Production) {
			return reasonNotRelease, true
		}
	}
	if prev, ok := stage.Predecessor(); ok {
		if st := run.Stage(prev).Status; st != pipeline.StatusSucceeded {
			return fmt.Sprintf("%s %s", prev, st), true
		}
	}
	return "", false
}

// awaitGate evaluates the gates of stage until they let it proceed. It
// returns false when the gate rejects or ctx ends.
func (o *Orchestrator) awaitGate(ctx context.Context, h *handle, stage pipeline.Stage) bool {
	_, err := o.update(ctx, h.id, func(r *pipeline.Run) error {
		res := r.Stage(stage)
		if res.EligibleAt != nil {
			return ledger.ErrNoChange
		}
		res.EligibleAt = pipeline.TimePtr(o.now())
		return nil
	})
	if err != nil {
		return false
	}

	for {
		wake := h.wake.wait()
		run, err := o.store.Get(ctx, h.id)
		if err != nil {
			return false
		}
		v, err := o.gates.Evaluate(ctx, run, stage)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			o.logger.Warn(ctx, "gate evaluation failed, retrying", zap.Error(err))
			v = gate.Wait("gate evaluation failed", gateRetryInterval)
		}

		switch v.Kind {
		case gate.KindProceed:
			return true
		case gate.KindReject:
			o.reject(ctx, h.id, stage, v.Reason)
			return false
		}

		gateWaits.WithLabelValues(string(stage)).Inc()
		_, _ = o.update(ctx, h.id, func(r *pipeline.Run) error {
			res := r.Stage(stage)
			if res.Reason == v.Reason {
				return ledger.ErrNoChange
			}
			res.Reason = v.Reason
			return nil
		})
		o.logger.Info(ctx, "stage waiting at gate",
			zap.String("reason", v.Reason),
			zap.Duration("recheck_after", v.RecheckAfter),
		)

		var timer *time.Timer
		var fire <-chan time.Time
		if v.RecheckAfter > 0 {
			timer = time.NewTimer(v.RecheckAfter)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return false
		}
	}
}

func (o *Orchestrator) reject(ctx context.Context, id string, stage pipeline.Stage, reason string) {
	rejection := &pipeline.GateRejection{Stage: stage, Reason: reason}
	o.logger.Info(ctx, "gate rejected stage", zap.String("reason", reason))
	_, _ = o.update(ctx, id, func(r *pipeline.Run) error {
		res := r.Stage(stage)
		res.Status = pipeline.StatusSkipped
		res.Reason = rejectedPrefix + reason
		res.FinishedAt = pipeline.TimePtr(o.now())
		if r.Reason == "" {
			r.Reason = rejection.Error()
		}
		return nil
	})
}

// runStage fans the stage out over the affected projects and records the
// aggregate.
func (o *Orchestrator) runStage(ctx context.Context, h *handle, stage pipeline.Stage) {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("run.id", h.id),
		attribute.String("stage", string(stage)),
	))
	defer span.End()

	run, err := o.store.Get(ctx, h.id)
	if err != nil {
		return
	}

	var version string
	if stage == pipeline.StageRelease {
		rv, err := o.nextRelease(ctx, run)
		if err != nil {
			o.logger.Error(ctx, "computing release version", zap.Error(err))
			o.setStage(ctx, h.id, stage, pipeline.StatusFailed, fmt.Sprintf("computing release version: %v", err))
			return
		}
		if _, err := o.update(ctx, h.id, func(r *pipeline.Run) error {
			r.Release = rv
			return nil
		}); err != nil {
			return
		}
		if rv.Bump == pipeline.BumpNone {
			o.setStage(ctx, h.id, stage, pipeline.StatusSkipped, reasonNoReleasable)
			return
		}
		version = rv.Version
	}

	start := o.now()
	run, err = o.update(ctx, h.id, func(r *pipeline.Run) error {
		res := r.Stage(stage)
		res.Status = pipeline.StatusRunning
		res.Reason = ""
		if res.StartedAt == nil {
			res.StartedAt = pipeline.TimePtr(start)
		}
		if res.Outcomes == nil {
			res.Outcomes = make(map[string]*pipeline.Outcome)
		}
		for _, p := range r.ProjectIDs() {
			if _, ok := res.Outcomes[p]; !ok {
				res.Outcomes[p] = &pipeline.Outcome{Status: pipeline.StatusPending}
			}
		}
		return nil
	})
	if err != nil {
		return
	}

	var g errgroup.Group
	for _, p := range run.ProjectIDs() {
		if run.Stage(stage).Outcomes[p].Status.Terminal() {
			continue
		}
		g.Go(func() error {
			o.runProject(ctx, h, run, stage, p, version)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, context.Cause(ctx).Error())
		return
	}

	final, err := o.update(ctx, h.id, func(r *pipeline.Run) error {
		res := r.Stage(stage)
		res.Status, res.Reason = aggregate(res.Outcomes)
		res.FinishedAt = pipeline.TimePtr(o.now())
		return nil
	})
	if err != nil {
		return
	}
	res := final.Stage(stage)
	stageDuration.WithLabelValues(string(stage), string(res.Status)).Observe(o.now().Sub(start).Seconds())
	span.SetAttributes(attribute.String("stage.status", string(res.Status)))
	if res.Status == pipeline.StatusFailed {
		span.SetStatus(codes.Error, res.Reason)
	}
	o.logger.Info(ctx, "stage finished", zap.String("status", string(res.Status)))
}

func (o *Orchestrator) runProject(ctx context.Context, h *handle, run *pipeline.Run, stage pipeline.Stage, project, version string) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	setOutcome := func(ctx context.Context, out *pipeline.Outcome) error {
		_, err := o.update(ctx, h.id, func(r *pipeline.Run) error {
			res := r.Stage(stage)
			if res.Outcomes == nil {
				res.Outcomes = make(map[string]*pipeline.Outcome)
			}
			res.Outcomes[project] = out
			return nil
		})
		return err
	}
	if err := setOutcome(ctx, &pipeline.Outcome{Status: pipeline.StatusRunning, StartedAt: pipeline.TimePtr(o.now())}); err != nil {
		return
	}

	out := o.runner.Run(ctx, executor.Request{
		RunID:   run.ID,
		Stage:   stage,
		Project: project,
		Branch:  run.Trigger.Branch,
		Head:    run.Changes.Head,
		Version: version,
	})
	if out.Status == pipeline.StatusCancelled && errors.Is(context.Cause(ctx), ErrShuttingDown) {
		// Left running so Resume re-executes it.
		return
	}
	_ = setOutcome(context.WithoutCancel(ctx), out)
}

// aggregate folds project outcomes: any failure fails the stage.
func aggregate(outcomes map[string]*pipeline.Outcome) (pipeline.Status, string) {
	var failed, cancelled []string
	for p, out := range outcomes {
		switch out.Status {
		case pipeline.StatusFailed:
			failed = append(failed, p)
		case pipeline.StatusCancelled:
			cancelled = append(cancelled, p)
		}
	}
	sort.Strings(failed)
	sort.Strings(cancelled)
	switch {
	case len(failed) > 0:
		return pipeline.StatusFailed, "failed: " + strings.Join(failed, ", ")
	case len(cancelled) > 0:
		return pipeline.StatusCancelled, "cancelled: " + strings.Join(cancelled, ", ")
	default:
		return pipeline.StatusSucceeded, ""
	}
}

func (o *Orchestrator) nextRelease(ctx context.Context, run *pipeline.Run) (*pipeline.ReleaseVersion, error) {
	base, err := o.baseVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading base version: %w", err)
	}
	return o.versioner.Next(base, run.Changes.Commits)
}

func (o *Orchestrator) setStage(ctx context.Context, id string, stage pipeline.Stage, status pipeline.Status, reason string) {
	_, _ = o.update(ctx, id, func(r *pipeline.Run) error {
		res := r.Stage(stage)
		res.Status = status
		res.Reason = reason
		res.FinishedAt = pipeline.TimePtr(o.now())
		return nil
	})
}

func (o *Orchestrator) finishEmpty(ctx context.Context, h *handle) {
	_, _ = o.update(ctx, h.id, func(r *pipeline.Run) error {
		now := pipeline.TimePtr(o.now())
		for _, s := range pipeline.AllStages() {
			res := r.Stage(s)
			if res.Status.Terminal() {
				continue
			}
			res.Status = pipeline.StatusSkipped
			res.Reason = reasonNoProjects
			res.FinishedAt = now
		}
		r.Finish(pipeline.StatusSucceeded, reasonNoProjects)
		return nil
	})
}

// finalize records the run outcome once every stage has settled. A run
// interrupted by shutdown is left as is.
func (o *Orchestrator) finalize(ctx context.Context, h *handle) *pipeline.Run {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrShuttingDown) {
			o.logger.Info(ctx, "run interrupted by shutdown")
			return nil
		}
		if err := o.cancelRun(context.WithoutCancel(ctx), h.id, cause); err != nil {
			o.logger.Error(ctx, "recording cancellation", zap.Error(err))
		}
		run, _ := o.store.Get(context.WithoutCancel(ctx), h.id)
		return run
	}

	run, err := o.update(ctx, h.id, func(r *pipeline.Run) error {
		if r.Terminal {
			return ledger.ErrNoChange
		}
		status, reason := outcome(r)
		r.Finish(status, reason)
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, "recording run outcome", zap.Error(err))
		return nil
	}
	o.logger.Info(ctx, "run finished", zap.String("status", string(run.Status)), zap.String("reason", run.Reason))
	return run
}

// outcome derives the run status from its stages.
func outcome(r *pipeline.Run) (pipeline.Status, string) {
	for _, s := range pipeline.AllStages() {
		res := r.Stage(s)
		switch {
		case res.Status == pipeline.StatusFailed:
			return pipeline.StatusFailed, fmt.Sprintf("%s failed", s)
		case res.Status == pipeline.StatusSkipped && strings.HasPrefix(res.Reason, rejectedPrefix):
			rejection := &pipeline.GateRejection{Stage: s, Reason: strings.TrimPrefix(res.Reason, rejectedPrefix)}
			return pipeline.StatusFailed, rejection.Error()
		case res.Status == pipeline.StatusCancelled:
			return pipeline.StatusCancelled, fmt.Sprintf("%s cancelled", s)
		}
	}
	return pipeline.StatusSucceeded, ""
}

// cancelRun marks every unfinished stage and outcome of a run cancelled.
func (o *Orchestrator) cancelRun(ctx context.Context, id string, cause error) error {
	reason := "cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	_, err := o.update(ctx, id, func(r *pipeline.Run) error {
		if r.Terminal {
			return ledger.ErrNoChange
		}
		now := pipeline.TimePtr(o.now())
		for _, s := range pipeline.AllStages() {
			res := r.Stage(s)
			for _, out := range res.Outcomes {
				if !out.Status.Terminal() {
					out.Status = pipeline.StatusCancelled
					out.Detail.Message = reason
					out.FinishedAt = now
				}
			}
			if !res.Status.Terminal() {
				res.Status = pipeline.StatusCancelled
				res.Reason = reason
				res.FinishedAt = now
			}
		}
		r.Finish(pipeline.StatusCancelled, reason)
		return nil
	})
	if err == nil {
		o.logger.Info(logging.WithRun(ctx, id), "run cancelled", zap.String("reason", reason))
	}
	return err
}

// update writes through the ledger and publishes stage transitions.
func (o *Orchestrator) update(ctx context.Context, id string, fn func(*pipeline.Run) error) (*pipeline.Run, error) {
	run, transitions, err := o.store.Update(ctx, id, fn)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error(ctx, "updating run", zap.String("run.id", id), zap.Error(err))
		}
		return nil, err
	}
	for _, t := range transitions {
		switch {
		case t.Stage == "" && t.To.Terminal():
			runsFinished.WithLabelValues(string(t.To)).Inc()
		case t.Stage != "" && t.Project == "" && o.notifier != nil:
			o.notifier.Publish(notify.NewEvent(run, t.Stage, t.To, t.At))
		}
	}
	return run, nil
}
