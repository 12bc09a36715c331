package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/conveyor/internal/changes"
	"github.com/fyrsmithlabs/conveyor/internal/executor"
	"github.com/fyrsmithlabs/conveyor/internal/gate"
	"github.com/fyrsmithlabs/conveyor/internal/ledger"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/notify"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
	"github.com/fyrsmithlabs/conveyor/internal/release"
)

// ErrShuttingDown is returned by Trigger after Shutdown, and is the
// cancellation cause of runs interrupted by it.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// Store is the run ledger as seen by the orchestrator.
type Store interface {
	Create(ctx context.Context, run *pipeline.Run) (*pipeline.Run, error)
	Get(ctx context.Context, id string) (*pipeline.Run, error)
	Update(ctx context.Context, id string, fn func(*pipeline.Run) error) (*pipeline.Run, []pipeline.Transition, error)
	List(ctx context.Context, f ledger.Filter) ([]*pipeline.Run, error)
	NonTerminal(ctx context.Context) ([]*pipeline.Run, error)
	History(ctx context.Context, id string) ([]pipeline.Transition, error)
	RecordApproval(ctx context.Context, a pipeline.Approval) error
	Approvals(ctx context.Context, runID string, stage pipeline.Stage) ([]pipeline.Approval, error)
	NextAttempt(ctx context.Context, kind pipeline.TriggerKind, branch, head string) (int, error)
}

// Runner performs one collaborator call. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, req executor.Request) *pipeline.Outcome
}

// Notifier receives stage transition events. It must not block.
type Notifier interface {
	Publish(ev notify.Event)
}

// Options holds the topology policy.
type Options struct {
	ReleaseBranch string

	// Workers bounds concurrent collaborator calls across all runs.
	Workers int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer used for run and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithNotifier sets the transition event sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithAssessor sets the summary and risk assessor applied at trigger time.
func WithAssessor(a notify.Assessor) Option {
	return func(o *Orchestrator) { o.assessor = a }
}

// WithChangeSource computes touched paths for triggers that omit them.
func WithChangeSource(s changes.Source) Option {
	return func(o *Orchestrator) { o.source = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithBaseVersion sets how the release stage finds the current version.
func WithBaseVersion(fn func(ctx context.Context) (string, error)) Option {
	return func(o *Orchestrator) { o.baseVersion = fn }
}

// Orchestrator owns the lifecycle of pipeline runs.
type Orchestrator struct {
	store       Store
	detector    *changes.Detector
	gates       *gate.Controller
	runner      Runner
	versioner   *release.Versioner
	source      changes.Source
	assessor    notify.Assessor
	notifier    Notifier
	baseVersion func(ctx context.Context) (string, error)
	logger      *logging.Logger
	tracer      trace.Tracer
	now         func() time.Time

	releaseBranch string
	sem           *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*handle
	lanes  map[string]*handle
	closed bool
	wg     sync.WaitGroup
}

// New returns an Orchestrator. Call Resume once before serving triggers to
// continue runs left unfinished by a previous process.
func New(store Store, detector *changes.Detector, gates *gate.Controller, runner Runner, opts Options, options ...Option) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ReleaseBranch == "" {
		opts.ReleaseBranch = "main"
	}
	o := &Orchestrator{
		store:         store,
		detector:      detector,
		gates:         gates,
		runner:        runner,
		versioner:     release.NewVersioner(),
		logger:        logging.Nop(),
		tracer:        otel.Tracer("github.com/fyrsmithlabs/conveyor/internal/orchestrator"),
		now:           time.Now,
		releaseBranch: opts.ReleaseBranch,
		sem:           semaphore.NewWeighted(int64(opts.Workers)),
		active:        make(map[string]*handle),
		lanes:         make(map[string]*handle),
		baseVersion: func(context.Context) (string, error) {
			return release.InitialVersion, nil
		},
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// TriggerRequest describes a change to run the pipeline for.
type TriggerRequest struct {
	Trigger pipeline.Trigger
	Base    string
	Head    string

	// Paths lists touched files. When nil the configured change source
	// computes them from Base and Head.
	Paths   []string
	Commits []pipeline.Commit
}

// Trigger creates a run and starts driving it. An in-flight run on the same
// lane is superseded.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (*pipeline.Run, error) {
	if err := validateTrigger(req); err != nil {
		return nil, err
	}
	cs, err := o.changeSet(ctx, req)
	if err != nil {
		return nil, err
	}
	detected := o.detector.Detect(cs)

	t := req.Trigger
	n, err := o.store.NextAttempt(ctx, t.Kind, t.Branch, cs.Head)
	if err != nil {
		return nil, fmt.Errorf("allocating run id: %w", err)
	}
	if t.Kind != pipeline.TriggerManual {
		t.Production = false
	}

	run := &pipeline.Run{
		ID:       RunID(t.Kind, t.Branch, cs.Head, n),
		Lane:     t.Lane(),
		Trigger:  t,
		Changes:  cs,
		Affected: detected.Affected,
		Degraded: detected.Degraded,
		Status:   pipeline.StatusRunning,
	}
	if detected.Degraded {
		run.DegradedReason = detected.Reason
	}
	for _, s := range pipeline.AllStages() {
		run.Stage(s)
	}
	if o.assessor != nil {
		a := o.assessor.Assess(ctx, run)
		run.Summary = a.Summary
		score := a.RiskScore
		run.RiskScore = &score
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}
	created, err := o.store.Create(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	runsStarted.WithLabelValues(string(t.Kind)).Inc()
	o.logger.Info(logging.WithRun(ctx, created.ID), "run created",
		zap.String("trigger", string(t.Kind)),
		zap.String("branch", t.Branch),
		zap.Strings("affected", detected.IDs()),
		zap.Bool("degraded", detected.Degraded),
	)
	o.startLocked(created)
	return created, nil
}

func validateTrigger(req TriggerRequest) error {
	t := req.Trigger
	switch {
	case !t.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", pipeline.ErrInvalidTrigger, t.Kind)
	case strings.TrimSpace(t.Branch) == "":
		return fmt.Errorf("%w: branch is required", pipeline.ErrInvalidTrigger)
	case strings.TrimSpace(req.Head) == "":
		return fmt.Errorf("%w: head is required", pipeline.ErrInvalidTrigger)
	}
	return nil
}

func (o *Orchestrator) changeSet(ctx context.Context, req TriggerRequest) (pipeline.ChangeSet, error) {
	if req.Paths == nil && o.source != nil {
		cs, err := o.source.ChangeSet(ctx, req.Base, req.Head)
		if err != nil {
			return pipeline.ChangeSet{}, fmt.Errorf("computing change set %s..%s: %w", req.Base, req.Head, err)
		}
		if req.Commits != nil {
			cs.Commits = append([]pipeline.Commit(nil), req.Commits...)
		}
		return cs, nil
	}
	paths := append([]string{}, req.Paths...)
	sort.Strings(paths)
	return pipeline.ChangeSet{
		Base:    req.Base,
		Head:    req.Head,
		Paths:   paths,
		Commits: append([]pipeline.Commit(nil), req.Commits...),
	}, nil
}

// RunID derives a run identifier from the trigger, head revision and
// attempt number.
func RunID(kind pipeline.TriggerKind, branch, head string, attempt int) string {
	return fmt.Sprintf("%s-%s-%s-%d", kind, slug(branch), shortSHA(head), attempt)
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// handle tracks one run driven by this process.
type handle struct {
	id     string
	lane   string
	cancel context.CancelCauseFunc
	wake   *signal
	done   chan struct{}
}

// startLocked registers run and launches its driver. o.mu must be held.
func (o *Orchestrator) startLocked(run *pipeline.Run) {
	if prev, ok := o.lanes[run.Lane]; ok {
		o.logger.Info(logging.WithRun(context.Background(), prev.id), "superseding run", zap.String("by", run.ID))
		prev.cancel(&pipeline.SupersededError{RunID: prev.id, By: run.ID})
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	h := &handle{id: run.ID, lane: run.Lane, cancel: cancel, wake: newSignal(), done: make(chan struct{})}
	o.active[h.id] = h
	o.lanes[h.lane] = h
	activeRuns.Inc()

	o.wg.Add(1)
	go o.drive(ctx, h)
}

func (o *Orchestrator) forget(h *handle) {
	o.mu.Lock()
	delete(o.active, h.id)
	if o.lanes[h.lane] == h {
		delete(o.lanes, h.lane)
	}
	o.mu.Unlock()
	h.cancel(nil)
	activeRuns.Dec()
	close(h.done)
	o.wg.Done()
}

// Resume continues every non-terminal run found in the ledger. When a lane
// holds several, all but the newest are superseded.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	runs, err := o.store.NonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished runs: %w", err)
	}

	newest := make(map[string]*pipeline.Run)
	for _, r := range runs {
		newest[r.Lane] = r
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrShuttingDown
	}
	resumed := 0
	for _, r := range runs {
		if _, running := o.active[r.ID]; running {
			continue
		}
		if keep := newest[r.Lane]; keep.ID != r.ID {
			cause := &pipeline.SupersededError{RunID: r.ID, By: keep.ID}
			if err := o.cancelRun(ctx, r.ID, cause); err != nil {
				return resumed, err
			}
			continue
		}
		o.logger.Info(logging.WithRun(ctx, r.ID), "resuming run")
		o.startLocked(r)
		resumed++
	}
	return resumed, nil
}

// ApproveRequest is a reviewer decision for one stage.
type ApproveRequest struct {
	RunID    string
	Stage    pipeline.Stage
	Approver string
	Decision pipeline.Decision
	Comment  string
}

// Approve records a reviewer decision and wakes the run if it is parked.
func (o *Orchestrator) Approve(ctx context.Context, req ApproveRequest) (*pipeline.Approval, error) {
	if !req.Decision.Valid() {
		return nil, fmt.Errorf("invalid decision %q", req.Decision)
	}
	run, err := o.store.Get(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.Terminal {
		return nil, fmt.Errorf("%w: %s is %s", pipeline.ErrRunTerminal, run.ID, run.Status)
	}
	if !o.gates.RequiresApproval(req.Stage) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNoApprovalGate, req.Stage)
	}
	if !o.gates.IsReviewer(req.Stage, req.Approver) {
		return nil, fmt.Errorf("%w: %s for %s", pipeline.ErrNotReviewer, req.Approver, req.Stage)
	}
	if st := run.Stage(req.Stage).Status; st != pipeline.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", pipeline.ErrGatePassed, req.Stage, st)
	}

	a := pipeline.Approval{
		RunID:    run.ID,
		Stage:    req.Stage,
		Approver: req.Approver,
		Decision: req.Decision,
		Comment:  req.Comment,
		At:       o.now(),
	}
	if err := o.store.RecordApproval(ctx, a); err != nil {
		return nil, err
	}
	o.logger.Info(logging.WithStage(logging.WithRun(ctx, run.ID), string(req.Stage)), "approval recorded",
		zap.String("approver", req.Approver),
		zap.String("decision", string(req.Decision)),
	)

	o.mu.Lock()
	h := o.active[run.ID]
	o.mu.Unlock()
	if h != nil {
		h.wake.broadcast()
	}
	return &a, nil
}

// Cancel stops a run on operator request and waits until it is recorded
// as cancelled or ctx is done.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) (*pipeline.Run, error) {
	run, err := o.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal {
		return nil, fmt.Errorf("%w: %s is %s", pipeline.ErrRunTerminal, run.ID, run.Status)
	}
	if reason == "" {
		reason = "no reason given"
	}
	cause := fmt.Errorf("cancelled by operator: %s", reason)

	o.mu.Lock()
	h := o.active[runID]
	o.mu.Unlock()

	if h == nil {
		if err := o.cancelRun(ctx, runID, cause); err != nil {
			return nil, err
		}
		return o.store.Get(ctx, runID)
	}
	h.cancel(cause)
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.store.Get(ctx, runID)
}

// Shutdown stops accepting triggers and interrupts in-flight runs, leaving
// them resumable. It waits for drivers to exit until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, h := range o.active {
		h.cancel(ErrShuttingDown)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a run.
func (o *Orchestrator) Get(ctx context.Context, id string) (*pipeline.Run, error) {
	return o.store.Get(ctx, id)
}

// List returns runs matching f, newest first.
func (o *Orchestrator) List(ctx context.Context, f ledger.Filter) ([]*pipeline.Run, error) {
	return o.store.List(ctx, f)
}

// History returns the transition log of a run.
func (o *Orchestrator) History(ctx context.Context, id string) ([]pipeline.Transition, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.store.History(ctx, id)
}

// Approvals returns the decisions recorded for a stage of a run.
func (o *Orchestrator) Approvals(ctx context.Context, id string, stage pipeline.Stage) ([]pipeline.Approval, error) {
	return o.store.Approvals(ctx, id, stage)
}

// Active returns the ids of runs driven by this process, sorted.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// signal is a broadcast wakeup. Waiters take the channel before checking
// their condition so a broadcast in between is not lost.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
