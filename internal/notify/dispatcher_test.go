package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// recordingSink fails the first failures calls with err, then records.
type recordingSink struct {
	name     string
	failures int32
	err      error
	block    chan struct{}

	calls atomic.Int32
	mu    sync.Mutex
	got   []Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, ev Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n := s.calls.Add(1); n <= s.failures {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.got...)
}

func fastPolicy() Policy {
	return Policy{
		QueueSize:      8,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func testEvent(status pipeline.Status) Event {
	return Event{ID: "ev-1", RunID: "push-main-abc1234-1", Stage: pipeline.StageCI, Status: status, Head: "abc1234"}
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := NewDispatcher([]Sink{a, b}, fastPolicy())

	d.Publish(testEvent(pipeline.StatusRunning))
	d.Publish(testEvent(pipeline.StatusSucceeded))
	require.NoError(t, d.Close(context.Background()))

	for _, s := range []*recordingSink{a, b} {
		got := s.events()
		require.Len(t, got, 2, s.name)
		assert.Equal(t, pipeline.StatusRunning, got[0].Status)
		assert.Equal(t, pipeline.StatusSucceeded, got[1].Status)
	}
	assert.Equal(t, []string{"a", "b"}, d.Sinks())
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	s := &recordingSink{name: "flaky", failures: 2, err: &pipeline.TransientCollaboratorError{Operation: "test", Err: errors.New("503")}}
	d := NewDispatcher([]Sink{s}, fastPolicy())

	d.Publish(testEvent(pipeline.StatusSucceeded))
	require.NoError(t, d.Close(context.Background()))

	assert.EqualValues(t, 3, s.calls.Load())
	assert.Len(t, s.events(), 1)
}

func TestDispatcher_PermanentFailureNotRetried(t *testing.T) {
	logger := logging.NewTestLogger()
	s := &recordingSink{name: "gone", failures: 10, err: &pipeline.DeterministicCollaboratorError{Operation: "test", Detail: "404"}}
	d := NewDispatcher([]Sink{s}, fastPolicy(), WithLogger(logger.Logger))

	d.Publish(testEvent(pipeline.StatusFailed))
	require.NoError(t, d.Close(context.Background()))

	assert.EqualValues(t, 1, s.calls.Load())
	logger.AssertLogged(t, zapcore.WarnLevel, "notification delivery failed")
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	s := &recordingSink{name: "down", failures: 100, err: errors.New("connection refused")}
	d := NewDispatcher([]Sink{s}, fastPolicy())

	d.Publish(testEvent(pipeline.StatusFailed))
	require.NoError(t, d.Close(context.Background()))

	assert.EqualValues(t, 3, s.calls.Load())
	assert.Empty(t, s.events())
}

func TestDispatcher_DeliversEveryEventBeyondQueueSize(t *testing.T) {
	logger := logging.NewTestLogger()
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	p := fastPolicy()
	p.QueueSize = 1
	d := NewDispatcher([]Sink{slow}, p, WithLogger(logger.Logger))

	statuses := []pipeline.Status{
		pipeline.StatusPending, pipeline.StatusRunning, pipeline.StatusFailed,
		pipeline.StatusSkipped, pipeline.StatusCancelled,
	}
	for _, st := range statuses {
		d.Publish(testEvent(st))
	}
	close(slow.block)
	require.NoError(t, d.Close(context.Background()))

	got := slow.events()
	require.Len(t, got, len(statuses))
	for i, st := range statuses {
		assert.Equal(t, st, got[i].Status)
	}
	logger.AssertLogged(t, zapcore.WarnLevel, "notification backlog exceeds queue size")
}

// memOutbox is an in-memory Outbox.
type memOutbox struct {
	mu      sync.Mutex
	entries map[string]map[string][]byte
}

func (o *memOutbox) Stash(_ context.Context, sink string, entries map[string][]byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.entries == nil {
		o.entries = map[string]map[string][]byte{}
	}
	if o.entries[sink] == nil {
		o.entries[sink] = map[string][]byte{}
	}
	for k, v := range entries {
		o.entries[sink][k] = v
	}
	return nil
}

func (o *memOutbox) Unstash(_ context.Context, sink string) ([][]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.entries[sink]))
	for k := range o.entries[sink] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, o.entries[sink][k])
	}
	delete(o.entries, sink)
	return out, nil
}

func (o *memOutbox) len(sink string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries[sink])
}

func TestDispatcher_StashesAndReplaysAcrossRestart(t *testing.T) {
	outbox := &memOutbox{}
	stuck := &recordingSink{name: "hook", block: make(chan struct{})}
	d := NewDispatcher([]Sink{stuck}, fastPolicy(), WithOutbox(outbox))
	d.Publish(testEvent(pipeline.StatusRunning))
	d.Publish(testEvent(pipeline.StatusFailed))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	assert.Empty(t, stuck.events())
	assert.Equal(t, 2, outbox.len("hook"))

	healthy := &recordingSink{name: "hook"}
	next := NewDispatcher([]Sink{healthy}, fastPolicy(), WithOutbox(outbox))
	require.NoError(t, next.Close(context.Background()))

	got := healthy.events()
	require.Len(t, got, 2)
	assert.Equal(t, pipeline.StatusRunning, got[0].Status)
	assert.Equal(t, pipeline.StatusFailed, got[1].Status)
	assert.Zero(t, outbox.len("hook"))
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	p := fastPolicy()
	p.QueueSize = 1
	d := NewDispatcher([]Sink{slow}, p)
	t.Cleanup(func() {
		close(slow.block)
		_ = d.Close(context.Background())
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Publish(testEvent(pipeline.StatusRunning))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestDispatcher_CloseHonorsDeadline(t *testing.T) {
	stuck := &recordingSink{name: "stuck", block: make(chan struct{})}
	d := NewDispatcher([]Sink{stuck}, fastPolicy())
	d.Publish(testEvent(pipeline.StatusRunning))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Publishing after close is a no-op.
	d.Publish(testEvent(pipeline.StatusSucceeded))
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_NilPublish(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() { d.Publish(testEvent(pipeline.StatusRunning)) })
}

func TestNewEvent(t *testing.T) {
	score := 0.7
	run := &pipeline.Run{
		ID:        "push-main-abc1234-1",
		Trigger:   pipeline.Trigger{Kind: pipeline.TriggerPush, Branch: "main"},
		Changes:   pipeline.ChangeSet{Head: "abc1234"},
		Summary:   "1 commit(s) affecting api: hotfix",
		RiskScore: &score,
	}
	run.Stage(pipeline.StageProduction).Reason = "awaiting approval (0/1)"

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	ev := NewEvent(run, pipeline.StageProduction, pipeline.StatusPending, at)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, run.ID, ev.RunID)
	assert.Equal(t, "abc1234", ev.Head)
	assert.Equal(t, "main", ev.Branch)
	assert.Equal(t, "awaiting approval (0/1)", ev.Reason)
	require.NotNil(t, ev.RiskScore)
	assert.InDelta(t, 0.7, *ev.RiskScore, 0.0001)
	assert.Equal(t, time.UTC, ev.At.Location())

	score = 0.1
	assert.InDelta(t, 0.7, *ev.RiskScore, 0.0001, "event must not alias the run")
}
