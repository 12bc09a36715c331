package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Sink delivers one event to a consumer.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Policy bounds retry per sink.
type Policy struct {
	// QueueSize is the backlog size above which a warning is logged. The
	// backlog itself is not capped.
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

// DefaultPolicy returns the default delivery policy.
func DefaultPolicy() Policy {
	return Policy{
		QueueSize:      256,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// PolicyFromConfig maps the notify section onto a Policy.
func PolicyFromConfig(cfg config.NotifyConfig) Policy {
	p := DefaultPolicy()
	if cfg.QueueSize > 0 {
		p.QueueSize = cfg.QueueSize
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if d := cfg.InitialBackoff.Duration(); d > 0 {
		p.InitialBackoff = d
	}
	return p
}

// Outbox persists events that could not be delivered before shutdown so a
// later dispatcher can replay them. The ledger implements it.
type Outbox interface {
	Stash(ctx context.Context, sink string, entries map[string][]byte) error
	Unstash(ctx context.Context, sink string) ([][]byte, error)
}

// worker owns the backlog of one sink. The backlog is unbounded so Publish
// never has to choose between blocking and dropping.
type worker struct {
	sink Sink
	wake chan struct{}

	mu      sync.Mutex
	pending []Event
	closed  bool
	warned  bool
}

func newWorker(s Sink) *worker {
	return &worker{sink: s, wake: make(chan struct{}, 1)}
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// push appends evs and returns the resulting backlog.
func (w *worker) push(evs ...Event) int {
	w.mu.Lock()
	w.pending = append(w.pending, evs...)
	n := len(w.pending)
	w.mu.Unlock()
	w.signal()
	return n
}

// next blocks until an event is available. It reports false once the
// worker is closed and drained, or when stop fires.
func (w *worker) next(stop <-chan struct{}) (Event, bool) {
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			ev := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()
			return ev, true
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-w.wake:
		case <-stop:
			return Event{}, false
		}
	}
}

// takeAll empties the backlog, putting head (if any) first.
func (w *worker) takeAll(head ...Event) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append(head, w.pending...)
	w.pending = nil
	return out
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

// Dispatcher fans events out to sinks without blocking publishers. Events
// are delivered at least once: transient failures are retried, and events
// still pending at shutdown go to the outbox when one is configured.
type Dispatcher struct {
	policy  Policy
	logger  *logging.Logger
	outbox  Outbox
	workers []*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithOutbox stashes undelivered events in o at shutdown and replays what o
// holds on start.
func WithOutbox(o Outbox) DispatcherOption {
	return func(d *Dispatcher) { d.outbox = o }
}

// NewDispatcher starts one worker per sink.
func NewDispatcher(sinks []Sink, policy Policy, opts ...DispatcherOption) *Dispatcher {
	def := DefaultPolicy()
	if policy.QueueSize <= 0 {
		policy.QueueSize = def.QueueSize
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{policy: policy, logger: logging.Nop(), ctx: ctx, cancel: cancel}
	for _, opt := range opts {
		opt(d)
	}
	for _, s := range sinks {
		w := newWorker(s)
		d.replay(w)
		d.workers = append(d.workers, w)
		d.wg.Add(1)
		go d.run(w)
	}
	return d
}

// replay loads events stashed by a previous dispatcher.
func (d *Dispatcher) replay(w *worker) {
	if d.outbox == nil {
		return
	}
	name := w.sink.Name()
	raw, err := d.outbox.Unstash(d.ctx, name)
	if err != nil {
		d.logger.Error(d.ctx, "loading stashed notifications", zap.String("sink", name), zap.Error(err))
		return
	}
	for _, b := range raw {
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			d.logger.Error(d.ctx, "decoding stashed notification", zap.String("sink", name), zap.Error(err))
			continue
		}
		w.push(ev)
	}
	if len(raw) > 0 {
		d.logger.Info(d.ctx, "replaying stashed notifications", zap.String("sink", name), zap.Int("count", len(raw)))
	}
}

// Sinks returns the configured sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.workers))
	for _, w := range d.workers {
		names = append(names, w.sink.Name())
	}
	return names
}

// Publish enqueues ev for every sink. It never blocks. A backlog above
// Policy.QueueSize is logged once per episode.
func (d *Dispatcher) Publish(ev Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, w := range d.workers {
		n := w.push(ev)
		w.mu.Lock()
		warn := n > d.policy.QueueSize && !w.warned
		if warn {
			w.warned = true
		} else if n <= d.policy.QueueSize {
			w.warned = false
		}
		w.mu.Unlock()
		if warn {
			notificationBacklog.WithLabelValues(w.sink.Name()).Inc()
			d.logger.Warn(d.ctx, "notification backlog exceeds queue size",
				zap.String("sink", w.sink.Name()),
				zap.Int("pending", n),
				zap.Int("queue_size", d.policy.QueueSize),
			)
		}
	}
}

// Close stops accepting events and drains the backlog until ctx is done.
// Whatever is left then is stashed in the outbox. Sinks implementing
// io.Closer are closed afterwards.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, w := range d.workers {
		w.close()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()

	sinks := make([]Sink, 0, len(d.workers))
	for _, w := range d.workers {
		sinks = append(sinks, w.sink)
	}
	return errors.Join(err, closeSinks(sinks))
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for {
		ev, ok := w.next(d.ctx.Done())
		if !ok {
			break
		}
		if d.ctx.Err() != nil || !d.deliver(w.sink, ev) {
			d.stash(w, w.takeAll(ev))
			return
		}
	}
	if d.ctx.Err() != nil {
		d.stash(w, w.takeAll())
	}
}

// stash hands evs to the outbox. Without one they are counted as dropped.
func (d *Dispatcher) stash(w *worker, evs []Event) {
	if len(evs) == 0 {
		return
	}
	name := w.sink.Name()
	if d.outbox == nil {
		notificationsTotal.WithLabelValues(name, resultDropped).Add(float64(len(evs)))
		d.logger.Error(d.ctx, "dropping undelivered notifications at shutdown",
			zap.String("sink", name), zap.Int("count", len(evs)))
		return
	}
	entries := make(map[string][]byte, len(evs))
	batch := time.Now().UnixNano()
	for i, ev := range evs {
		b, err := json.Marshal(ev)
		if err != nil {
			d.logger.Error(d.ctx, "encoding notification", zap.String("event.id", ev.ID), zap.Error(err))
			continue
		}
		entries[fmt.Sprintf("%020d/%06d", batch, i)] = b
	}
	// The dispatcher context is already cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), d.policy.Timeout)
	defer cancel()
	if err := d.outbox.Stash(ctx, name, entries); err != nil {
		notificationsTotal.WithLabelValues(name, resultDropped).Add(float64(len(evs)))
		d.logger.Error(ctx, "stashing notifications", zap.String("sink", name), zap.Error(err))
		return
	}
	notificationsTotal.WithLabelValues(name, resultStashed).Add(float64(len(entries)))
	d.logger.Info(ctx, "stashed undelivered notifications", zap.String("sink", name), zap.Int("count", len(entries)))
}

// deliver reports false when shutdown interrupted it before ev reached a
// final outcome.
func (d *Dispatcher) deliver(sink Sink, ev Event) bool {
	ctx := logging.WithStage(logging.WithRun(d.ctx, ev.RunID), string(ev.Stage))
	backoff := d.policy.InitialBackoff

	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
		err := sink.Deliver(actx, ev)
		cancel()
		if err == nil {
			notificationsTotal.WithLabelValues(sink.Name(), resultDelivered).Inc()
			deliveryAttempts.WithLabelValues(sink.Name()).Observe(float64(attempt))
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if pipeline.IsDeterministic(err) || attempt >= d.policy.MaxAttempts {
			notificationsTotal.WithLabelValues(sink.Name(), resultFailed).Inc()
			d.logger.Warn(ctx, "notification delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("event.id", ev.ID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return true
		}

		d.logger.Debug(ctx, "retrying notification",
			zap.String("sink", sink.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, d.policy.MaxBackoff)
	}
}
