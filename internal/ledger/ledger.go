package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

var (
	// ErrRunExists is returned by Create for a duplicate run id.
	ErrRunExists = errors.New("run already exists")

	// ErrApprovalExists is returned when an approver already decided a stage.
	ErrApprovalExists = errors.New("approval already recorded")

	// ErrNoChange may be returned by an Update function to skip the write.
	ErrNoChange = errors.New("no change")
)

const maxConflictRetries = 32

// Ledger persists runs in badger.
type Ledger struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time

	stopGC chan struct{}
	doneGC chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for UpdatedAt and history.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open opens (or creates) the ledger described by cfg.
func Open(cfg Config, opts ...Option) (*Ledger, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db, logger: cfg.Logger, now: time.Now}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		l.stopGC = make(chan struct{})
		l.doneGC = make(chan struct{})
		go gcLoop(db, cfg.GCInterval, ratio, l.logger, l.stopGC, l.doneGC)
	}
	return l, nil
}

// Close stops GC and closes the database.
func (l *Ledger) Close() error {
	if l.stopGC != nil {
		close(l.stopGC)
		<-l.doneGC
	}
	return l.db.Close()
}

func runKey(id string) []byte { return []byte("run/" + id) }

func historyPrefix(id string) []byte { return []byte("hist/" + id + "/") }

func historyKey(id string, version uint64, seq int) []byte {
	return []byte(fmt.Sprintf("hist/%s/%020d/%06d", id, version, seq))
}

func approvalPrefix(id string, stage pipeline.Stage) []byte {
	return []byte("appr/" + id + "/" + string(stage) + "/")
}

func outboxPrefix(sink string) []byte { return []byte("outbox/" + sink + "/") }

func attemptKey(kind pipeline.TriggerKind, branch, head string) []byte {
	return []byte("attempt/" + string(kind) + "/" + branch + "/" + head)
}

// Create stores a new run at version 1 and records its initial transitions.
func (l *Ledger) Create(ctx context.Context, run *pipeline.Run) (*pipeline.Run, error) {
	if run == nil || run.ID == "" {
		return nil, errors.New("run id is required")
	}
	stored := run.Clone()
	stored.Version = 1
	now := l.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	err := l.retry(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(stored.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrRunExists, stored.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeRun(txn, stored, pipeline.Transitions(nil, stored, now))
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// Get loads a run by id.
func (l *Ledger) Get(ctx context.Context, id string) (*pipeline.Run, error) {
	var run *pipeline.Run
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		run, err = readRun(txn, id)
		return err
	})
	return run, err
}

// Update applies fn to a copy of the run and commits the result with the
// next version. fn may run more than once when writers conflict, so it must
// only mutate the run it is given. Returning ErrNoChange leaves the run
// untouched; any other error aborts the update and is returned.
func (l *Ledger) Update(ctx context.Context, id string, fn func(*pipeline.Run) error) (*pipeline.Run, []pipeline.Transition, error) {
	var (
		after       *pipeline.Run
		transitions []pipeline.Transition
	)
	err := l.retry(ctx, func(txn *badger.Txn) error {
		before, err := readRun(txn, id)
		if err != nil {
			return err
		}
		next := before.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				after, transitions = before, nil
				return nil
			}
			return err
		}
		if next.ID != before.ID {
			return fmt.Errorf("update may not change run id %s", before.ID)
		}

		now := l.now()
		next.Version = before.Version + 1
		next.UpdatedAt = now
		ts := pipeline.Transitions(before, next, now)
		if err := writeRun(txn, next, ts); err != nil {
			return err
		}
		after, transitions = next, ts
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return after.Clone(), transitions, nil
}

// retry runs fn in a read-write transaction, retrying on conflict.
func (l *Ledger) retry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxConflictRetries {
			return fmt.Errorf("ledger write conflict after %d attempts: %w", attempt, err)
		}
		l.logger.Debug("ledger write conflict, retrying", zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Millisecond):
		}
	}
}

func readRun(txn *badger.Txn, id string) (*pipeline.Run, error) {
	item, err := txn.Get(runKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var run pipeline.Run
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &run) }); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return &run, nil
}

func writeRun(txn *badger.Txn, run *pipeline.Run, ts []pipeline.Transition) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.ID, err)
	}
	if err := txn.Set(runKey(run.ID), data); err != nil {
		return err
	}
	for i, t := range ts {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := txn.Set(historyKey(run.ID, run.Version, i), data); err != nil {
			return err
		}
	}
	return nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Branch string
	Lane   string
	Status pipeline.Status
	Limit  int
}

func (f Filter) match(r *pipeline.Run) bool {
	return (f.Branch == "" || r.Trigger.Branch == f.Branch) &&
		(f.Lane == "" || r.Lane == f.Lane) &&
		(f.Status == "" || r.Status == f.Status)
}

// List returns matching runs, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*pipeline.Run, error) {
	var runs []*pipeline.Run
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("run/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var run pipeline.Run
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &run) }); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			if f.match(&run) {
				runs = append(runs, &run)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs, nil
}

// NonTerminal returns every run that has not finished, oldest first.
func (l *Ledger) NonTerminal(ctx context.Context) ([]*pipeline.Run, error) {
	all, err := l.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	var out []*pipeline.Run
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Terminal {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// History returns the transitions of a run in commit order.
func (l *Ledger) History(ctx context.Context, id string) ([]pipeline.Transition, error) {
	var out []pipeline.Transition
	err := l.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var t pipeline.Transition
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &t) }); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// RecordApproval stores an immutable approval. A second decision by the
// same approver for the same stage returns ErrApprovalExists.
func (l *Ledger) RecordApproval(ctx context.Context, a pipeline.Approval) error {
	if a.RunID == "" || a.Approver == "" || !a.Decision.Valid() {
		return fmt.Errorf("incomplete approval for run %q", a.RunID)
	}
	if a.At.IsZero() {
		a.At = l.now()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := append(approvalPrefix(a.RunID, a.Stage), []byte(a.Approver)...)
	return l.retry(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(a.RunID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, a.RunID)
		}
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s by %s", ErrApprovalExists, a.Stage, a.Approver)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// Approvals returns the decisions recorded for one stage of a run, oldest
// first.
func (l *Ledger) Approvals(ctx context.Context, runID string, stage pipeline.Stage) ([]pipeline.Approval, error) {
	var out []pipeline.Approval
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = approvalPrefix(runID, stage)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var a pipeline.Approval
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// NextAttempt increments and returns the attempt counter for a trigger and
// head revision, starting at 1.
func (l *Ledger) NextAttempt(ctx context.Context, kind pipeline.TriggerKind, branch, head string) (int, error) {
	key := attemptKey(kind, branch, head)
	var n int
	err := l.retry(ctx, func(txn *badger.Txn) error {
		n = 0
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				n, err = strconv.Atoi(strings.TrimSpace(string(v)))
				return err
			}); err != nil {
				return fmt.Errorf("decoding attempt counter: %w", err)
			}
		}
		n++
		return txn.Set(key, []byte(strconv.Itoa(n)))
	})
	return n, err
}

// Stash stores undelivered notification payloads for sink under the given
// keys. Keys sort in delivery order.
func (l *Ledger) Stash(ctx context.Context, sink string, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	return l.retry(ctx, func(txn *badger.Txn) error {
		for k, v := range entries {
			if err := txn.Set(append(outboxPrefix(sink), k...), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Unstash removes and returns every payload stashed for sink, in key order.
func (l *Ledger) Unstash(ctx context.Context, sink string) ([][]byte, error) {
	var out [][]byte
	err := l.retry(ctx, func(txn *badger.Txn) error {
		out = out[:0]
		opts := badger.DefaultIteratorOptions
		opts.Prefix = outboxPrefix(sink)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
			out = append(out, v)
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
