package ledger

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/config"
)

// Config configures the underlying badger database.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool

	// GCInterval runs value-log GC periodically. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64

	Logger *zap.Logger
}

// ConfigFrom maps the ledger section of the config.
func ConfigFrom(cfg config.LedgerConfig, logger *zap.Logger) Config {
	return Config{
		Path:           cfg.Path,
		InMemory:       cfg.InMemory,
		SyncWrites:     cfg.SyncWrites,
		GCInterval:     cfg.GCInterval.Duration(),
		GCDiscardRatio: 0.5,
		Logger:         logger,
	}
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }

func openDB(cfg Config) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("ledger path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("creating ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return db, nil
}

// gcLoop runs value-log GC until stop is closed.
func gcLoop(db *badger.DB, interval time.Duration, ratio float64, logger *zap.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.Warn("ledger value log gc failed", zap.Error(err))
			}
		}
	}
}
