package logging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sampledEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conveyor",
	Subsystem: "log",
	Name:      "sampled_entries_total",
	Help:      "Log entries dropped by sampling, by level.",
}, []string{"level"})

// withSampling throttles Debug and Info entries through a zap sampler.
// Warn and above bypass it so that gate, retry and delivery warnings are
// never lost.
func withSampling(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	quiet := &gatedCore{Core: core, allow: func(l zapcore.Level) bool { return l < zapcore.WarnLevel }}
	loud := &gatedCore{Core: core, allow: func(l zapcore.Level) bool { return l >= zapcore.WarnLevel }}

	sampled := zapcore.NewSamplerWithOptions(quiet, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter,
		zapcore.SamplerHook(func(ent zapcore.Entry, dec zapcore.SamplingDecision) {
			if dec&zapcore.LogDropped != 0 {
				sampledEntries.WithLabelValues(ent.Level.String()).Inc()
			}
		}),
	)
	return zapcore.NewTee(loud, sampled)
}

// gatedCore restricts a core to the levels accepted by allow.
type gatedCore struct {
	zapcore.Core
	allow zap.LevelEnablerFunc
}

func (c *gatedCore) Enabled(l zapcore.Level) bool {
	return c.allow(l) && c.Core.Enabled(l)
}

func (c *gatedCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.allow(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *gatedCore) With(fields []zapcore.Field) zapcore.Core {
	return &gatedCore{Core: c.Core.With(fields), allow: c.allow}
}
