package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Health states reported by Status.
const (
	StatusDisabled = "disabled"
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusStopped  = "stopped"
)

// Telemetry owns the process tracer and meter providers. When an exporter
// cannot be created the instance stays usable and falls back to the
// global no-op providers.
type Telemetry struct {
	cfg    *Config
	logger *zap.Logger

	tracers *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider

	mu       sync.Mutex
	failures []string
	stopped  bool
}

// Option configures a Telemetry instance.
type Option func(*Telemetry)

// WithLogger reports exporter failures to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Telemetry) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New installs the providers described by cfg as the otel globals.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.fail("traces", err)
	} else {
		t.tracers = tp
		otel.SetTracerProvider(tp)
	}
	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.fail("metrics", err)
	} else {
		t.meters = mp
		otel.SetMeterProvider(mp)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return t, nil
}

func (t *Telemetry) fail(signal string, err error) {
	t.mu.Lock()
	t.failures = append(t.failures, signal)
	t.mu.Unlock()
	t.logger.Warn("telemetry export unavailable", zap.String("signal", signal), zap.Error(err))
}

// Tracer returns a tracer from the configured provider, or the global one.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracers == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tracers.Tracer(name, opts...)
}

// Meter returns a meter from the configured provider, or the global one.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meters == nil {
		return otel.Meter(name, opts...)
	}
	return t.meters.Meter(name, opts...)
}

// Status reports one of the Status constants for the health endpoint.
func (t *Telemetry) Status() string {
	if t == nil || !t.cfg.Enabled {
		return StatusDisabled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.stopped:
		return StatusStopped
	case len(t.failures) > 0:
		return StatusDegraded
	default:
		return StatusOK
	}
}

// Shutdown flushes pending spans and metrics. Later calls are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownAfter.Duration())
		defer cancel()
	}
	var errs []error
	if t.tracers != nil {
		if err := t.tracers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing traces: %w", err))
		}
	}
	if t.meters != nil {
		if err := t.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
