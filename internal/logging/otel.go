package logging

import (
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/conveyor"

// buildCore assembles the stdout and OpenTelemetry cores. Only the stdout
// core is redacted; the OTel bridge carries structured attributes to a
// collector that applies its own policy.
func buildCore(cfg *Config, provider log.LoggerProvider, out io.Writer) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Stdout {
		if out == nil {
			out = os.Stdout
		}
		enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(out), cfg.Level))
	}
	if cfg.OTEL && provider != nil {
		cores = append(cores, otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(provider)))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("no log output available: stdout is disabled and no OTel provider was given")
	case 1:
		return withSampling(cores[0], cfg.Sampling), nil
	default:
		return withSampling(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}
