// Package logging is the structured logger used across conveyor.
//
// Logger wraps zap. Every method takes a context and appends the
// correlation fields stored in it: trace_id and span_id from OpenTelemetry,
// and run.id, stage, project and request.id set with WithRun, WithStage,
// WithProject and WithRequestID. Output goes to stdout, to an OTel log
// provider through otelzap, or both. Stdout entries pass through a
// redacting encoder, and Debug and Info entries are sampled.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithStage(logging.WithRun(ctx, run.ID), "ci")
//	logger.Info(ctx, "stage started", zap.Int("projects", n))
//
// Tests use NewTestLogger and its Assert helpers.
package logging
