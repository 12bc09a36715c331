// Package telemetry provides OpenTelemetry tracing and metrics for conveyor.
//
// Telemetry is disabled by default. When enabled it exports over OTLP (gRPC
// or HTTP) to a collector. Exporter failures degrade to no-op providers
// rather than stopping the orchestrator.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	tracer := tel.Tracer("github.com/fyrsmithlabs/conveyor/internal/orchestrator")
//
// Tests use NewTestTelemetry, which records spans in memory.
package telemetry
