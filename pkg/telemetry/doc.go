// Package telemetry provides observability instrumentation for the tessera
// orchestration engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing behind a single
// Telemetry value that the engine, the stores and the CLI share.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Engine components accept a *Telemetry and fall back to Nop() when none is
// given.
//
// # Structured Logging
//
// Loggers carry run-scoped fields:
//
//	logger := tel.Logger.NewComponentLogger("scheduler").WithRunID(runID)
//	logger.WithFlowIndex("1.2").WithIteration(gen).Debug("dispatching")
//
// # Tracing
//
// Spans are opened per run (run.execute), per scheduler cycle
// (scheduler.cycle), per inference (inference.<kind>) and per agent call
// (agent.<strategy>). Exporters: otlp (gRPC), stdout, none.
//
// The orchestrator brackets a run with BeginRun and EndRun; the scheduler
// wraps each compute inference in StartInference and each agent call in
// ObserveAgentCall.
//
// # Metrics
//
// Counters and histograms cover runs, cycles, dispatched inferences, retries,
// loop iterations, agent calls, checkpoints and classified errors. Metrics are
// served by StartMetricsServer when enabled.
//
// # Events
//
// The EventPublisher fans events out to subscribers, optionally through an
// async buffer. The engine's process tracker forwards every log entry as an
// event, so subscribers see run, inference, loop and checkpoint activity.
package telemetry
