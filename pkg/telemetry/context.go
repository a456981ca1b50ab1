package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and run event publisher
// handed to the orchestrator and scheduler.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that logs nothing, records nothing and publishes
// nothing. Engine components fall back to it when none is injected.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(MetricsConfig{})
	events, _ := NewEventPublisher(EventsConfig{})
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return nil
}

// Flush delivers queued events and exports pending spans.
func (t *Telemetry) Flush(ctx context.Context) error {
	if err := t.Events.Flush(ctx); err != nil {
		return err
	}
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// runScope is the run span and timer stored in a run context.
type runScope struct {
	runID string
	span  trace.Span
	timer *Timer
}

type runScopeKey struct{}

// BeginRun opens the run span, counts the run as started and publishes the
// run started event. how is "start", "resume", "fork" or "step". The returned
// context carries a run-scoped logger.
func (t *Telemetry) BeginRun(ctx context.Context, runID, how string) context.Context {
	ctx, span := t.Tracer.StartRunSpan(ctx, runID)
	ctx = t.Logger.WithRunID(runID).WithContext(ctx)

	t.Metrics.RecordRunStarted()
	_ = t.Events.PublishRunStarted(runID, how)

	return context.WithValue(ctx, runScopeKey{}, &runScope{runID: runID, span: span, timer: NewTimer()})
}

// EndRun closes the run opened by BeginRun on ctx with its final status and
// cycle count. It does nothing when ctx carries no run.
func (t *Telemetry) EndRun(ctx context.Context, status string, cycles int, err error) {
	rs, ok := ctx.Value(runScopeKey{}).(*runScope)
	if !ok {
		return
	}
	duration := rs.timer.Duration()

	rs.span.SetAttributes(AttrRunStatus.String(status), AttrCycle.Int(cycles))
	if err != nil {
		RecordError(rs.span, err)
	} else {
		RecordSuccess(rs.span)
	}
	rs.span.End()

	t.Metrics.RecordRunCompleted(status, duration)
	if err != nil {
		_ = t.Events.PublishRunFailed(rs.runID, err.Error())
	} else {
		_ = t.Events.PublishRunCompleted(rs.runID, status, cycles, duration)
	}
}

// InferenceScope is the span and logger of one inference evaluation.
type InferenceScope struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
}

// StartInference opens the span for generation iteration of an inference.
// The logger carries the run, flow index, iteration and trace ids.
func (t *Telemetry) StartInference(ctx context.Context, runID, flowIndex, kind string, iteration int) *InferenceScope {
	ctx, span := t.Tracer.StartInferenceSpan(ctx, flowIndex, kind, iteration)
	span.SetAttributes(AttrRunID.String(runID))

	logger := t.Logger.WithRunID(runID).WithFlowIndex(flowIndex).WithIteration(iteration)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	return &InferenceScope{Ctx: logger.WithContext(ctx), Span: span, Logger: logger}
}

// Fail marks the inference span failed.
func (s *InferenceScope) Fail(err error) {
	RecordError(s.Span, err)
}

func (s *InferenceScope) Succeed() {
	RecordSuccess(s.Span)
}

// End closes the inference span.
func (s *InferenceScope) End() {
	s.Span.End()
}

// ObserveAgentCall runs fn inside an agent span and records its latency and
// failure against strategy and operation. Without telemetry on ctx it only
// runs fn.
func ObserveAgentCall(ctx context.Context, strategy, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartAgentSpan(ctx, strategy, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	tel.Metrics.RecordAgentCall(strategy, operation, timer.Duration())
	if err != nil {
		tel.Metrics.RecordAgentError(strategy, operation)
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
