package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "verbose", mutate: func(c *Config) { c.Verbose() }},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level must be one of"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format must be one of"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "tracing.exporter must be one of"},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "tracing.sampling_rate must be at most 1"},
		{name: "no buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "events.buffer_size is required"},
		{name: "no buffer when disabled", mutate: func(c *Config) {
			c.Events.Enabled = false
			c.Events.BufferSize = 0
		}},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service_name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := FromZerolog(zerolog.New(&buf)).
		NewComponentLogger("scheduler").
		WithRunID("run-1").
		WithFlowIndex("1.2").
		WithIteration(3).
		WithCycle(7)

	logger.Info("dispatched")

	var fields map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	want := map[string]interface{}{
		"component":  "scheduler",
		"run_id":     "run-1",
		"flow_index": "1.2",
		"iteration":  float64(3),
		"cycle":      float64(7),
		"message":    "dispatched",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRunStarted()
	m.RecordCycle(2)
	m.RecordInference("compute", "completed", time.Millisecond)
	m.RecordCheckpoint("save", 10)

	disabled, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	disabled.RecordDeadlock()
	if disabled.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
}

func TestMetricsRegistry(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordCycle(4)
	m.RecordInference("timing", "completed", time.Millisecond)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"test_scheduler_cycles_total", "test_inferences_total"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	defer ep.Shutdown(context.Background())

	var mu sync.Mutex
	var got []Event
	var wg sync.WaitGroup
	wg.Add(1)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		wg.Done()
	}, FilterByType(EventTypeCheckpointSaved))

	_ = ep.PublishRunStarted("run-1", "start")
	_ = ep.PublishCheckpointSaved("run-1", 3, 128)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Cycle != 3 || got[0].RunID != "run-1" || got[0].ID == "" {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

func TestEventFilters(t *testing.T) {
	e := Event{Type: EventTypeInferenceFailed, Level: EventLevelError, RunID: "r", FlowIndex: "1.1"}
	if !FilterByLevel(EventLevelWarning)(e) {
		t.Error("error event should pass warning filter")
	}
	if FilterByRunID("other")(e) {
		t.Error("run filter should reject other run")
	}
	if !FilterByFlowIndex("1.1")(e) {
		t.Error("flow index filter should accept 1.1")
	}
}

func TestNop(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())
	ctx = tel.BeginRun(ctx, "run-1", "start")
	scope := tel.StartInference(ctx, "run-1", "1", "compute", 0)
	scope.Fail(errors.New("boom"))
	scope.End()
	tel.EndRun(ctx, "succeeded", 1, nil)
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestRunScope(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Namespace = "scope"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	var mu sync.Mutex
	var types []string
	tel.Events.Subscribe(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}, FilterByRunID("run-7"))

	ctx := tel.WithContext(context.Background())
	ctx = tel.BeginRun(ctx, "run-7", "resume")

	scope := tel.StartInference(ctx, "run-7", "1.2", "compute", 1)
	err = ObserveAgentCall(scope.Ctx, "builtin", "add", func(context.Context) error {
		return errors.New("agent down")
	})
	if err == nil || err.Error() != "agent down" {
		t.Fatalf("ObserveAgentCall should return the call error, got %v", err)
	}
	scope.Fail(err)
	scope.End()

	tel.EndRun(ctx, "partial", 2, nil)
	if err := tel.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), types...)
	mu.Unlock()
	if len(got) != 2 || got[0] != EventTypeRunStarted || got[1] != EventTypeRunCompleted {
		t.Errorf("run events = %v", got)
	}

	families, err := tel.Metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"scope_runs_started_total", "scope_runs_completed_total", "scope_agent_calls_total", "scope_agent_errors_total"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestEndRunWithoutRun(t *testing.T) {
	tel := Nop()
	// a context that never began a run is ignored
	tel.EndRun(context.Background(), "succeeded", 0, nil)
}

func TestEventPublisherAsyncOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16, MaxBatchSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var cycles []int
	ep.Subscribe(func(e Event) {
		mu.Lock()
		cycles = append(cycles, e.Cycle)
		mu.Unlock()
	}, nil)

	for i := 1; i <= 6; i++ {
		if err := ep.PublishCheckpointSaved("run-1", i, 0); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := ep.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	got := append([]int(nil), cycles...)
	mu.Unlock()
	if len(got) != 6 {
		t.Fatalf("expected 6 events after flush, got %d", len(got))
	}
	for i, c := range got {
		if c != i+1 {
			t.Fatalf("events out of order: %v", got)
		}
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := ep.PublishRunStarted("run-1", "start"); err == nil {
		t.Error("publish after shutdown should fail")
	}
}
