package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
)

// addModule exports add(i64, i64) i64.
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7e,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x7c, 0x0b,
}

func wasmCall(fn string, values ...*reference.Reference) *engine.AgentCall {
	return &engine.AgentCall{
		FlowIndex: "1",
		Function:  reference.Scalar(reference.PointerTo(reference.StrategyWasm, fn, "f")),
		Values:    values,
	}
}

func newMathAgent(t *testing.T) *WasmAgent {
	t.Helper()
	ctx := context.Background()
	agent, err := NewWasmAgent(ctx, WasmConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewWasmAgent failed: %v", err)
	}
	t.Cleanup(func() { _ = agent.Close(ctx) })
	if err := agent.Load(ctx, "math", addModule); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return agent
}

func TestWasmAgent_Execute(t *testing.T) {
	agent := newMathAgent(t)

	tests := []struct {
		name   string
		call   *engine.AgentCall
		expect *reference.Reference
	}{
		{name: "scalars", call: wasmCall("add", scalar(2), scalar(40)), expect: scalar(42)},
		{name: "element-wise", call: wasmCall("math.add", vec(t, 1, 2, 3), vec(t, 10, 20, 30)), expect: vec(t, 11, 22, 33)},
		{name: "broadcast", call: wasmCall("add", vec(t, 1, 2), scalar(-1)), expect: vec(t, 0, 1)},
		{name: "skip", call: wasmCall("add", vec(t, reference.Skip(), 2), scalar(1)), expect: vec(t, reference.Skip(), 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := agent.Execute(context.Background(), tt.call)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if !got.Equal(tt.expect) {
				t.Errorf("Expected %v, got %v", tt.expect, got)
			}
		})
	}
}

func TestWasmAgent_Errors(t *testing.T) {
	agent := newMathAgent(t)

	tests := []struct {
		name string
		call *engine.AgentCall
		code string
	}{
		{name: "unknown function", call: wasmCall("mul", scalar(1), scalar(2)), code: engine.ErrCodeNotFound},
		{name: "unknown module", call: wasmCall("other.add", scalar(1), scalar(2)), code: engine.ErrCodeNotFound},
		{name: "parameter count", call: wasmCall("add", scalar(1)), code: engine.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := agent.Execute(context.Background(), tt.call)
			if !engine.IsPermanent(err) {
				t.Fatalf("Expected permanent error, got %v", err)
			}
			if code := engine.CodeOf(err); code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, code)
			}
		})
	}

	_, err := agent.Execute(context.Background(), wasmCall("add", scalar("x"), scalar(1)))
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error for a string operand, got %v", err)
	}
}

func TestWasmAgent_Functions(t *testing.T) {
	fns := newMathAgent(t).Functions()
	if len(fns) != 1 || fns[0] != "math.add" {
		t.Errorf("Expected [math.add], got %v", fns)
	}
}

func TestWasmAgent_LoadFile(t *testing.T) {
	ctx := context.Background()
	agent, err := NewWasmAgent(ctx, WasmConfig{})
	if err != nil {
		t.Fatalf("NewWasmAgent failed: %v", err)
	}
	defer agent.Close(ctx)

	path := filepath.Join(t.TempDir(), "arith.wasm")
	if err := os.WriteFile(path, addModule, 0o600); err != nil {
		t.Fatalf("failed to write module: %v", err)
	}
	if err := agent.LoadFile(ctx, path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	got, err := agent.Execute(ctx, wasmCall("arith.add", scalar(1), scalar(1)))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !got.Equal(scalar(2)) {
		t.Errorf("Expected 2, got %v", got)
	}

	if err := agent.Load(ctx, "junk", []byte("not wasm")); err == nil {
		t.Error("Expected invalid module to be rejected")
	}
}
