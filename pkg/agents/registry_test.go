package agents

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
)

// recordingAgent records the operations it receives.
type recordingAgent struct {
	mu     sync.Mutex
	ops    []string
	result *reference.Reference
	err    error
	closed bool
}

func (r *recordingAgent) Execute(_ context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	_, op := call.Target()
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
	return r.result, r.err
}

func (r *recordingAgent) Close(context.Context) error {
	r.closed = true
	return nil
}

func TestRegistry_Routing(t *testing.T) {
	reg := NewRegistry(nil)
	star := &recordingAgent{result: scalar("star")}
	if err := reg.Register(reference.StrategyBuiltin, NewBuiltinAgent()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(reference.StrategyStarlark, star); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tests := []struct {
		name   string
		call   *engine.AgentCall
		expect *reference.Reference
	}{
		{
			name:   "operation override is builtin",
			call:   opCall("add", scalar(1), scalar(2)),
			expect: scalar(3),
		},
		{
			name: "literal function names builtin",
			call: &engine.AgentCall{
				FlowIndex: "1",
				Function:  scalar("mul"),
				Values:    []*reference.Reference{scalar(3), scalar(4)},
			},
			expect: scalar(12),
		},
		{
			name:   "pointer strategy selects agent",
			call:   starlarkCall("scoring.rank", scalar(1)),
			expect: scalar("star"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Execute(context.Background(), tt.call)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if !got.Equal(tt.expect) {
				t.Errorf("Expected %v, got %v", tt.expect, got)
			}
		})
	}

	if len(star.ops) != 1 || star.ops[0] != "scoring.rank" {
		t.Errorf("Expected starlark agent to receive scoring.rank, got %v", star.ops)
	}
}

func TestRegistry_Errors(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(reference.StrategyBuiltin, &recordingAgent{})

	_, err := reg.Execute(context.Background(), wasmCall("add", scalar(1)))
	if engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected not found for unregistered strategy, got %v", err)
	}

	_, err = reg.Execute(context.Background(), &engine.AgentCall{FlowIndex: "1"})
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error without operation, got %v", err)
	}

	_, err = reg.Execute(context.Background(), opCall("noop"))
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error for nil result, got %v", err)
	}
}

func TestRegistry_PassesAgentErrors(t *testing.T) {
	reg := NewRegistry(nil)
	cause := engine.NewConflictError("stale", nil)
	_ = reg.Register(reference.StrategyBuiltin, &recordingAgent{err: cause})

	_, err := reg.Execute(context.Background(), opCall("any", scalar(1)))
	if !errors.Is(err, cause) || !engine.IsConflict(err) {
		t.Errorf("Expected agent error to pass through, got %v", err)
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(reference.Strategy("bogus"), &recordingAgent{}); err == nil {
		t.Error("Expected invalid strategy to be rejected")
	}
	if err := reg.Register(reference.StrategyWasm, nil); err == nil {
		t.Error("Expected nil agent to be rejected")
	}

	_ = reg.Register(reference.StrategyWasm, &recordingAgent{})
	_ = reg.Register(reference.StrategyBuiltin, &recordingAgent{})
	got := reg.Strategies()
	if len(got) != 2 || got[0] != reference.StrategyBuiltin || got[1] != reference.StrategyWasm {
		t.Errorf("Expected sorted strategies, got %v", got)
	}
}

func TestRegistry_Close(t *testing.T) {
	reg := NewRegistry(nil)
	a, b := &recordingAgent{}, &recordingAgent{}
	_ = reg.Register(reference.StrategyStarlark, a)
	_ = reg.Register(reference.StrategyProcess, b)
	_ = reg.Register(reference.StrategyBuiltin, NewBuiltinAgent())

	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("Expected every closable agent to be closed")
	}
}

func TestChain(t *testing.T) {
	star := &recordingAgent{result: scalar("star")}
	broken := &recordingAgent{err: engine.NewTransientError("flaky", nil)}

	t.Run("first agent that knows the operation wins", func(t *testing.T) {
		got, err := Chain(NewBuiltinAgent(), star).Execute(context.Background(), opCall("add", scalar(1), scalar(2)))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if !got.Equal(scalar(3)) {
			t.Errorf("Expected 3, got %v", got)
		}
		if len(star.ops) != 0 {
			t.Errorf("Expected second agent unused, got %v", star.ops)
		}
	})

	t.Run("unknown operation falls through", func(t *testing.T) {
		got, err := Chain(NewBuiltinAgent(), star).Execute(context.Background(), opCall("shout", scalar("x")))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if !got.Equal(scalar("star")) {
			t.Errorf("Expected star, got %v", got)
		}
	})

	t.Run("other errors stop the chain", func(t *testing.T) {
		_, err := Chain(broken, NewBuiltinAgent()).Execute(context.Background(), opCall("add", scalar(1), scalar(2)))
		if !engine.IsTransient(err) {
			t.Errorf("Expected transient error, got %v", err)
		}
	})

	t.Run("nobody knows the operation", func(t *testing.T) {
		_, err := Chain(NewBuiltinAgent()).Execute(context.Background(), opCall("shout", scalar("x")))
		if engine.CodeOf(err) != engine.ErrCodeNotFound {
			t.Errorf("Expected not found, got %v", err)
		}
	})
}
