package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// Registry is the engine-facing agent. It routes each call to the agent
// registered for the call's pointer strategy.
type Registry struct {
	logger *telemetry.Logger

	mu     sync.RWMutex
	agents map[reference.Strategy]engine.Agent
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Registry{
		logger: logger.NewComponentLogger("agents"),
		agents: make(map[reference.Strategy]engine.Agent),
	}
}

// Register binds an agent to a strategy, replacing any previous binding.
func (r *Registry) Register(strategy reference.Strategy, agent engine.Agent) error {
	if err := strategy.Validate(); err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent for strategy %s is nil", strategy)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[strategy] = agent
	return nil
}

// Strategies returns the registered strategies in sorted order.
func (r *Registry) Strategies() []reference.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reference.Strategy, 0, len(r.agents))
	for s := range r.agents {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute implements engine.Agent.
func (r *Registry) Execute(ctx context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	strategy, operation := call.Target()
	if operation == "" {
		return nil, engine.NewPermanentError("call names no operation", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(call.FlowIndex.String())
	}

	r.mu.RLock()
	agent, ok := r.agents[strategy]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no agent for strategy %s", strategy), nil).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(operation)
	}

	logger := r.logger.
		WithFlowIndex(call.FlowIndex.String()).
		WithIteration(call.Iteration).
		WithAgent(string(strategy), operation)

	var out *reference.Reference
	err := telemetry.ObserveAgentCall(ctx, string(strategy), operation, func(ctx context.Context) error {
		var err error
		out, err = agent.Execute(ctx, call)
		return err
	})
	if err != nil {
		logger.WithError(err).Debug("Agent call failed")
		return nil, err
	}
	if out == nil {
		return nil, engine.NewPermanentError("agent returned no value", nil).WithOperation(operation)
	}
	logger.Tracef("Agent call returned %v", out.Shape())
	return out, nil
}

// Close closes every registered agent that holds resources.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for strategy, agent := range r.agents {
		if c, ok := agent.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to close %s agent: %w", strategy, err))
			}
		}
	}
	return errors.Join(errs...)
}

// chain tries its agents in order, moving on only when an agent does not
// know the operation.
type chain []engine.Agent

// Chain returns an agent that serves an operation with the first of agents
// that knows it. It is how one subprocess serves builtin and script
// operations under a single strategy.
func Chain(agents ...engine.Agent) engine.Agent {
	return chain(agents)
}

// Execute implements engine.Agent.
func (c chain) Execute(ctx context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	var last error
	for _, agent := range c {
		out, err := agent.Execute(ctx, call)
		if err == nil || engine.CodeOf(err) != engine.ErrCodeNotFound {
			return out, err
		}
		last = err
	}
	if last == nil {
		_, op := call.Target()
		last = engine.NewPermanentError("no agent in chain", nil).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(op)
	}
	return nil, last
}
