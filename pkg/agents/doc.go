// Package agents provides the executors behind the engine's agent
// contract.
//
// A compute inference reaches an agent as an engine.AgentCall. The Registry
// reads the call's target, a pointer strategy and an operation name taken
// from the function concept's pointer element or the working
// interpretation's operation override, and routes it:
//
//   - builtin: Go functions from BuiltinAgent (add, sub, mul, sum, concat,
//     upper, not, gt, lt, eq, len, identity)
//   - starlark: functions defined in Starlark scripts (StarlarkAgent)
//   - wasm: exported numeric functions of WASM modules run by wazero (WasmAgent)
//   - process: a subprocess speaking the JSON-lines protocol of package
//     protocol over stdio (ProcessAgent, served by Serve)
//
// Element-wise agents apply their function position by position across the
// value references and propagate skip elements untouched. Pointer elements
// are passed through unresolved.
//
// Errors are classified engine errors: unknown operations and bad
// arguments are permanent, timeouts and unavailable subprocesses are
// transient, so the scheduler retries only what can succeed later.
//
// # Example
//
//	reg := agents.NewRegistry(logger)
//	_ = reg.Register(reference.StrategyBuiltin, agents.NewBuiltinAgent())
//
//	star := agents.NewStarlarkAgent(5 * time.Second)
//	_ = star.LoadFile("scoring.star")
//	_ = reg.Register(reference.StrategyStarlark, star)
//
//	orch, err := engine.NewOrchestrator(engine.OrchestratorConfig{Agent: reg, ...})
package agents
