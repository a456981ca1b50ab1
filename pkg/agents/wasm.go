package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
)

// WasmConfig configures the WASM runtime.
type WasmConfig struct {
	// Timeout bounds one call in addition to the caller's context.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory per module in 64KB pages.
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32
}

// wasmModule is one compiled module and its live instance. Calls into an
// instance are serialized.
type wasmModule struct {
	mu       sync.Mutex
	name     string
	compiled wazero.CompiledModule
	instance api.Module
}

// WasmAgent calls exported numeric functions of WASM modules element-wise.
// A pointer signifier names the function as "module.function", or just
// "function" when the name is unambiguous.
type WasmAgent struct {
	runtime wazero.Runtime
	timeout time.Duration

	mu      sync.RWMutex
	modules map[string]*wasmModule
}

// NewWasmAgent creates the runtime with WASI available to modules.
func NewWasmAgent(ctx context.Context, cfg WasmConfig) (*WasmAgent, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &WasmAgent{
		runtime: runtime,
		timeout: cfg.Timeout,
		modules: make(map[string]*wasmModule),
	}, nil
}

// Load compiles and instantiates a module under name.
func (a *WasmAgent) Load(ctx context.Context, name string, wasm []byte) error {
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("invalid module name %q", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.modules[name]; exists {
		return fmt.Errorf("module %s already loaded", name)
	}

	compiled, err := a.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("failed to compile module %s: %w", name, err)
	}
	m := &wasmModule{name: name, compiled: compiled}
	if err := a.instantiate(ctx, m); err != nil {
		_ = compiled.Close(ctx)
		return err
	}
	a.modules[name] = m
	return nil
}

// LoadFile loads a module file under its base name without extension.
func (a *WasmAgent) LoadFile(ctx context.Context, path string) error {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return a.Load(ctx, name, wasm)
}

func (a *WasmAgent) instantiate(ctx context.Context, m *wasmModule) error {
	// instances are anonymous so a module can be re-instantiated after a
	// cancelled call closed it
	inst, err := a.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return fmt.Errorf("failed to instantiate module %s: %w", m.name, err)
	}
	m.instance = inst
	return nil
}

// Functions returns "module.function" for every exported function.
func (a *WasmAgent) Functions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for name, m := range a.modules {
		for fn := range m.compiled.ExportedFunctions() {
			out = append(out, name+"."+fn)
		}
	}
	sort.Strings(out)
	return out
}

func (a *WasmAgent) lookup(signifier string) (*wasmModule, string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if module, fn, ok := strings.Cut(signifier, "."); ok {
		m, found := a.modules[module]
		if !found {
			return nil, "", fmt.Errorf("unknown module %q", module)
		}
		if _, ok := m.compiled.ExportedFunctions()[fn]; !ok {
			return nil, "", fmt.Errorf("module %s does not export %q", module, fn)
		}
		return m, fn, nil
	}

	var found *wasmModule
	var owners []string
	for name, m := range a.modules {
		if _, ok := m.compiled.ExportedFunctions()[signifier]; ok {
			found = m
			owners = append(owners, name)
		}
	}
	switch len(owners) {
	case 0:
		return nil, "", fmt.Errorf("no module exports %q", signifier)
	case 1:
		return found, signifier, nil
	default:
		sort.Strings(owners)
		return nil, "", fmt.Errorf("function %q is ambiguous between modules %v", signifier, owners)
	}
}

// Execute calls the named function once per position of the value
// references. Parameters and the single result must be numeric.
func (a *WasmAgent) Execute(ctx context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	_, signifier := call.Target()
	m, fnName, err := a.lookup(signifier)
	if err != nil {
		return nil, engine.NewPermanentError("wasm function not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(signifier)
	}

	def := m.compiled.ExportedFunctions()[fnName]
	params, results := def.ParamTypes(), def.ResultTypes()
	if len(results) != 1 {
		return nil, invalid(signifier, fmt.Errorf("function must return one value, returns %d", len(results)))
	}
	if len(params) != len(call.Values) {
		return nil, invalid(signifier, fmt.Errorf("function takes %d parameters, got %d value concepts", len(params), len(call.Values)))
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instance == nil || m.instance.IsClosed() {
		if err := a.instantiate(callCtx, m); err != nil {
			return nil, engine.NewTransientError("wasm module unavailable", err).WithOperation(signifier)
		}
	}
	fn := m.instance.ExportedFunction(fnName)

	out, err := reference.ElementAction(func(in []reference.Element) (reference.Element, error) {
		args := make([]uint64, len(in))
		for i, e := range in {
			v, err := encodeWasm(params[i], e)
			if err != nil {
				return reference.Element{}, fmt.Errorf("parameter %d: %w", i, err)
			}
			args[i] = v
		}
		res, err := fn.Call(callCtx, args...)
		if err != nil {
			return reference.Element{}, err
		}
		return decodeWasm(results[0], res[0]), nil
	}, call.Values...)
	if err != nil {
		if ctxErr := callCtx.Err(); ctxErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, engine.NewTransientError(fmt.Sprintf("wasm execution timeout after %v", a.timeout), ctxErr).
				WithCode(engine.ErrCodeTimeout).
				WithOperation(signifier)
		}
		return nil, engine.NewPermanentError("wasm execution failed", err).WithOperation(signifier)
	}
	return out, nil
}

func encodeWasm(t api.ValueType, e reference.Element) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		n, ok := e.Int()
		if !ok {
			return 0, fmt.Errorf("%s is not an integer", e)
		}
		return api.EncodeI32(int32(n)), nil
	case api.ValueTypeI64:
		n, ok := e.Int()
		if !ok {
			return 0, fmt.Errorf("%s is not an integer", e)
		}
		return api.EncodeI64(n), nil
	case api.ValueTypeF32:
		f, ok := e.Float()
		if !ok {
			return 0, fmt.Errorf("%s is not a number", e)
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		f, ok := e.Float()
		if !ok {
			return 0, fmt.Errorf("%s is not a number", e)
		}
		return api.EncodeF64(f), nil
	default:
		return 0, errors.New("unsupported parameter type " + api.ValueTypeName(t))
	}
}

func decodeWasm(t api.ValueType, v uint64) reference.Element {
	switch t {
	case api.ValueTypeI32:
		return reference.Literal(api.DecodeI32(v))
	case api.ValueTypeF32:
		return reference.Literal(api.DecodeF32(v))
	case api.ValueTypeF64:
		return reference.Literal(api.DecodeF64(v))
	default:
		return reference.Literal(int64(v))
	}
}

// Close releases the runtime and every module.
func (a *WasmAgent) Close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}
