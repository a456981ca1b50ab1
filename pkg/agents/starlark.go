package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
)

// StarlarkAgent calls functions defined in Starlark scripts. A pointer
// signifier names the function as "script.function", or just "function"
// when the name is unambiguous across loaded scripts.
type StarlarkAgent struct {
	timeout time.Duration

	mu      sync.RWMutex
	scripts map[string]starlark.StringDict
}

// NewStarlarkAgent creates a Starlark agent. Each call is bounded by
// timeout in addition to the caller's context.
func NewStarlarkAgent(timeout time.Duration) *StarlarkAgent {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkAgent{
		timeout: timeout,
		scripts: make(map[string]starlark.StringDict),
	}
}

// Load executes a script once and keeps its frozen globals.
func (a *StarlarkAgent) Load(name, src string) error {
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("invalid script name %q", name)
	}
	thread := &starlark.Thread{
		Name:  "load:" + name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	globals, err := starlark.ExecFile(thread, name+".star", src, predeclared())
	if err != nil {
		return fmt.Errorf("failed to load script %s: %w", name, err)
	}
	globals.Freeze()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[name] = globals
	return nil
}

// LoadFile loads a script file under its base name without extension.
func (a *StarlarkAgent) LoadFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return a.Load(name, string(src))
}

// Functions returns the callable names of every loaded script.
func (a *StarlarkAgent) Functions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for script, globals := range a.scripts {
		for name, v := range globals {
			if _, ok := v.(starlark.Callable); ok && !strings.HasPrefix(name, "_") {
				out = append(out, script+"."+name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (a *StarlarkAgent) lookup(signifier string) (starlark.Callable, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if script, fn, ok := strings.Cut(signifier, "."); ok {
		globals, found := a.scripts[script]
		if !found {
			return nil, fmt.Errorf("unknown script %q", script)
		}
		c, ok := globals[fn].(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("script %s has no function %q", script, fn)
		}
		return c, nil
	}

	var found starlark.Callable
	var owners []string
	for script, globals := range a.scripts {
		if c, ok := globals[signifier].(starlark.Callable); ok {
			found = c
			owners = append(owners, script)
		}
	}
	switch len(owners) {
	case 0:
		return nil, fmt.Errorf("no script defines %q", signifier)
	case 1:
		return found, nil
	default:
		sort.Strings(owners)
		return nil, fmt.Errorf("function %q is ambiguous between scripts %v", signifier, owners)
	}
}

// Execute applies the named function element-wise across the value
// references. A None result becomes the skip element.
func (a *StarlarkAgent) Execute(ctx context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	_, signifier := call.Target()
	fn, err := a.lookup(signifier)
	if err != nil {
		return nil, engine.NewPermanentError("starlark function not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(signifier)
	}
	if len(call.Values) == 0 {
		return nil, invalid(signifier, fmt.Errorf("no value concepts"))
	}

	evalCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  fmt.Sprintf("%s#%d", call.FlowIndex, call.Iteration),
		Print: func(_ *starlark.Thread, _ string) {},
	}

	params, err := toStarlarkValue(call.Params)
	if err != nil {
		return nil, invalid(signifier, fmt.Errorf("params: %w", err))
	}

	type outcome struct {
		ref *reference.Reference
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ref, err := reference.IndexedElementAction(func(idx []int, in []reference.Element) (reference.Element, error) {
			args := make(starlark.Tuple, len(in))
			for i, e := range in {
				v, err := elementToStarlark(e)
				if err != nil {
					return reference.Element{}, err
				}
				args[i] = v
			}
			var kwargs []starlark.Tuple
			if call.IndexAware {
				index := make(starlark.Tuple, len(idx))
				for i, n := range idx {
					index[i] = starlark.MakeInt(n)
				}
				kwargs = append(kwargs, starlark.Tuple{starlark.String("index"), index})
			}
			if len(call.Params) > 0 {
				kwargs = append(kwargs, starlark.Tuple{starlark.String("params"), params})
			}

			res, err := starlark.Call(thread, fn, args, kwargs)
			if err != nil {
				return reference.Element{}, err
			}
			return starlarkToElement(res)
		}, call.Values...)
		done <- outcome{ref: ref, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("execution timeout")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewTransientError(fmt.Sprintf("starlark execution timeout after %v", a.timeout), evalCtx.Err()).
			WithCode(engine.ErrCodeTimeout).
			WithOperation(signifier)
	case out := <-done:
		if out.err != nil {
			return nil, engine.NewPermanentError("starlark execution failed", out.err).
				WithOperation(signifier)
		}
		return out.ref, nil
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}
}

// elementToStarlark converts one element. Pointers reach scripts in their
// rendered form and are never resolved here.
func elementToStarlark(e reference.Element) (starlark.Value, error) {
	switch e.Kind {
	case reference.KindLiteral:
		return toStarlarkValue(e.Value)
	case reference.KindPointer:
		return starlark.String(e.String()), nil
	case reference.KindTuple:
		out := make(starlark.Tuple, len(e.Items))
		for i, item := range e.Items {
			v, err := elementToStarlark(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case reference.KindTensor:
		return toStarlarkValue(e.Tensor.ToNested())
	default:
		return starlark.None, nil
	}
}

// starlarkToElement converts a call result. None is skip and a tuple keeps
// its items as elements.
func starlarkToElement(v starlark.Value) (reference.Element, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return reference.Skip(), nil
	case starlark.Tuple:
		items := make([]reference.Element, len(val))
		for i, item := range val {
			e, err := starlarkToElement(item)
			if err != nil {
				return reference.Element{}, err
			}
			items[i] = e
		}
		return reference.Tuple(items...), nil
	}
	out, err := fromStarlarkValue(v)
	if err != nil {
		return reference.Element{}, err
	}
	return reference.Literal(out), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case reference.Element:
		return elementToStarlark(val)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.List:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}

// builtinEnumerate implements the enumerate() built-in function.
func builtinEnumerate(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int64

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	i := start
	for iter.Next(&x) {
		list = append(list, starlark.Tuple{starlark.MakeInt64(i), x})
		i++
	}
	return starlark.NewList(list), nil
}

// builtinZip implements the zip() built-in function.
func builtinZip(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return starlark.NewList(nil), nil
	}

	iters := make([]starlark.Iterator, len(args))
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is not iterable", b.Name(), i)
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}

	var list []starlark.Value
	for {
		tuple := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&tuple[i]) {
				return starlark.NewList(list), nil
			}
		}
		list = append(list, tuple)
	}
}
