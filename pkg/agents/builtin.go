package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
)

// Operation is one builtin function.
type Operation func(ctx context.Context, call *engine.AgentCall) (*reference.Reference, error)

// BuiltinAgent serves operations implemented in Go.
type BuiltinAgent struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewBuiltinAgent creates an agent serving the default operation table.
func NewBuiltinAgent() *BuiltinAgent {
	b := &BuiltinAgent{ops: make(map[string]Operation)}
	b.Register("identity", identity)
	b.Register("add", elementwise(numeric("add", func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b })))
	b.Register("sub", elementwise(arity(2, numeric("sub", func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }))))
	b.Register("mul", elementwise(numeric("mul", func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b })))
	b.Register("concat", elementwise(concat))
	b.Register("upper", elementwise(arity(1, upper)))
	b.Register("not", elementwise(arity(1, not)))
	b.Register("gt", elementwise(arity(2, compare("gt", func(c int) bool { return c > 0 }))))
	b.Register("lt", elementwise(arity(2, compare("lt", func(c int) bool { return c < 0 }))))
	b.Register("eq", elementwise(arity(2, eq)))
	b.Register("sum", sum)
	b.Register("len", length)
	return b
}

// Register adds or replaces an operation.
func (b *BuiltinAgent) Register(name string, op Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[name] = op
}

// Operations returns the sorted operation names.
func (b *BuiltinAgent) Operations() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.ops))
	for name := range b.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the operation named by the call.
func (b *BuiltinAgent) Execute(ctx context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	_, name := call.Target()

	b.mu.RLock()
	op, ok := b.ops[name]
	b.mu.RUnlock()
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown builtin operation %q", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return op(ctx, call)
}

// invalid reports arguments an operation cannot accept.
func invalid(op string, err error) error {
	return engine.NewPermanentError("invalid arguments", err).
		WithCode(engine.ErrCodeValidation).
		WithOperation(op)
}

// elementwise lifts fn over the value references position by position.
func elementwise(fn reference.ElementFunc) Operation {
	return func(_ context.Context, call *engine.AgentCall) (*reference.Reference, error) {
		_, name := call.Target()
		if len(call.Values) == 0 {
			return nil, invalid(name, fmt.Errorf("no value concepts"))
		}
		out, err := reference.ElementAction(fn, call.Values...)
		if err != nil {
			return nil, invalid(name, err)
		}
		return out, nil
	}
}

func arity(n int, fn reference.ElementFunc) reference.ElementFunc {
	return func(in []reference.Element) (reference.Element, error) {
		if len(in) != n {
			return reference.Element{}, fmt.Errorf("expected %d operands, got %d", n, len(in))
		}
		return fn(in)
	}
}

func identity(_ context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	if len(call.Values) == 0 {
		return nil, invalid("identity", fmt.Errorf("no value concepts"))
	}
	return call.Values[0].Clone(), nil
}

// numeric folds operands with integer arithmetic when every operand is
// integral and float arithmetic otherwise.
func numeric(name string, i func(a, b int64) int64, f func(a, b float64) float64) reference.ElementFunc {
	return func(in []reference.Element) (reference.Element, error) {
		integral := true
		for _, e := range in {
			if _, ok := e.Int(); !ok {
				integral = false
			}
			if _, ok := e.Float(); !ok {
				return reference.Element{}, fmt.Errorf("%s: %s is not a number", name, e)
			}
		}
		if integral {
			acc, _ := in[0].Int()
			for _, e := range in[1:] {
				v, _ := e.Int()
				acc = i(acc, v)
			}
			return reference.Literal(acc), nil
		}
		acc, _ := in[0].Float()
		for _, e := range in[1:] {
			v, _ := e.Float()
			acc = f(acc, v)
		}
		return reference.Literal(acc), nil
	}
}

func concat(in []reference.Element) (reference.Element, error) {
	var sb strings.Builder
	for _, e := range in {
		if s, ok := e.Str(); ok {
			sb.WriteString(s)
			continue
		}
		if e.Kind != reference.KindLiteral {
			return reference.Element{}, fmt.Errorf("concat: %s is not a literal", e)
		}
		sb.WriteString(e.String())
	}
	return reference.Literal(sb.String()), nil
}

func upper(in []reference.Element) (reference.Element, error) {
	s, ok := in[0].Str()
	if !ok {
		return reference.Element{}, fmt.Errorf("upper: %s is not a string", in[0])
	}
	return reference.Literal(strings.ToUpper(s)), nil
}

func not(in []reference.Element) (reference.Element, error) {
	b, ok := in[0].Bool()
	if !ok {
		return reference.Element{}, fmt.Errorf("not: %s is not a boolean", in[0])
	}
	return reference.Literal(!b), nil
}

func compare(name string, test func(c int) bool) reference.ElementFunc {
	return func(in []reference.Element) (reference.Element, error) {
		if a, ok := in[0].Float(); ok {
			b, ok := in[1].Float()
			if !ok {
				return reference.Element{}, fmt.Errorf("%s: %s is not a number", name, in[1])
			}
			c := 0
			switch {
			case a < b:
				c = -1
			case a > b:
				c = 1
			}
			return reference.Literal(test(c)), nil
		}
		a, ok1 := in[0].Str()
		b, ok2 := in[1].Str()
		if !ok1 || !ok2 {
			return reference.Element{}, fmt.Errorf("%s: cannot compare %s and %s", name, in[0], in[1])
		}
		return reference.Literal(test(strings.Compare(a, b))), nil
	}
}

func eq(in []reference.Element) (reference.Element, error) {
	if a, ok := in[0].Float(); ok {
		if b, ok := in[1].Float(); ok {
			return reference.Literal(a == b), nil
		}
	}
	return reference.Literal(in[0].Equal(in[1])), nil
}

// sum reduces every element of the first value to a scalar.
func sum(ctx context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	if len(call.Values) != 1 {
		return nil, invalid("sum", fmt.Errorf("expected 1 value concept, got %d", len(call.Values)))
	}
	v := call.Values[0]
	if v.IsSkip() {
		return reference.SkipReference(), nil
	}
	elems := v.Elements()
	if len(elems) == 0 {
		return reference.Scalar(reference.Literal(0)), nil
	}
	for _, e := range elems {
		if e.IsSkip() {
			return reference.SkipReference(), nil
		}
	}
	out, err := numeric("sum",
		func(a, b int64) int64 { return a + b },
		func(a, b float64) float64 { return a + b })(elems)
	if err != nil {
		return nil, invalid("sum", err)
	}
	return reference.Scalar(out), nil
}

// length counts the elements of the first value, or its extent along the
// axis named by the "axis" parameter.
func length(_ context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	if len(call.Values) != 1 {
		return nil, invalid("len", fmt.Errorf("expected 1 value concept, got %d", len(call.Values)))
	}
	v := call.Values[0]
	if v.IsSkip() {
		return reference.SkipReference(), nil
	}
	if axis, ok := call.Params["axis"].(string); ok {
		n, ok := v.Extent(axis)
		if !ok {
			return nil, invalid("len", fmt.Errorf("value has no axis %s", axis))
		}
		return reference.Scalar(reference.Literal(n)), nil
	}
	return reference.Scalar(reference.Literal(v.Size())), nil
}
