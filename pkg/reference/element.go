package reference

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// ElementKind discriminates the element union.
type ElementKind string

const (
	// KindLiteral is a plain value.
	KindLiteral ElementKind = "literal"

	// KindPointer is a lazily resolved perceptual sign.
	KindPointer ElementKind = "pointer"

	// KindSkip is the skip sentinel.
	KindSkip ElementKind = "skip"

	// KindTuple holds ordered component elements.
	KindTuple ElementKind = "tuple"

	// KindTensor holds a nested Reference.
	KindTensor ElementKind = "tensor"
)

// Validate checks if the element kind is valid.
func (k ElementKind) Validate() error {
	switch k {
	case KindLiteral, KindPointer, KindSkip, KindTuple, KindTensor:
		return nil
	default:
		return fmt.Errorf("invalid element kind: %s", k)
	}
}

// Strategy is the resolution strategy tag of a pointer element.
type Strategy string

const (
	// StrategyBuiltin names an operation from the builtin function table.
	StrategyBuiltin Strategy = "builtin"

	// StrategyStarlark names a function inside a Starlark script.
	StrategyStarlark Strategy = "starlark"

	// StrategyWasm names an exported function of a WASM module.
	StrategyWasm Strategy = "wasm"

	// StrategyProcess names an operation served by a subprocess agent.
	StrategyProcess Strategy = "process"

	// StrategyFile points at file content.
	StrategyFile Strategy = "file"

	// StrategyPrompt points at a prompt template.
	StrategyPrompt Strategy = "prompt"

	// StrategyMemory points at an in-memory value held by the agent.
	StrategyMemory Strategy = "memory"
)

// Validate checks if the strategy is known.
func (s Strategy) Validate() error {
	switch s {
	case StrategyBuiltin, StrategyStarlark, StrategyWasm, StrategyProcess,
		StrategyFile, StrategyPrompt, StrategyMemory:
		return nil
	default:
		return fmt.Errorf("invalid pointer strategy: %s", s)
	}
}

// Pointer is a perceptual sign. It is resolved only by an agent.
type Pointer struct {
	// Strategy selects how the agent resolves the pointer.
	Strategy Strategy `json:"strategy"`

	// Signifier is the strategy-specific locator (path, script, operation name).
	Signifier string `json:"signifier"`

	// ID uniquely identifies the pointed-at value.
	ID string `json:"id"`
}

// String renders the pointer as %{strategy}id(signifier).
func (p Pointer) String() string {
	return fmt.Sprintf("%%{%s}%s(%s)", p.Strategy, p.ID, p.Signifier)
}

// Element is one cell of a Reference.
type Element struct {
	Kind    ElementKind `json:"kind"`
	Value   interface{} `json:"value,omitempty"`
	Pointer *Pointer    `json:"pointer,omitempty"`
	Items   []Element   `json:"items,omitempty"`
	Tensor  *Reference  `json:"tensor,omitempty"`
}

// Literal wraps a plain value. Integer types are normalized to int64 and
// floating point types to float64.
func Literal(v interface{}) Element {
	if e, ok := v.(Element); ok {
		return e
	}
	return Element{Kind: KindLiteral, Value: normalize(v)}
}

// PointerTo builds a pointer element.
func PointerTo(strategy Strategy, signifier, id string) Element {
	return Element{Kind: KindPointer, Pointer: &Pointer{Strategy: strategy, Signifier: signifier, ID: id}}
}

// Skip returns the skip sentinel element.
func Skip() Element {
	return Element{Kind: KindSkip}
}

// Tuple groups elements in order.
func Tuple(items ...Element) Element {
	out := make([]Element, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return Element{Kind: KindTuple, Items: out}
}

// Nested wraps a whole Reference as a single element.
func Nested(r *Reference) Element {
	return Element{Kind: KindTensor, Tensor: r.Clone()}
}

// IsSkip reports whether the element is the skip sentinel.
func (e Element) IsSkip() bool {
	return e.Kind == KindSkip
}

// IsPointer reports whether the element is an unresolved pointer.
func (e Element) IsPointer() bool {
	return e.Kind == KindPointer && e.Pointer != nil
}

// Int returns the literal as int64 when it holds an integral number.
func (e Element) Int() (int64, bool) {
	if e.Kind != KindLiteral {
		return 0, false
	}
	switch v := e.Value.(type) {
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

// Float returns the literal as float64 when it holds a number.
func (e Element) Float() (float64, bool) {
	if e.Kind != KindLiteral {
		return 0, false
	}
	switch v := e.Value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// Bool returns the literal as bool.
func (e Element) Bool() (bool, bool) {
	if e.Kind != KindLiteral {
		return false, false
	}
	b, ok := e.Value.(bool)
	return b, ok
}

// Str returns the literal as string.
func (e Element) Str() (string, bool) {
	if e.Kind != KindLiteral {
		return "", false
	}
	s, ok := e.Value.(string)
	return s, ok
}

// Clone returns a deep copy of the element. Pointers are copied, never resolved.
func (e Element) Clone() Element {
	out := Element{Kind: e.Kind, Value: cloneValue(e.Value)}
	if e.Pointer != nil {
		p := *e.Pointer
		out.Pointer = &p
	}
	if e.Items != nil {
		out.Items = make([]Element, len(e.Items))
		for i := range e.Items {
			out.Items[i] = e.Items[i].Clone()
		}
	}
	if e.Tensor != nil {
		out.Tensor = e.Tensor.Clone()
	}
	return out
}

// Equal reports deep equality of two elements.
func (e Element) Equal(o Element) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case KindSkip:
		return true
	case KindLiteral:
		return reflect.DeepEqual(e.Value, o.Value)
	case KindPointer:
		if e.Pointer == nil || o.Pointer == nil {
			return e.Pointer == o.Pointer
		}
		return *e.Pointer == *o.Pointer
	case KindTuple:
		if len(e.Items) != len(o.Items) {
			return false
		}
		for i := range e.Items {
			if !e.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	case KindTensor:
		return e.Tensor.Equal(o.Tensor)
	}
	return false
}

// String renders the element for logs and CLI output.
func (e Element) String() string {
	switch e.Kind {
	case KindSkip:
		return "@skip"
	case KindPointer:
		if e.Pointer != nil {
			return e.Pointer.String()
		}
	case KindTuple:
		var buf bytes.Buffer
		buf.WriteByte('(')
		for i, item := range e.Items {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(item.String())
		}
		buf.WriteByte(')')
		return buf.String()
	case KindTensor:
		if e.Tensor != nil {
			return e.Tensor.String()
		}
	case KindLiteral:
		return fmt.Sprintf("%v", e.Value)
	}
	return "<invalid>"
}

// UnmarshalJSON decodes an element, keeping integral numbers as int64.
func (e *Element) UnmarshalJSON(data []byte) error {
	type wire struct {
		Kind    ElementKind     `json:"kind"`
		Value   json.RawMessage `json:"value,omitempty"`
		Pointer *Pointer        `json:"pointer,omitempty"`
		Items   []Element       `json:"items,omitempty"`
		Tensor  *Reference      `json:"tensor,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if err := w.Kind.Validate(); err != nil {
		return err
	}

	var value interface{}
	if len(w.Value) > 0 {
		dec := json.NewDecoder(bytes.NewReader(w.Value))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("failed to decode element value: %w", err)
		}
	}

	*e = Element{
		Kind:    w.Kind,
		Value:   normalize(value),
		Pointer: w.Pointer,
		Items:   w.Items,
		Tensor:  w.Tensor,
	}
	return nil
}

// normalize folds Go numeric types and json.Number into int64/float64.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []interface{}:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
