package reference

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WholeAxis is the synthetic axis introduced by a zero-axis Slice.
const WholeAxis = "_whole"

// Selector addresses positions along named axes.
type Selector map[string]int

// Reference is a tensor with ordered named axes and row-major elements.
type Reference struct {
	axes  []string
	shape []int
	elems []Element
}

// New builds a Reference from flat row-major elements.
func New(axes []string, shape []int, elems []Element) (*Reference, error) {
	if len(axes) != len(shape) {
		return nil, fmt.Errorf("axis count %d does not match shape length %d", len(axes), len(shape))
	}
	seen := make(map[string]bool, len(axes))
	for i, a := range axes {
		if a == "" {
			return nil, fmt.Errorf("axis %d has empty name", i)
		}
		if seen[a] {
			return nil, fmt.Errorf("duplicate axis: %s", a)
		}
		seen[a] = true
		if shape[i] < 0 {
			return nil, fmt.Errorf("axis %s has negative extent %d", a, shape[i])
		}
	}
	if size := product(shape); size != len(elems) {
		return nil, fmt.Errorf("shape %v requires %d elements, got %d", shape, size, len(elems))
	}

	r := &Reference{
		axes:  append([]string{}, axes...),
		shape: append([]int{}, shape...),
		elems: make([]Element, len(elems)),
	}
	for i := range elems {
		r.elems[i] = elems[i].Clone()
	}
	return r, nil
}

// Scalar builds a rank-0 Reference holding one element.
func Scalar(e Element) *Reference {
	return &Reference{axes: []string{}, shape: []int{}, elems: []Element{e.Clone()}}
}

// SkipReference returns the skip sentinel as a Reference.
func SkipReference() *Reference {
	return Scalar(Skip())
}

// Fill builds a Reference of the given shape with every element set to e.
func Fill(axes []string, shape []int, e Element) (*Reference, error) {
	elems := make([]Element, product(shape))
	for i := range elems {
		elems[i] = e
	}
	return New(axes, shape, elems)
}

// FromNested builds a Reference from nested []interface{} values. Each
// nested level must match the extent of the first sibling at that depth.
func FromNested(axes []string, nested interface{}) (*Reference, error) {
	if len(axes) == 0 {
		return Scalar(toElement(nested)), nil
	}

	shape := make([]int, len(axes))
	cur := nested
	for d := range axes {
		list, ok := asList(cur)
		if !ok {
			return nil, fmt.Errorf("axis %s: expected a list at depth %d, got %T", axes[d], d, cur)
		}
		shape[d] = len(list)
		if len(list) == 0 {
			// Deeper extents of an empty level are zero.
			break
		}
		cur = list[0]
	}

	elems := make([]Element, 0, product(shape))
	var walk func(v interface{}, depth int) error
	walk = func(v interface{}, depth int) error {
		if depth == len(axes) {
			elems = append(elems, toElement(v))
			return nil
		}
		list, ok := asList(v)
		if !ok {
			return fmt.Errorf("axis %s: expected a list at depth %d, got %T", axes[depth], depth, v)
		}
		if len(list) != shape[depth] {
			return fmt.Errorf("axis %s: extent mismatch, declared %d, got %d", axes[depth], shape[depth], len(list))
		}
		for _, item := range list {
			if err := walk(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(nested, 0); err != nil {
		return nil, err
	}

	return New(axes, shape, elems)
}

// ToNested renders the Reference as nested lists of plain values. Pointers
// render as their string form and skip as nil.
func (r *Reference) ToNested() interface{} {
	if len(r.axes) == 0 {
		return plain(r.elems[0])
	}
	pos := 0
	var build func(depth int) []interface{}
	build = func(depth int) []interface{} {
		out := make([]interface{}, r.shape[depth])
		for i := range out {
			if depth == len(r.axes)-1 {
				out[i] = plain(r.elems[pos])
				pos++
			} else {
				out[i] = build(depth + 1)
			}
		}
		return out
	}
	return build(0)
}

// Axes returns a copy of the axis names.
func (r *Reference) Axes() []string {
	return append([]string(nil), r.axes...)
}

// Shape returns a copy of the extents.
func (r *Reference) Shape() []int {
	return append([]int(nil), r.shape...)
}

// Rank returns the number of axes.
func (r *Reference) Rank() int {
	return len(r.axes)
}

// Size returns the number of elements.
func (r *Reference) Size() int {
	return len(r.elems)
}

// Elements returns a copy of the row-major elements.
func (r *Reference) Elements() []Element {
	out := make([]Element, len(r.elems))
	for i := range r.elems {
		out[i] = r.elems[i].Clone()
	}
	return out
}

// Extent returns the extent of a named axis.
func (r *Reference) Extent(axis string) (int, bool) {
	i := r.axisIndex(axis)
	if i < 0 {
		return 0, false
	}
	return r.shape[i], true
}

// HasAxis reports whether the Reference carries the named axis.
func (r *Reference) HasAxis(axis string) bool {
	return r.axisIndex(axis) >= 0
}

// IsSkip reports whether every element is skip.
func (r *Reference) IsSkip() bool {
	if r == nil || len(r.elems) == 0 {
		return false
	}
	for _, e := range r.elems {
		if !e.IsSkip() {
			return false
		}
	}
	return true
}

// At returns the element addressed by a selector covering every axis.
func (r *Reference) At(sel Selector) (Element, error) {
	idx, err := r.fullIndex(sel)
	if err != nil {
		return Element{}, err
	}
	return r.elems[r.offset(idx)].Clone(), nil
}

// Get returns the sub-Reference over the axes the selector leaves free.
// A selector covering every axis yields a scalar.
func (r *Reference) Get(sel Selector) (*Reference, error) {
	for axis, pos := range sel {
		i := r.axisIndex(axis)
		if i < 0 {
			return nil, fmt.Errorf("unknown axis: %s", axis)
		}
		if pos < 0 || pos >= r.shape[i] {
			return nil, fmt.Errorf("axis %s: index %d out of range [0,%d)", axis, pos, r.shape[i])
		}
	}

	freeAxes := make([]string, 0, len(r.axes))
	freeShape := make([]int, 0, len(r.axes))
	for i, a := range r.axes {
		if _, fixed := sel[a]; !fixed {
			freeAxes = append(freeAxes, a)
			freeShape = append(freeShape, r.shape[i])
		}
	}

	elems := make([]Element, 0, product(freeShape))
	forEachIndex(freeShape, func(free []int) {
		full := make([]int, len(r.axes))
		fi := 0
		for i, a := range r.axes {
			if pos, fixed := sel[a]; fixed {
				full[i] = pos
			} else {
				full[i] = free[fi]
				fi++
			}
		}
		elems = append(elems, r.elems[r.offset(full)])
	})

	return New(freeAxes, freeShape, elems)
}

// Set replaces the element addressed by a selector covering every axis.
func (r *Reference) Set(sel Selector, e Element) error {
	idx, err := r.fullIndex(sel)
	if err != nil {
		return err
	}
	r.elems[r.offset(idx)] = e.Clone()
	return nil
}

// Transpose returns the Reference with its axes permuted into the given order.
func (r *Reference) Transpose(axes ...string) (*Reference, error) {
	if len(axes) != len(r.axes) {
		return nil, fmt.Errorf("transpose requires all %d axes, got %d", len(r.axes), len(axes))
	}
	perm := make([]int, len(axes))
	shape := make([]int, len(axes))
	seen := make(map[string]bool, len(axes))
	for i, a := range axes {
		j := r.axisIndex(a)
		if j < 0 {
			return nil, fmt.Errorf("unknown axis: %s", a)
		}
		if seen[a] {
			return nil, fmt.Errorf("duplicate axis: %s", a)
		}
		seen[a] = true
		perm[i] = j
		shape[i] = r.shape[j]
	}

	elems := make([]Element, 0, len(r.elems))
	forEachIndex(shape, func(idx []int) {
		src := make([]int, len(r.axes))
		for i, j := range perm {
			src[j] = idx[i]
		}
		elems = append(elems, r.elems[r.offset(src)])
	})
	return New(axes, shape, elems)
}

// Clone returns a deep copy.
func (r *Reference) Clone() *Reference {
	if r == nil {
		return nil
	}
	out := &Reference{
		axes:  append([]string{}, r.axes...),
		shape: append([]int{}, r.shape...),
		elems: make([]Element, len(r.elems)),
	}
	for i := range r.elems {
		out.elems[i] = r.elems[i].Clone()
	}
	return out
}

// Equal reports deep equality including axis order.
func (r *Reference) Equal(o *Reference) bool {
	if r == nil || o == nil {
		return r == o
	}
	if len(r.axes) != len(o.axes) || len(r.elems) != len(o.elems) {
		return false
	}
	for i := range r.axes {
		if r.axes[i] != o.axes[i] || r.shape[i] != o.shape[i] {
			return false
		}
	}
	for i := range r.elems {
		if !r.elems[i].Equal(o.elems[i]) {
			return false
		}
	}
	return true
}

// String renders axes and nested values.
func (r *Reference) String() string {
	if r == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, a := range r.axes {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s:%d", a, r.shape[i])
	}
	sb.WriteString("] ")
	if len(r.axes) == 0 {
		sb.WriteString(r.elems[0].String())
		return sb.String()
	}
	parts := make([]string, len(r.elems))
	for i, e := range r.elems {
		parts[i] = e.String()
	}
	sb.WriteString(strings.Join(parts, " "))
	return sb.String()
}

type referenceJSON struct {
	Axes     []string  `json:"axes"`
	Shape    []int     `json:"shape"`
	Elements []Element `json:"elements"`
}

// MarshalJSON encodes the Reference as axes, shape and flat elements. A
// rank-0 Reference always encodes empty lists, never null.
func (r *Reference) MarshalJSON() ([]byte, error) {
	w := referenceJSON{Axes: r.axes, Shape: r.shape, Elements: r.elems}
	if w.Axes == nil {
		w.Axes = []string{}
	}
	if w.Shape == nil {
		w.Shape = []int{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates the Reference.
func (r *Reference) UnmarshalJSON(data []byte) error {
	var w referenceJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Axes == nil {
		w.Axes = []string{}
	}
	if w.Shape == nil {
		w.Shape = []int{}
	}
	decoded, err := New(w.Axes, w.Shape, w.Elements)
	if err != nil {
		return fmt.Errorf("invalid reference: %w", err)
	}
	*r = *decoded
	return nil
}

func (r *Reference) axisIndex(axis string) int {
	for i, a := range r.axes {
		if a == axis {
			return i
		}
	}
	return -1
}

func (r *Reference) fullIndex(sel Selector) ([]int, error) {
	if len(sel) != len(r.axes) {
		return nil, fmt.Errorf("selector must address all %d axes, got %d", len(r.axes), len(sel))
	}
	idx := make([]int, len(r.axes))
	for i, a := range r.axes {
		pos, ok := sel[a]
		if !ok {
			return nil, fmt.Errorf("selector missing axis: %s", a)
		}
		if pos < 0 || pos >= r.shape[i] {
			return nil, fmt.Errorf("axis %s: index %d out of range [0,%d)", a, pos, r.shape[i])
		}
		idx[i] = pos
	}
	return idx, nil
}

func (r *Reference) offset(idx []int) int {
	off := 0
	for i := range idx {
		off = off*r.shape[i] + idx[i]
	}
	return off
}

// project maps an index over (axes) onto this Reference's element.
func (r *Reference) project(axes []string, idx []int) Element {
	if len(r.axes) == 0 {
		return r.elems[0]
	}
	own := make([]int, len(r.axes))
	for i, a := range r.axes {
		for j, b := range axes {
			if a == b {
				own[i] = idx[j]
				break
			}
		}
	}
	return r.elems[r.offset(own)]
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// forEachIndex visits every index of shape in row-major order.
func forEachIndex(shape []int, fn func(idx []int)) {
	if product(shape) == 0 {
		return
	}
	idx := make([]int, len(shape))
	for {
		fn(append([]int(nil), idx...))
		d := len(shape) - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return
		}
	}
}

func asList(v interface{}) ([]interface{}, bool) {
	switch x := v.(type) {
	case []interface{}:
		return x, true
	case []Element:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, true
	case []int:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, true
	case []string:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, true
	}
	return nil, false
}

func toElement(v interface{}) Element {
	switch x := v.(type) {
	case Element:
		return x.Clone()
	case *Reference:
		return Nested(x)
	}
	return Literal(v)
}

func plain(e Element) interface{} {
	switch e.Kind {
	case KindLiteral:
		return e.Value
	case KindSkip:
		return nil
	case KindTuple:
		out := make([]interface{}, len(e.Items))
		for i := range e.Items {
			out[i] = plain(e.Items[i])
		}
		return out
	case KindTensor:
		return e.Tensor.ToNested()
	default:
		return e.String()
	}
}
