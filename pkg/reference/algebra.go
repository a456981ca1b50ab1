package reference

import (
	"fmt"
)

// ApplyFunc applies one function element to one value element and returns
// the list of results expanded along the new axis of CrossAction.
type ApplyFunc func(fn, value Element) ([]Element, error)

// ElementFunc computes one output element from aligned input elements.
type ElementFunc func(in []Element) (Element, error)

// IndexedElementFunc is an ElementFunc that also receives the output index.
type IndexedElementFunc func(index []int, in []Element) (Element, error)

// anySkip reports whether an operand is the skip sentinel.
func anySkip(refs ...*Reference) bool {
	for _, r := range refs {
		if r.IsSkip() {
			return true
		}
	}
	return false
}

// Slice keeps the named axes in the given order. Elements along the dropped
// axes are aggregated into a tuple per retained position; a group
// containing skip becomes skip. With no axes the whole Reference becomes a
// single tensor element under WholeAxis.
func (r *Reference) Slice(axes ...string) (*Reference, error) {
	if len(axes) == 0 {
		if r.IsSkip() {
			return New([]string{WholeAxis}, []int{1}, []Element{Skip()})
		}
		return New([]string{WholeAxis}, []int{1}, []Element{Nested(r)})
	}

	keep := make(map[string]bool, len(axes))
	keptShape := make([]int, len(axes))
	for i, a := range axes {
		if keep[a] {
			return nil, fmt.Errorf("duplicate axis: %s", a)
		}
		ext, ok := r.Extent(a)
		if !ok {
			return nil, fmt.Errorf("unknown axis: %s", a)
		}
		keep[a] = true
		keptShape[i] = ext
	}
	if len(axes) == len(r.axes) {
		return r.Transpose(axes...)
	}

	dropped := make([]string, 0, len(r.axes)-len(axes))
	droppedShape := make([]int, 0, len(r.axes)-len(axes))
	for i, a := range r.axes {
		if !keep[a] {
			dropped = append(dropped, a)
			droppedShape = append(droppedShape, r.shape[i])
		}
	}

	elems := make([]Element, 0, product(keptShape))
	forEachIndex(keptShape, func(kept []int) {
		group := make([]Element, 0, product(droppedShape))
		skipped := false
		forEachIndex(droppedShape, func(drop []int) {
			e := r.project(append(append([]string{}, axes...), dropped...), append(kept, drop...))
			if e.IsSkip() {
				skipped = true
			}
			group = append(group, e)
		})
		if skipped {
			elems = append(elems, Skip())
			return
		}
		elems = append(elems, Tuple(group...))
	})

	return New(axes, keptShape, elems)
}

// Append extends r along axis with other. Other is either a block sharing
// every axis (row-extend), a single row lacking only the append axis, or a
// lower-rank value broadcast as one new trailing row.
func (r *Reference) Append(other *Reference, axis string) (*Reference, error) {
	if anySkip(r, other) {
		return SkipReference(), nil
	}
	k := r.axisIndex(axis)
	if k < 0 {
		return nil, fmt.Errorf("unknown append axis: %s", axis)
	}

	var block *Reference
	switch {
	case other.HasAxis(axis):
		if other.Rank() != r.Rank() {
			return nil, fmt.Errorf("append along %s: operand axes %v do not match %v", axis, other.axes, r.axes)
		}
		t, err := other.Transpose(r.axes...)
		if err != nil {
			return nil, fmt.Errorf("append along %s: %w", axis, err)
		}
		for i := range r.axes {
			if i != k && t.shape[i] != r.shape[i] {
				return nil, fmt.Errorf("append along %s: axis %s extent %d does not match %d",
					axis, r.axes[i], t.shape[i], r.shape[i])
			}
		}
		block = t
	default:
		rowShape := r.Shape()
		rowShape[k] = 1
		b, err := broadcast(other, r.axes, rowShape)
		if err != nil {
			return nil, fmt.Errorf("append along %s: %w", axis, err)
		}
		block = b
	}

	shape := r.Shape()
	shape[k] += block.shape[k]
	elems := make([]Element, 0, product(shape))
	forEachIndex(shape, func(idx []int) {
		if idx[k] < r.shape[k] {
			elems = append(elems, r.elems[r.offset(idx)])
			return
		}
		src := append([]int(nil), idx...)
		src[k] -= r.shape[k]
		elems = append(elems, block.elems[block.offset(src)])
	})
	return New(r.axes, shape, elems)
}

// CrossProduct aligns the operands by shared axis names and unions the
// remaining axes. Each output element is the tuple of the aligned input
// elements, or skip when any of them is skip.
func CrossProduct(refs ...*Reference) (*Reference, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("cross product requires at least one reference")
	}
	if anySkip(refs...) {
		return SkipReference(), nil
	}
	axes, shape, err := unionAxes(refs...)
	if err != nil {
		return nil, fmt.Errorf("cross product: %w", err)
	}

	elems := make([]Element, 0, product(shape))
	forEachIndex(shape, func(idx []int) {
		items := make([]Element, len(refs))
		for i, r := range refs {
			items[i] = r.project(axes, idx)
		}
		if containsSkip(items) {
			elems = append(elems, Skip())
			return
		}
		elems = append(elems, Tuple(items...))
	})
	return New(axes, shape, elems)
}

// Join stacks identically shaped References along a new leading axis.
func Join(refs []*Reference, newAxis string) (*Reference, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("join requires at least one reference")
	}
	if anySkip(refs...) {
		return SkipReference(), nil
	}
	first := refs[0]
	if first.HasAxis(newAxis) {
		return nil, fmt.Errorf("join axis %s already exists", newAxis)
	}

	parts := make([]*Reference, len(refs))
	for i, r := range refs {
		if r.Rank() != first.Rank() {
			return nil, fmt.Errorf("join operand %d: axes %v do not match %v", i, r.axes, first.axes)
		}
		t, err := r.Transpose(first.axes...)
		if err != nil {
			return nil, fmt.Errorf("join operand %d: %w", i, err)
		}
		for j := range first.shape {
			if t.shape[j] != first.shape[j] {
				return nil, fmt.Errorf("join operand %d: axis %s extent %d does not match %d",
					i, first.axes[j], t.shape[j], first.shape[j])
			}
		}
		parts[i] = t
	}

	axes := append([]string{newAxis}, first.axes...)
	shape := append([]int{len(refs)}, first.shape...)
	elems := make([]Element, 0, product(shape))
	for _, p := range parts {
		elems = append(elems, p.elems...)
	}
	return New(axes, shape, elems)
}

// CrossAction applies every function element to every value element over
// the union of their axes. Each application returns a list of results laid
// out along newAxis; all non-skip applications must agree on its length.
func CrossAction(fns, values *Reference, newAxis string, apply ApplyFunc) (*Reference, error) {
	if anySkip(fns, values) {
		return SkipReference(), nil
	}
	axes, shape, err := unionAxes(fns, values)
	if err != nil {
		return nil, fmt.Errorf("cross action: %w", err)
	}
	for _, a := range axes {
		if a == newAxis {
			return nil, fmt.Errorf("cross action axis %s already exists", newAxis)
		}
	}

	results := make([][]Element, 0, product(shape))
	width := -1
	var applyErr error
	forEachIndex(shape, func(idx []int) {
		if applyErr != nil {
			return
		}
		fn := fns.project(axes, idx)
		v := values.project(axes, idx)
		if fn.IsSkip() || v.IsSkip() {
			results = append(results, nil)
			return
		}
		out, err := apply(fn, v)
		if err != nil {
			applyErr = err
			return
		}
		if width >= 0 && len(out) != width {
			applyErr = fmt.Errorf("cross action: application at %v returned %d results, expected %d", idx, len(out), width)
			return
		}
		width = len(out)
		results = append(results, out)
	})
	if applyErr != nil {
		return nil, applyErr
	}
	if width < 0 {
		width = 1
	}

	elems := make([]Element, 0, len(results)*width)
	for _, row := range results {
		if row == nil {
			for i := 0; i < width; i++ {
				elems = append(elems, Skip())
			}
			continue
		}
		elems = append(elems, row...)
	}
	return New(append(axes, newAxis), append(shape, width), elems)
}

// ElementAction applies fn position by position across identically shaped
// References. Rank-0 operands broadcast.
func ElementAction(fn ElementFunc, refs ...*Reference) (*Reference, error) {
	return IndexedElementAction(func(_ []int, in []Element) (Element, error) {
		return fn(in)
	}, refs...)
}

// IndexedElementAction is ElementAction with the output index passed to fn.
func IndexedElementAction(fn IndexedElementFunc, refs ...*Reference) (*Reference, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("element action requires at least one reference")
	}
	if anySkip(refs...) {
		return SkipReference(), nil
	}

	var base *Reference
	for _, r := range refs {
		if r.Rank() > 0 {
			base = r
			break
		}
	}
	if base == nil {
		base = refs[0]
	}

	aligned := make([]*Reference, len(refs))
	for i, r := range refs {
		if r.Rank() == 0 {
			aligned[i] = r
			continue
		}
		if r.Rank() != base.Rank() {
			return nil, fmt.Errorf("element action operand %d: axes %v do not match %v", i, r.axes, base.axes)
		}
		t, err := r.Transpose(base.axes...)
		if err != nil {
			return nil, fmt.Errorf("element action operand %d: %w", i, err)
		}
		for j := range base.shape {
			if t.shape[j] != base.shape[j] {
				return nil, fmt.Errorf("element action operand %d: axis %s extent %d does not match %d",
					i, base.axes[j], t.shape[j], base.shape[j])
			}
		}
		aligned[i] = t
	}

	elems := make([]Element, 0, len(base.elems))
	var actionErr error
	forEachIndex(base.shape, func(idx []int) {
		if actionErr != nil {
			return
		}
		in := make([]Element, len(aligned))
		for i, r := range aligned {
			in[i] = r.project(base.axes, idx)
		}
		if containsSkip(in) {
			elems = append(elems, Skip())
			return
		}
		out, err := fn(idx, in)
		if err != nil {
			actionErr = fmt.Errorf("element action at %v: %w", idx, err)
			return
		}
		elems = append(elems, out)
	})
	if actionErr != nil {
		return nil, actionErr
	}
	return New(base.axes, base.shape, elems)
}

// unionAxes merges axes in first-appearance order; shared axes must agree
// on extent.
func unionAxes(refs ...*Reference) ([]string, []int, error) {
	axes := make([]string, 0)
	shape := make([]int, 0)
	pos := make(map[string]int)
	for _, r := range refs {
		for i, a := range r.axes {
			if j, ok := pos[a]; ok {
				if shape[j] != r.shape[i] {
					return nil, nil, fmt.Errorf("shared axis %s has mismatched extents %d and %d", a, shape[j], r.shape[i])
				}
				continue
			}
			pos[a] = len(axes)
			axes = append(axes, a)
			shape = append(shape, r.shape[i])
		}
	}
	return axes, shape, nil
}

// broadcast expands src over target axes. Every src axis must appear in the
// target with the same extent, except extent-1 target axes absent from src.
func broadcast(src *Reference, axes []string, shape []int) (*Reference, error) {
	for i, a := range src.axes {
		found := false
		for j, b := range axes {
			if a == b {
				if src.shape[i] != shape[j] {
					return nil, fmt.Errorf("axis %s extent %d does not match %d", a, src.shape[i], shape[j])
				}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("axis %s is not part of %v", a, axes)
		}
	}
	elems := make([]Element, 0, product(shape))
	forEachIndex(shape, func(idx []int) {
		elems = append(elems, src.project(axes, idx))
	})
	return New(axes, shape, elems)
}

func containsSkip(items []Element) bool {
	for _, e := range items {
		if e.IsSkip() {
			return true
		}
	}
	return false
}
