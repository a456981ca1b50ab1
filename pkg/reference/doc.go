// Package reference implements the multi-dimensional data container that
// flows between plan steps, together with its algebra.
//
// # Overview
//
// A Reference is a tensor: an ordered list of named axes with extents and a
// row-major block of elements whose count equals the product of the extents.
// A Reference with no axes is a scalar holding exactly one element.
//
// Every element is one of:
//
//   - literal: a plain value (string, int64, float64, bool, list, map)
//   - pointer: a lazily resolved perceptual sign {strategy, signifier, id}
//   - skip: the sentinel marking a deliberately unexecuted branch
//   - tuple: ordered component elements produced by CrossProduct and Slice
//   - tensor: a nested Reference produced by a zero-axis Slice
//
// # Algebra
//
// Get/At/Set address elements by axis selectors. Slice, Append,
// CrossProduct, Join, CrossAction and ElementAction build new References and
// never mutate their operands. Pointers are copied as opaque values; nothing
// in this package dereferences them.
//
// Skip propagates: an operand that is entirely skip makes the result the skip
// sentinel, and any aligned element group containing skip yields a skip
// element.
//
// # Usage Example
//
//	nums, _ := reference.FromNested([]string{"n"}, []interface{}{3, 8, 15})
//	doubled, _ := reference.ElementAction(func(in []reference.Element) (reference.Element, error) {
//	    v, _ := in[0].Int()
//	    return reference.Literal(v * 2), nil
//	}, nums)
package reference
