// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

// SameStorage returns whether a and b share the same backing store, and hence may alias.
func SameStorage(a, b *Buffer) bool {
	return a.storage.key == b.storage.key
}

// AreDifferentiableViews returns whether a and b are views of one another (or of a common
// base) in a way the gradient engine can track.
func AreDifferentiableViews(a, b *Buffer) bool {
	if a == b {
		return true
	}
	if a.base == nil && b.base == nil {
		return false
	}
	return a.base == b.base || a.base == b || a == b.base
}

// SameDTypeViews returns whether a and b have the same element type.
func SameDTypeViews(a, b *Buffer) bool {
	return a.DType() == b.DType()
}

// DefinitelyDoNotOverlap returns true only if a and b are provably disjoint in their storage.
// It is conservative: any case it can't prove returns false ("may overlap").
//
// Two cases are proven: both buffers contiguous with non-intersecting ranges, and rank-2
// buffers with unit inner strides and equal outer strides where the first ends before the
// second starts, or whose columns fall in disjoint ranges modulo the outer stride.
func DefinitelyDoNotOverlap(a, b *Buffer) bool {
	if a == b {
		return false
	}
	if a.Size() == 0 || b.Size() == 0 {
		return true
	}
	if a.Offset() > b.Offset() {
		a, b = b, a
	}
	if a.IsContiguous() && b.IsContiguous() {
		return a.Offset()+a.Size() <= b.Offset()
	}

	if a.Rank() == 2 && b.Rank() == 2 &&
		a.geom.Strides[1] == 1 && b.geom.Strides[1] == 1 &&
		a.geom.Strides[0] == b.geom.Strides[0] {
		stride0 := a.geom.Strides[0]
		delta := b.Offset() - a.Offset()
		if delta < a.geom.Dims[1] {
			return false
		}
		// a ends before b starts.
		if stride0*(a.geom.Dims[0]-1)+a.geom.Dims[1] <= delta {
			return true
		}
		mod := delta % stride0
		// Columns of b fall in [mod, mod+b.dims[1]) of every row period, a's in [0, a.dims[1]).
		return mod >= a.geom.Dims[1] && mod+b.geom.Dims[1] <= stride0
	}
	return false
}
