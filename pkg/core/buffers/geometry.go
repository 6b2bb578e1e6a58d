// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"fmt"
	"slices"

	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"github.com/gomlx/exceptions"
)

// Geometry describes how a buffer's elements are laid out in its storage.
// Strides and Offset are in number of elements.
type Geometry struct {
	Dims    []int
	Strides []int
	Offset  int
}

// ContiguousStrides returns the row-major strides for dims.
func ContiguousStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= max(dims[axis], 1)
	}
	return strides
}

// ContiguousGeometry returns a row-major geometry for dims starting at offset.
func ContiguousGeometry(dims []int, offset int) Geometry {
	return Geometry{Dims: slices.Clone(dims), Strides: ContiguousStrides(dims), Offset: offset}
}

// Clone returns a deep copy.
func (g Geometry) Clone() Geometry {
	return Geometry{Dims: slices.Clone(g.Dims), Strides: slices.Clone(g.Strides), Offset: g.Offset}
}

// Size returns the number of elements.
func (g Geometry) Size() int { return xslices.Prod(g.Dims) }

// Equal returns whether both geometries describe the same layout.
func (g Geometry) Equal(g2 Geometry) bool {
	return g.Offset == g2.Offset && slices.Equal(g.Dims, g2.Dims) && slices.Equal(g.Strides, g2.Strides)
}

// IsContiguous returns whether the layout is row-major without gaps.
// Strides of axes with dimension 1 are ignored, and empty layouts are contiguous.
func (g Geometry) IsContiguous() bool {
	if g.Size() == 0 {
		return true
	}
	expected := 1
	for axis := len(g.Dims) - 1; axis >= 0; axis-- {
		if g.Dims[axis] == 1 {
			continue
		}
		if g.Strides[axis] != expected {
			return false
		}
		expected *= g.Dims[axis]
	}
	return true
}

// Extent returns one past the largest storage position touched, or Offset for empty layouts.
func (g Geometry) Extent() int {
	if g.Size() == 0 {
		return g.Offset
	}
	last := g.Offset
	for axis, dim := range g.Dims {
		last += (dim - 1) * g.Strides[axis]
	}
	return last + 1
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	return fmt.Sprintf("%v/%v+%d", g.Dims, g.Strides, g.Offset)
}

// forEach iterates over the elements in row-major order.
func (g Geometry) forEach(fn func(idx, pos int)) {
	size := g.Size()
	if size == 0 {
		return
	}
	rank := len(g.Dims)
	counter := make([]int, rank)
	pos := g.Offset
	for idx := 0; idx < size; idx++ {
		fn(idx, pos)
		for axis := rank - 1; axis >= 0; axis-- {
			counter[axis]++
			pos += g.Strides[axis]
			if counter[axis] < g.Dims[axis] {
				break
			}
			pos -= counter[axis] * g.Strides[axis]
			counter[axis] = 0
		}
	}
}

func checkBounds(storage *Storage, geom Geometry) {
	if len(geom.Dims) != len(geom.Strides) {
		exceptions.Panicf("buffers: geometry %s has %d dims but %d strides", geom, len(geom.Dims), len(geom.Strides))
	}
	for _, stride := range geom.Strides {
		if stride < 0 {
			exceptions.Panicf("buffers: negative strides not supported, got %s", geom)
		}
	}
	if geom.Offset < 0 || geom.Extent() > storage.Len() {
		exceptions.Panicf("buffers: geometry %s out of bounds of storage with %d elements", geom, storage.Len())
	}
}
