// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers defines Buffer, the opaque multi-dimensional data handle manipulated by
// the aot package, and the identity and aliasing primitives around it.
//
// A Buffer has two notions of identity:
//
//   - its logical identity: the *Buffer pointer. Two arguments are duplicates iff they are
//     the same pointer.
//   - its backing-store identity: the StorageKey of its Storage. Two buffers alias (may
//     share memory) iff their keys are equal, regardless of their values.
//
// Views (see View and ViewStep) share the storage of their base and record how they were
// derived from it (see Alias), so the derivation can be replayed against a different base.
package buffers

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/aotgraph/pkg/support/sets"
	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// History is the recorded derivation of a buffer. It is set by the ops implementation that
// produced the buffer (see package eager) and is opaque to this package.
// A buffer without History is a leaf.
type History interface {
	Name() string
}

// Buffer is a multi-dimensional view over a Storage.
type Buffer struct {
	storage      *Storage
	geom         Geometry
	requiresGrad bool
	history      History

	// base is the root buffer this buffer is a view of, and alias how to derive it from base.
	base  *Buffer
	alias *Alias

	dynamicAxes sets.Set[int]
	composite   bool
}

// New creates a zero-initialized contiguous buffer.
func New(dtype dtypes.DType, dims ...int) *Buffer {
	return newOver(NewStorage(dtype, xslices.Prod(dims)), dims)
}

// Symbolic creates a contiguous buffer over a symbolic storage, with no values.
func Symbolic(dtype dtypes.DType, dims ...int) *Buffer {
	return newOver(NewSymbolicStorage(dtype, xslices.Prod(dims)), dims)
}

// FromValues creates a contiguous buffer with the given values in row-major order.
func FromValues(dtype dtypes.DType, dims []int, values []float64) *Buffer {
	b := New(dtype, dims...)
	if len(values) != b.Size() {
		exceptions.Panicf("buffers.FromValues: %d values given for dims %v (size %d)", len(values), dims, b.Size())
	}
	for ii, v := range values {
		b.storage.Store(ii, v)
	}
	return b
}

// Scalar creates a rank-0 buffer holding v.
func Scalar(dtype dtypes.DType, v float64) *Buffer {
	return FromValues(dtype, nil, []float64{v})
}

// Over creates a buffer with the given geometry over an existing storage.
// It doesn't record any view relationship: the new buffer is a root.
func Over(storage *Storage, geom Geometry) *Buffer {
	checkBounds(storage, geom)
	return &Buffer{storage: storage, geom: geom.Clone()}
}

func newOver(storage *Storage, dims []int) *Buffer {
	for _, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("buffers: invalid negative dimension in %v", dims)
		}
	}
	return &Buffer{storage: storage, geom: ContiguousGeometry(dims, 0)}
}

// Storage returns the backing store.
func (b *Buffer) Storage() *Storage { return b.storage }

// StorageKey returns the backing-store identity.
func (b *Buffer) StorageKey() StorageKey { return b.storage.key }

// DType returns the element type.
func (b *Buffer) DType() dtypes.DType { return b.storage.dtype }

// Geometry returns a copy of the buffer geometry.
func (b *Buffer) Geometry() Geometry { return b.geom.Clone() }

// Dims returns a copy of the dimensions.
func (b *Buffer) Dims() []int { return slices.Clone(b.geom.Dims) }

// Strides returns a copy of the strides, in number of elements.
func (b *Buffer) Strides() []int { return slices.Clone(b.geom.Strides) }

// Offset returns the storage offset of the first element.
func (b *Buffer) Offset() int { return b.geom.Offset }

// Rank returns the number of axes.
func (b *Buffer) Rank() int { return len(b.geom.Dims) }

// Size returns the number of elements.
func (b *Buffer) Size() int { return b.geom.Size() }

// IsContiguous returns whether the elements are laid out in row-major order without gaps.
func (b *Buffer) IsContiguous() bool { return b.geom.IsContiguous() }

// IsSymbolic returns whether the buffer has no values.
func (b *Buffer) IsSymbolic() bool { return b.storage.IsSymbolic() }

// Base returns the buffer this one is a view of, or nil.
func (b *Buffer) Base() *Buffer { return b.base }

// Alias returns how the buffer was derived from Base, or nil if it is not a view.
func (b *Buffer) Alias() *Alias { return b.alias }

// History returns the recorded derivation, or nil for leaves.
func (b *Buffer) History() History { return b.history }

// SetHistory is used by ops implementations to record how the buffer was computed.
func (b *Buffer) SetHistory(h History) { b.history = h }

// IsLeaf returns whether the buffer has no recorded derivation.
func (b *Buffer) IsLeaf() bool { return b.history == nil }

// RequiresGrad returns whether gradients are tracked for the buffer.
func (b *Buffer) RequiresGrad() bool { return b.requiresGrad }

// SetRequiresGrad sets whether gradients are tracked for the buffer. It returns b, so it can be chained.
func (b *Buffer) SetRequiresGrad(requiresGrad bool) *Buffer {
	b.requiresGrad = requiresGrad
	return b
}

// DynamicAxes returns the set of axes whose dimension is dynamic. The returned set must not be modified.
func (b *Buffer) DynamicAxes() sets.Set[int] { return b.dynamicAxes }

// MarkDynamic marks the given axes as dynamic. It returns b, so it can be chained.
func (b *Buffer) MarkDynamic(axes ...int) *Buffer {
	if b.dynamicAxes == nil {
		b.dynamicAxes = sets.Make[int]()
	}
	for _, axis := range axes {
		if axis < 0 || axis >= b.Rank() {
			exceptions.Panicf("buffers.MarkDynamic: axis %d out of range for rank %d", axis, b.Rank())
		}
		b.dynamicAxes.Insert(axis)
	}
	return b
}

// Composite returns whether the buffer is dispatched through a composite (non-atomic) implementation.
func (b *Buffer) Composite() bool { return b.composite }

// SetComposite marks the buffer as composite. It returns b, so it can be chained.
func (b *Buffer) SetComposite(composite bool) *Buffer {
	b.composite = composite
	return b
}

// ForEachPosition calls fn for every element in row-major order, with the element index
// and its position in the storage.
func (b *Buffer) ForEachPosition(fn func(idx, pos int)) {
	b.geom.forEach(fn)
}

// Values returns the values in row-major order. It panics for symbolic buffers.
func (b *Buffer) Values() []float64 {
	values := make([]float64, b.Size())
	b.ForEachPosition(func(idx, pos int) {
		values[idx] = b.storage.Load(pos)
	})
	return values
}

// At returns the value at the given indices.
func (b *Buffer) At(indices ...int) float64 {
	if len(indices) != b.Rank() {
		exceptions.Panicf("buffers.At: %d indices given for rank %d", len(indices), b.Rank())
	}
	pos := b.geom.Offset
	for axis, idx := range indices {
		if idx < 0 || idx >= b.geom.Dims[axis] {
			exceptions.Panicf("buffers.At: index %d out of range for axis %d of dims %v", idx, axis, b.geom.Dims)
		}
		pos += idx * b.geom.Strides[axis]
	}
	return b.storage.Load(pos)
}

// Fill writes values in row-major order into the buffer's elements.
func (b *Buffer) Fill(values []float64) {
	if len(values) != b.Size() {
		exceptions.Panicf("buffers.Fill: %d values given for size %d", len(values), b.Size())
	}
	b.ForEachPosition(func(idx, pos int) {
		b.storage.Store(pos, values[idx])
	})
}

// CopyData copies the values of src into the elements of dst, in place.
// The dims must match. If dst is symbolic it is a no-op.
func CopyData(dst, src *Buffer) {
	if !slices.Equal(dst.geom.Dims, src.geom.Dims) {
		exceptions.Panicf("buffers.CopyData: dims mismatch, dst%v != src%v", dst.geom.Dims, src.geom.Dims)
	}
	if dst.IsSymbolic() {
		return
	}
	values := src.Values()
	dst.Fill(values)
}

// String implements fmt.Stringer. It prints dtype, dims and memory, e.g. "(Float32)[2 3] 24 B".
func (b *Buffer) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)%v", b.DType(), b.geom.Dims)
	if !b.IsContiguous() || b.geom.Offset != 0 {
		_, _ = fmt.Fprintf(&sb, " strides=%v offset=%d", b.geom.Strides, b.geom.Offset)
	}
	_, _ = fmt.Fprintf(&sb, " %s", humanize.Bytes(uint64(b.Size()*b.DType().Size())))
	if b.IsSymbolic() {
		sb.WriteString(" symbolic")
	}
	if b.requiresGrad {
		sb.WriteString(" requires_grad")
	}
	return sb.String()
}
