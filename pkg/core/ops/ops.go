// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops defines Ops, the set of buffer operations user functions are written against.
//
// Functions compiled by the aot package take an Ops and their arguments, and return their
// outputs. The same function can then run eagerly (see package eager), under the functional
// simulation used to inspect mutations, or under a tracer.
//
// In-place operations (the ones with the InPlace suffix) write into their first argument and
// return it. Views share the storage of the buffer they are taken from.
package ops

import (
	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/gopjrt/dtypes"
)

// Ops is the set of operations available to a user function.
type Ops interface {
	// Zeros returns a new contiguous buffer filled with zeros.
	Zeros(dtype dtypes.DType, dims ...int) *buffers.Buffer

	// Add returns x+y. The dims must match, or y must be a scalar.
	Add(x, y *buffers.Buffer) *buffers.Buffer

	// Mul returns x*y. The dims must match, or y must be a scalar.
	Mul(x, y *buffers.Buffer) *buffers.Buffer

	// Scale returns x*factor.
	Scale(x *buffers.Buffer, factor float64) *buffers.Buffer

	// Shift returns x+value.
	Shift(x *buffers.Buffer, value float64) *buffers.Buffer

	// Sum returns the scalar sum of all elements of x.
	Sum(x *buffers.Buffer) *buffers.Buffer

	// Clone returns a contiguous copy of x, that doesn't alias it.
	Clone(x *buffers.Buffer) *buffers.Buffer

	// View returns a view of x, sharing its storage.
	View(x *buffers.Buffer, step buffers.ViewStep) *buffers.Buffer

	// ViewScatter returns a copy of base (with the same layout), where the view of base given by
	// steps is replaced by the values of src.
	ViewScatter(base, src *buffers.Buffer, steps []buffers.ViewStep) *buffers.Buffer

	// Detach returns an alias of x that is not tracked for gradients.
	Detach(x *buffers.Buffer) *buffers.Buffer

	// AddInPlace sets x = x+y.
	AddInPlace(x, y *buffers.Buffer) *buffers.Buffer

	// ScaleInPlace sets x = x*factor.
	ScaleInPlace(x *buffers.Buffer, factor float64) *buffers.Buffer

	// CopyInPlace copies the values of src into dst.
	CopyInPlace(dst, src *buffers.Buffer) *buffers.Buffer

	// ViewInPlace changes the metadata (dims, strides, offset) of x, without touching its data.
	ViewInPlace(x *buffers.Buffer, step buffers.ViewStep) *buffers.Buffer

	// Uniform draws values uniformly distributed in [0, 1) from the ambient random number generator.
	Uniform(dtype dtypes.DType, dims ...int) *buffers.Buffer

	// PhiloxUniform draws values uniformly distributed in [0, 1) for the explicit state given by
	// seed and offset (see StateBuffers).
	PhiloxUniform(seed, offset *buffers.Buffer, dtype dtypes.DType, dims ...int) *buffers.Buffer

	// RNGState returns the ambient random number generator state, in the format of StateBuffers.
	RNGState() (seed, offset *buffers.Buffer)

	// SetRNGState sets the ambient random number generator state.
	SetRNGState(seed, offset *buffers.Buffer)

	// NoGrad runs fn with gradient tracking disabled.
	NoGrad(fn func())

	// WithGrad runs fn with gradient tracking enabled.
	WithGrad(fn func())

	// GradEnabled returns whether operations are currently tracked for gradients.
	GradEnabled() bool
}

// Fn is a function over buffers, written against Ops.
type Fn func(o Ops, args []*buffers.Buffer) []*buffers.Buffer
