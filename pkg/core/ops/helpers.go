// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/rng"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Transpose returns a view of x with axis1 and axis2 swapped.
func Transpose(o Ops, x *buffers.Buffer, axis1, axis2 int) *buffers.Buffer {
	return o.View(x, buffers.TransposeStep(axis1, axis2))
}

// T returns the transposed view of the rank-2 x.
func T(o Ops, x *buffers.Buffer) *buffers.Buffer {
	if x.Rank() != 2 {
		exceptions.Panicf("ops.T requires a rank-2 buffer, got %s", x)
	}
	return Transpose(o, x, 0, 1)
}

// TransposeInPlace swaps axis1 and axis2 of x in place. Only the metadata of x changes.
func TransposeInPlace(o Ops, x *buffers.Buffer, axis1, axis2 int) *buffers.Buffer {
	return o.ViewInPlace(x, buffers.TransposeStep(axis1, axis2))
}

// Reshape returns a view of the contiguous x with new dims. One of the dims can be -1.
func Reshape(o Ops, x *buffers.Buffer, dims ...int) *buffers.Buffer {
	return o.View(x, buffers.ReshapeStep(dims...))
}

// Narrow returns a view of x restricted to [start, start+length) on axis.
func Narrow(o Ops, x *buffers.Buffer, axis, start, length int) *buffers.Buffer {
	return o.View(x, buffers.NarrowStep(axis, start, length))
}

// Unsqueeze returns a view of x with a new axis of dimension 1.
func Unsqueeze(o Ops, x *buffers.Buffer, axis int) *buffers.Buffer {
	return o.View(x, buffers.UnsqueezeStep(axis))
}

// AsStrided returns a view of the storage of x with the given absolute geometry.
func AsStrided(o Ops, x *buffers.Buffer, geom buffers.Geometry) *buffers.Buffer {
	return o.View(x, buffers.AsStridedStep(geom))
}

// CustomView returns a view of x produced by a user-defined view function called name.
// Such views can't be regenerated from their bases, so outputs that are custom views are
// returned as computed.
func CustomView(o Ops, x *buffers.Buffer, name string, step buffers.ViewStep) *buffers.Buffer {
	return o.View(x, step.WithCustom(name))
}

// StateBuffers returns the buffers representing a random number generator state.
//
// The seed is a Uint32 buffer with dims [2] holding the low and high 32 bits, and the offset an
// Int64 scalar. Offsets are exact up to 2^53.
func StateBuffers(state rng.State) (seed, offset *buffers.Buffer) {
	seed = buffers.FromValues(dtypes.Uint32, []int{2}, []float64{float64(uint32(state.Seed)), float64(uint32(state.Seed >> 32))})
	offset = buffers.Scalar(dtypes.Int64, float64(state.Offset))
	return
}

// StateFromBuffers converts buffers created by StateBuffers back to a state.
func StateFromBuffers(seed, offset *buffers.Buffer) rng.State {
	if seed.Size() != 2 || offset.Size() != 1 {
		exceptions.Panicf("invalid random number generator state buffers: seed %s, offset %s", seed, offset)
	}
	s := seed.Values()
	return rng.State{
		Seed:   uint64(uint32(s[0])) | uint64(uint32(s[1]))<<32,
		Offset: uint64(offset.Values()[0]),
	}
}

// SymbolicStateBuffers returns placeholders with the shapes of the state buffers.
func SymbolicStateBuffers() (seed, offset *buffers.Buffer) {
	return buffers.Symbolic(dtypes.Uint32, 2), buffers.Symbolic(dtypes.Int64)
}
