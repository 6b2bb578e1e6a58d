// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/core/rng"
	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
)

// rngOps draws random numbers from an explicit state given as buffers, instead of the ambient
// random number generator. Draws advance a relative offset, the same way rng.Generator.Advance does.
type rngOps struct {
	ops.Ops

	seed, offset *buffers.Buffer
	relative     uint64
}

// currentOffset returns the offset the next draw starts from.
func (r *rngOps) currentOffset() *buffers.Buffer {
	if r.relative == 0 {
		return r.offset
	}
	return r.Ops.Shift(r.offset, float64(r.relative))
}

// Uniform implements ops.Ops.
func (r *rngOps) Uniform(dtype dtypes.DType, dims ...int) *buffers.Buffer {
	values := r.Ops.PhiloxUniform(r.seed, r.currentOffset(), dtype, dims...)
	r.relative += rng.OffsetIncrement(xslices.Prod(dims))
	return values
}

// RNGState implements ops.Ops.
func (r *rngOps) RNGState() (seed, offset *buffers.Buffer) {
	return r.seed, r.currentOffset()
}

// SetRNGState implements ops.Ops.
func (r *rngOps) SetRNGState(seed, offset *buffers.Buffer) {
	r.seed, r.offset, r.relative = seed, offset, 0
}

// withRNGState extends fn's calling convention with the random number generator state:
// it takes (args..., seed, offset) and returns (outs..., newOffset).
func withRNGState(fn ops.Fn) ops.Fn {
	return func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		n := len(args) - 2
		r := &rngOps{Ops: o, seed: args[n], offset: args[n+1]}
		outs := slices.Clone(fn(r, args[:n]))
		_, offset := r.RNGState()
		return append(outs, offset)
	}
}

// appendRNGState returns args followed by the buffers of the current state of gen.
func appendRNGState(args []*buffers.Buffer, gen *rng.Generator) []*buffers.Buffer {
	seed, offset := ops.StateBuffers(gen.State())
	return append(slices.Clone(args), seed, offset)
}

// setRNGOffset advances gen to the offset returned by a graph.
func setRNGOffset(gen *rng.Generator, offset *buffers.Buffer) {
	if offset == nil || offset.Size() != 1 {
		invariantf("compiled graph returned %v as the random number generator offset", offset)
	}
	state := gen.State()
	state.Offset = uint64(offset.Values()[0])
	gen.SetState(state)
}
