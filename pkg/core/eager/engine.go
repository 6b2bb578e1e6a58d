// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package eager implements ops.Ops on the host, executing every operation immediately, along
// with a small reverse-mode gradient engine.
//
// It is the reference against which compiled functions are compared: running a function
// eagerly and running it compiled must produce the same outputs, the same side effects on
// the arguments and the same gradients.
//
// Operations on symbolic buffers (see buffers.Symbolic) produce symbolic results, so the
// engine can also be used to run functions over placeholders.
package eager

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/core/rng"
	"github.com/gomlx/aotgraph/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Engine implements ops.Ops, and the gradient engine (Grad and Attach) used by the aot package.
//
// It is not safe for concurrent use: the gradient mode is engine-wide state.
type Engine struct {
	gen         *rng.Generator
	gradEnabled bool
}

var _ ops.Ops = (*Engine)(nil)

// New creates an Engine that draws random numbers from rng.Default().
func New() *Engine {
	return NewWithGenerator(rng.Default())
}

// NewWithGenerator creates an Engine that draws random numbers from gen.
func NewWithGenerator(gen *rng.Generator) *Engine {
	return &Engine{gen: gen, gradEnabled: true}
}

// Generator returns the ambient random number generator of the engine.
func (e *Engine) Generator() *rng.Generator { return e.gen }

// GradEnabled implements ops.Ops.
func (e *Engine) GradEnabled() bool { return e.gradEnabled }

// NoGrad implements ops.Ops.
func (e *Engine) NoGrad(fn func()) { e.setGradEnabled(false, fn) }

// WithGrad implements ops.Ops.
func (e *Engine) WithGrad(fn func()) { e.setGradEnabled(true, fn) }

func (e *Engine) setGradEnabled(enabled bool, fn func()) {
	previous := e.gradEnabled
	e.gradEnabled = enabled
	defer func() { e.gradEnabled = previous }()
	fn()
}

// alloc creates the output of an operation over inputs: symbolic if any of the inputs is.
func alloc(dtype dtypes.DType, dims []int, inputs ...*buffers.Buffer) *buffers.Buffer {
	for _, input := range inputs {
		if input.IsSymbolic() {
			return buffers.Symbolic(dtype, dims...)
		}
	}
	return buffers.New(dtype, dims...)
}

// layoutLike creates a root buffer with the geometry of x over a new storage with the same
// length as x's. Storage-absolute view steps recorded against x apply to it as well.
func layoutLike(x *buffers.Buffer, symbolic bool) *buffers.Buffer {
	var storage *buffers.Storage
	if symbolic {
		storage = buffers.NewSymbolicStorage(x.DType(), x.Storage().Len())
	} else {
		storage = buffers.NewStorage(x.DType(), x.Storage().Len())
	}
	return buffers.Over(storage, x.Geometry())
}

func propagateDynamic(out, x *buffers.Buffer) {
	if x.DynamicAxes() != nil && slices.Equal(out.Dims(), x.Dims()) {
		out.MarkDynamic(sets.Sorted(x.DynamicAxes())...)
	}
}

// Zeros implements ops.Ops.
func (e *Engine) Zeros(dtype dtypes.DType, dims ...int) *buffers.Buffer {
	return buffers.New(dtype, dims...)
}

// Uniform implements ops.Ops.
func (e *Engine) Uniform(dtype dtypes.DType, dims ...int) *buffers.Buffer {
	out := buffers.New(dtype, dims...)
	state := e.gen.Advance(out.Size())
	out.Fill(rng.Uniform(state.Seed, state.Offset, out.Size()))
	return out
}

// PhiloxUniform implements ops.Ops.
func (e *Engine) PhiloxUniform(seed, offset *buffers.Buffer, dtype dtypes.DType, dims ...int) *buffers.Buffer {
	out := alloc(dtype, dims, seed, offset)
	if !out.IsSymbolic() {
		state := ops.StateFromBuffers(seed, offset)
		out.Fill(rng.Uniform(state.Seed, state.Offset, out.Size()))
	}
	return out
}

// RNGState implements ops.Ops.
func (e *Engine) RNGState() (seed, offset *buffers.Buffer) {
	return ops.StateBuffers(e.gen.State())
}

// SetRNGState implements ops.Ops.
func (e *Engine) SetRNGState(seed, offset *buffers.Buffer) {
	if seed.IsSymbolic() || offset.IsSymbolic() {
		exceptions.Panicf("eager.SetRNGState: can't set the state from symbolic buffers")
	}
	e.gen.SetState(ops.StateFromBuffers(seed, offset))
}
