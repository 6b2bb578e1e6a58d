// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// functionalOps runs a function without side effects on the buffers it is given.
//
// Every buffer the function sees is a handle: a buffer over a placeholder storage, mapped to a
// value of the inner Ops. Views of a handle share its functional storage (fstorage), which
// holds the current inner value of the root. In-place data operations compute the new value out
// of place and scatter it into the root's value, and aliases pick it up lazily by replaying
// their view steps. In-place metadata operations only change the mutated handle.
//
// What happened to each input and what each output aliases is read back from the handles
// once the function returns.
type functionalOps struct {
	inner ops.Ops

	// grad, if set, keeps mutations hidden from gradient tracking transparent to gradients.
	grad GradEngine

	args    []*buffers.Buffer
	inputs  []*buffers.Buffer
	handles map[*buffers.Buffer]*handle
}

var _ ops.Ops = (*functionalOps)(nil)

// fstorage is the functional state of a root: its current inner value and its mutations.
type fstorage struct {
	root     *buffers.Buffer
	rootGeom buffers.Geometry

	// value has the layout given by rootGeom.
	value      *buffers.Buffer
	generation int

	dataMutations, hiddenMutations int

	// inputIdx is the index of the input whose root this is, or -1.
	inputIdx int
}

// handle is the functional state of one buffer seen by the function.
type handle struct {
	fs *fstorage

	// steps derive the handle from the root, starting from fs.rootGeom.
	steps    []buffers.ViewStep
	detached bool

	// value is the cached inner value, valid while generation matches fs.generation.
	value      *buffers.Buffer
	generation int
}

func (h *handle) isCustom() bool {
	return slices.ContainsFunc(h.steps, func(s buffers.ViewStep) bool { return s.Custom != "" })
}

// newFunctionalOps creates the functional simulation over inner for the inner values args.
// Each position gets its own handle, even if the same buffer is given more than once.
func newFunctionalOps(inner ops.Ops, grad GradEngine, args []*buffers.Buffer) *functionalOps {
	f := &functionalOps{
		inner:   inner,
		grad:    grad,
		args:    args,
		inputs:  make([]*buffers.Buffer, len(args)),
		handles: make(map[*buffers.Buffer]*handle),
	}
	for ii, arg := range args {
		f.inputs[ii] = f.newRoot(arg, ii)
	}
	return f
}

// newRoot creates the handle of a new root, whose inner value is v.
func (f *functionalOps) newRoot(v *buffers.Buffer, inputIdx int) *buffers.Buffer {
	x := buffers.Over(buffers.NewSymbolicStorage(v.DType(), v.Storage().Len()), v.Geometry())
	x.SetRequiresGrad(v.RequiresGrad())
	x.SetHistory(v.History())
	x.SetComposite(v.Composite())
	if v.DynamicAxes() != nil {
		x.MarkDynamic(sets.Sorted(v.DynamicAxes())...)
	}
	f.register(x, v, inputIdx)
	return x
}

func (f *functionalOps) register(x, v *buffers.Buffer, inputIdx int) *handle {
	fs := &fstorage{root: x, rootGeom: x.Geometry(), value: v, inputIdx: inputIdx}
	h := &handle{fs: fs, value: v}
	f.handles[x] = h
	return h
}

// handleOf returns the handle of x. Buffers the function didn't get from the simulation
// (constants created outside of it) become roots of their own.
func (f *functionalOps) handleOf(x *buffers.Buffer) *handle {
	if h, found := f.handles[x]; found {
		return h
	}
	return f.register(x, x, -1)
}

// valueOf returns the current inner value of x.
func (f *functionalOps) valueOf(x *buffers.Buffer) *buffers.Buffer {
	h := f.handleOf(x)
	if h.value != nil && h.generation == h.fs.generation {
		return h.value
	}
	v := h.fs.value
	for _, step := range h.steps {
		v = f.inner.View(v, step)
	}
	if h.detached {
		v = f.inner.Detach(v)
	}
	h.value, h.generation = v, h.fs.generation
	return v
}

func (f *functionalOps) valuesOf(xs []*buffers.Buffer) []*buffers.Buffer {
	values := make([]*buffers.Buffer, len(xs))
	for ii, x := range xs {
		values[ii] = f.valueOf(x)
	}
	return values
}

// result wraps the inner value of an operation result as a new root.
func (f *functionalOps) result(v *buffers.Buffer) *buffers.Buffer {
	return f.newRoot(v, -1)
}

// alias creates the handle of a new alias of x.
func (f *functionalOps) alias(x, a *buffers.Buffer, step *buffers.ViewStep, detached bool) *buffers.Buffer {
	h := f.handleOf(x)
	steps := slices.Clone(h.steps)
	if step != nil {
		steps = append(steps, *step)
	}
	f.handles[a] = &handle{fs: h.fs, steps: steps, detached: h.detached || detached}
	v := f.valueOf(a)
	a.SetRequiresGrad(v.RequiresGrad())
	a.SetHistory(v.History())
	return a
}

// checkInPlace panics, as eager execution does, if x aliases an input that is a leaf requiring
// gradients while they are tracked.
func (f *functionalOps) checkInPlace(name string, h *handle) {
	if !f.inner.GradEnabled() || h.detached || h.fs.inputIdx < 0 {
		return
	}
	arg := f.args[h.fs.inputIdx]
	if arg.IsLeaf() && arg.RequiresGrad() {
		exceptions.Panicf("%s: input #%d is a leaf buffer that requires grad and is being used in an in-place operation",
			name, h.fs.inputIdx)
	}
}

// mutate replaces the data of x by update(current value of x).
func (f *functionalOps) mutate(name string, x *buffers.Buffer, update func(current *buffers.Buffer) *buffers.Buffer) *buffers.Buffer {
	h := f.handleOf(x)
	f.checkInPlace(name, h)
	updated := update(f.valueOf(x))
	fs := h.fs
	hidden := !f.inner.GradEnabled() || h.detached
	previous := fs.value
	fs.value = f.inner.ViewScatter(previous, updated, h.steps)
	if hidden && previous.RequiresGrad() && f.grad != nil {
		// Gradients flow through the mutated root as if it hadn't changed.
		value := fs.value
		f.inner.WithGrad(func() {
			f.grad.Attach([]*buffers.Buffer{previous}, []*buffers.Buffer{value}, func(g []*buffers.Buffer) []*buffers.Buffer {
				return g
			})
		})
	}
	fs.generation++
	fs.dataMutations++
	if hidden {
		fs.hiddenMutations++
	}
	if fs.value.RequiresGrad() && !h.detached {
		x.SetRequiresGrad(true)
		fs.root.SetRequiresGrad(true)
	}
	return x
}

// Zeros implements ops.Ops.
func (f *functionalOps) Zeros(dtype dtypes.DType, dims ...int) *buffers.Buffer {
	return f.result(f.inner.Zeros(dtype, dims...))
}

// Add implements ops.Ops.
func (f *functionalOps) Add(x, y *buffers.Buffer) *buffers.Buffer {
	return f.result(f.inner.Add(f.valueOf(x), f.valueOf(y)))
}

// Mul implements ops.Ops.
func (f *functionalOps) Mul(x, y *buffers.Buffer) *buffers.Buffer {
	return f.result(f.inner.Mul(f.valueOf(x), f.valueOf(y)))
}

// Scale implements ops.Ops.
func (f *functionalOps) Scale(x *buffers.Buffer, factor float64) *buffers.Buffer {
	return f.result(f.inner.Scale(f.valueOf(x), factor))
}

// Shift implements ops.Ops.
func (f *functionalOps) Shift(x *buffers.Buffer, value float64) *buffers.Buffer {
	return f.result(f.inner.Shift(f.valueOf(x), value))
}

// Sum implements ops.Ops.
func (f *functionalOps) Sum(x *buffers.Buffer) *buffers.Buffer {
	return f.result(f.inner.Sum(f.valueOf(x)))
}

// Clone implements ops.Ops.
func (f *functionalOps) Clone(x *buffers.Buffer) *buffers.Buffer {
	return f.result(f.inner.Clone(f.valueOf(x)))
}

// View implements ops.Ops.
func (f *functionalOps) View(x *buffers.Buffer, step buffers.ViewStep) *buffers.Buffer {
	return f.alias(x, buffers.View(x, step), &step, false)
}

// ViewScatter implements ops.Ops.
func (f *functionalOps) ViewScatter(base, src *buffers.Buffer, steps []buffers.ViewStep) *buffers.Buffer {
	return f.result(f.inner.ViewScatter(f.valueOf(base), f.valueOf(src), steps))
}

// Detach implements ops.Ops.
func (f *functionalOps) Detach(x *buffers.Buffer) *buffers.Buffer {
	return f.alias(x, buffers.Detach(x), nil, true)
}

// AddInPlace implements ops.Ops.
func (f *functionalOps) AddInPlace(x, y *buffers.Buffer) *buffers.Buffer {
	yValue := f.valueOf(y)
	return f.mutate("AddInPlace", x, func(current *buffers.Buffer) *buffers.Buffer {
		return f.inner.Add(current, yValue)
	})
}

// ScaleInPlace implements ops.Ops.
func (f *functionalOps) ScaleInPlace(x *buffers.Buffer, factor float64) *buffers.Buffer {
	return f.mutate("ScaleInPlace", x, func(current *buffers.Buffer) *buffers.Buffer {
		return f.inner.Scale(current, factor)
	})
}

// CopyInPlace implements ops.Ops.
func (f *functionalOps) CopyInPlace(dst, src *buffers.Buffer) *buffers.Buffer {
	if !slices.Equal(dst.Dims(), src.Dims()) {
		exceptions.Panicf("CopyInPlace: dims mismatch, dst%v != src%v", dst.Dims(), src.Dims())
	}
	srcValue := f.valueOf(src)
	return f.mutate("CopyInPlace", dst, func(_ *buffers.Buffer) *buffers.Buffer {
		return f.inner.Clone(srcValue)
	})
}

// ViewInPlace implements ops.Ops.
func (f *functionalOps) ViewInPlace(x *buffers.Buffer, step buffers.ViewStep) *buffers.Buffer {
	h := f.handleOf(x)
	f.checkInPlace("ViewInPlace", h)
	buffers.ViewInPlace(x, step)
	h.steps = append(slices.Clone(h.steps), step)
	h.value = nil
	return x
}

// Uniform implements ops.Ops.
func (f *functionalOps) Uniform(dtype dtypes.DType, dims ...int) *buffers.Buffer {
	return f.result(f.inner.Uniform(dtype, dims...))
}

// PhiloxUniform implements ops.Ops.
func (f *functionalOps) PhiloxUniform(seed, offset *buffers.Buffer, dtype dtypes.DType, dims ...int) *buffers.Buffer {
	return f.result(f.inner.PhiloxUniform(f.valueOf(seed), f.valueOf(offset), dtype, dims...))
}

// RNGState implements ops.Ops.
func (f *functionalOps) RNGState() (seed, offset *buffers.Buffer) {
	seed, offset = f.inner.RNGState()
	return f.result(seed), f.result(offset)
}

// SetRNGState implements ops.Ops.
func (f *functionalOps) SetRNGState(seed, offset *buffers.Buffer) {
	f.inner.SetRNGState(f.valueOf(seed), f.valueOf(offset))
}

// NoGrad implements ops.Ops.
func (f *functionalOps) NoGrad(fn func()) { f.inner.NoGrad(fn) }

// WithGrad implements ops.Ops.
func (f *functionalOps) WithGrad(fn func()) { f.inner.WithGrad(fn) }

// GradEnabled implements ops.Ops.
func (f *functionalOps) GradEnabled() bool { return f.inner.GradEnabled() }
