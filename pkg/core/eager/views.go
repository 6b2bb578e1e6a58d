// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// viewOf returns the root buffer over x's storage with the geometry obtained by applying steps to x.
func viewOf(x *buffers.Buffer, steps []buffers.ViewStep) *buffers.Buffer {
	geom, err := buffers.ApplySteps(x.Geometry(), steps)
	if err != nil {
		panic(errors.WithMessagef(err, "eager: invalid view of %s", x))
	}
	return buffers.Over(x.Storage(), geom)
}

// viewBackward scatters the gradient of a view of x into a gradient with the layout of x.
func viewBackward(x *buffers.Buffer, steps []buffers.ViewStep, g *buffers.Buffer) *buffers.Buffer {
	gx := layoutLike(x, g.IsSymbolic())
	if !gx.IsSymbolic() {
		viewOf(gx, steps).Fill(g.Values())
	}
	return gx
}

// View implements ops.Ops.
func (e *Engine) View(x *buffers.Buffer, step buffers.ViewStep) *buffers.Buffer {
	out := buffers.View(x, step).SetRequiresGrad(false)
	e.record("view", []*buffers.Buffer{x}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{viewBackward(x, []buffers.ViewStep{step}, g[0])}
	})
	return out
}

// ViewScatter implements ops.Ops.
func (e *Engine) ViewScatter(base, src *buffers.Buffer, steps []buffers.ViewStep) *buffers.Buffer {
	out := layoutLike(base, base.IsSymbolic() || src.IsSymbolic())
	target := viewOf(out, steps)
	if !slices.Equal(target.Dims(), src.Dims()) {
		exceptions.Panicf("eager.ViewScatter: view of %s has dims %v, but src has dims %v", base, target.Dims(), src.Dims())
	}
	if !out.IsSymbolic() {
		out.Fill(base.Values())
		target.Fill(src.Values())
	}
	e.record("view_scatter", []*buffers.Buffer{base, src}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		gBase := layoutLike(base, g[0].IsSymbolic())
		gSrc := alloc(src.DType(), src.Dims(), g[0])
		if !gBase.IsSymbolic() {
			gBase.Fill(g[0].Values())
			gTarget := viewOf(gBase, steps)
			gSrc.Fill(gTarget.Values())
			gTarget.Fill(make([]float64, gTarget.Size()))
		}
		return []*buffers.Buffer{gBase, gSrc}
	})
	return out
}

// checkInPlace panics if x can't be mutated in place while gradients are tracked.
func (e *Engine) checkInPlace(name string, x *buffers.Buffer) {
	if !e.gradEnabled || !x.RequiresGrad() {
		return
	}
	if x.IsLeaf() {
		exceptions.Panicf("eager.%s: a leaf buffer that requires grad is being used in an in-place operation", name)
	}
	if base := x.Base(); base != nil && base.IsLeaf() && base.RequiresGrad() {
		exceptions.Panicf("eager.%s: a view of a leaf buffer that requires grad is being used in an in-place operation", name)
	}
}

// inPlace writes into x the value returned by update, which computes it out-of-place.
//
// If the update is tracked for gradients, the history of x (or of its base and x, if x is a
// view) is replaced by the one of the update.
func (e *Engine) inPlace(name string, x *buffers.Buffer, update func() *buffers.Buffer) *buffers.Buffer {
	e.checkInPlace(name, x)
	updated := update()
	if !e.gradEnabled || !updated.RequiresGrad() {
		buffers.CopyData(x, updated)
		return x
	}

	base := x.Base()
	if base == nil {
		buffers.CopyData(x, updated)
		x.SetHistory(updated.History())
		x.SetRequiresGrad(true)
		return x
	}

	// x is a view: the update is scattered into its base, and x becomes a view of the new base.
	steps := x.Alias().StepsFrom(base.Geometry())
	newBase := e.ViewScatter(base, updated, steps)
	buffers.CopyData(base, newBase)
	base.SetHistory(newBase.History())
	base.SetRequiresGrad(true)
	e.record("view", []*buffers.Buffer{base}, []*buffers.Buffer{x}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{viewBackward(base, steps, g[0])}
	})
	return x
}

// AddInPlace implements ops.Ops.
func (e *Engine) AddInPlace(x, y *buffers.Buffer) *buffers.Buffer {
	return e.inPlace("AddInPlace", x, func() *buffers.Buffer { return e.Add(x, y) })
}

// ScaleInPlace implements ops.Ops.
func (e *Engine) ScaleInPlace(x *buffers.Buffer, factor float64) *buffers.Buffer {
	return e.inPlace("ScaleInPlace", x, func() *buffers.Buffer { return e.Scale(x, factor) })
}

// CopyInPlace implements ops.Ops.
func (e *Engine) CopyInPlace(dst, src *buffers.Buffer) *buffers.Buffer {
	if !slices.Equal(dst.Dims(), src.Dims()) {
		exceptions.Panicf("eager.CopyInPlace: dims mismatch, dst%v != src%v", dst.Dims(), src.Dims())
	}
	return e.inPlace("CopyInPlace", dst, func() *buffers.Buffer { return e.Clone(src) })
}

// ViewInPlace implements ops.Ops.
func (e *Engine) ViewInPlace(x *buffers.Buffer, step buffers.ViewStep) *buffers.Buffer {
	e.checkInPlace("ViewInPlace", x)
	if !e.gradEnabled || !x.RequiresGrad() {
		buffers.ViewInPlace(x, step)
		return x
	}
	previous := buffers.Over(x.Storage(), x.Geometry())
	previous.SetHistory(x.History())
	previous.SetRequiresGrad(true)
	buffers.ViewInPlace(x, step)
	e.record("view_inplace", []*buffers.Buffer{previous}, []*buffers.Buffer{x}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{viewBackward(previous, []buffers.ViewStep{step}, g[0])}
	})
	return x
}
