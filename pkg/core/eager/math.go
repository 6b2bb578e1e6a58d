// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/exceptions"
)

// binary checks the operands of a binary operation and returns whether y is broadcast.
func binary(name string, x, y *buffers.Buffer) (broadcast bool) {
	if x.DType() != y.DType() {
		exceptions.Panicf("eager.%s: dtype mismatch, %s != %s", name, x.DType(), y.DType())
	}
	if slices.Equal(x.Dims(), y.Dims()) {
		return false
	}
	if y.Rank() == 0 {
		return true
	}
	exceptions.Panicf("eager.%s: dims mismatch, %v != %v", name, x.Dims(), y.Dims())
	return false
}

// elementwise returns fn applied to the elements of x and y (or y's single element, if broadcast).
func elementwise(x, y *buffers.Buffer, broadcast bool, fn func(a, b float64) float64) *buffers.Buffer {
	out := alloc(x.DType(), x.Dims(), x, y)
	propagateDynamic(out, x)
	if out.IsSymbolic() {
		return out
	}
	xValues, yValues := x.Values(), y.Values()
	values := make([]float64, len(xValues))
	for ii, a := range xValues {
		b := yValues[0]
		if !broadcast {
			b = yValues[ii]
		}
		values[ii] = fn(a, b)
	}
	out.Fill(values)
	return out
}

// unary returns fn applied to the elements of x.
func unary(x *buffers.Buffer, fn func(a float64) float64) *buffers.Buffer {
	out := alloc(x.DType(), x.Dims(), x)
	propagateDynamic(out, x)
	if out.IsSymbolic() {
		return out
	}
	values := x.Values()
	for ii, a := range values {
		values[ii] = fn(a)
	}
	out.Fill(values)
	return out
}

// reduceTo sums g down to the dims of a broadcast operand.
func (e *Engine) reduceTo(g *buffers.Buffer, broadcast bool) *buffers.Buffer {
	if broadcast {
		return e.Sum(g)
	}
	return g
}

// Add implements ops.Ops.
func (e *Engine) Add(x, y *buffers.Buffer) *buffers.Buffer {
	broadcast := binary("Add", x, y)
	out := elementwise(x, y, broadcast, func(a, b float64) float64 { return a + b })
	e.record("add", []*buffers.Buffer{x, y}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{g[0], e.reduceTo(g[0], broadcast)}
	})
	return out
}

// Mul implements ops.Ops.
func (e *Engine) Mul(x, y *buffers.Buffer) *buffers.Buffer {
	broadcast := binary("Mul", x, y)
	out := elementwise(x, y, broadcast, func(a, b float64) float64 { return a * b })
	e.record("mul", []*buffers.Buffer{x, y}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{e.Mul(g[0], y), e.reduceTo(e.Mul(g[0], x), broadcast)}
	})
	return out
}

// Scale implements ops.Ops.
func (e *Engine) Scale(x *buffers.Buffer, factor float64) *buffers.Buffer {
	out := unary(x, func(a float64) float64 { return a * factor })
	e.record("scale", []*buffers.Buffer{x}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{e.Scale(g[0], factor)}
	})
	return out
}

// Shift implements ops.Ops.
func (e *Engine) Shift(x *buffers.Buffer, value float64) *buffers.Buffer {
	out := unary(x, func(a float64) float64 { return a + value })
	e.record("shift", []*buffers.Buffer{x}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{g[0]}
	})
	return out
}

// Sum implements ops.Ops.
func (e *Engine) Sum(x *buffers.Buffer) *buffers.Buffer {
	out := alloc(x.DType(), nil, x)
	if !out.IsSymbolic() {
		var sum float64
		for _, v := range x.Values() {
			sum += v
		}
		out.Fill([]float64{sum})
	}
	e.record("sum", []*buffers.Buffer{x}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{elementwise(e.zerosLike(x), g[0], true, func(_, b float64) float64 { return b })}
	})
	return out
}

// Clone implements ops.Ops.
func (e *Engine) Clone(x *buffers.Buffer) *buffers.Buffer {
	out := buffers.Clone(x)
	e.record("clone", []*buffers.Buffer{x}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{g[0]}
	})
	return out
}

// Detach implements ops.Ops.
func (e *Engine) Detach(x *buffers.Buffer) *buffers.Buffer {
	return buffers.Detach(x)
}
