// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager_test

import (
	"testing"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/eager"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/core/rng"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(vs ...float64) []float64 { return vs }

func TestArithmetic(t *testing.T) {
	e := eager.New()
	x := buffers.FromValues(dtypes.Float32, []int{2, 2}, values(1, 2, 3, 4))
	y := buffers.FromValues(dtypes.Float32, []int{2, 2}, values(10, 20, 30, 40))
	assert.Equal(t, values(11, 22, 33, 44), e.Add(x, y).Values())
	assert.Equal(t, values(10, 40, 90, 160), e.Mul(x, y).Values())
	assert.Equal(t, values(2, 4, 6, 8), e.Mul(x, buffers.Scalar(dtypes.Float32, 2)).Values())
	assert.Equal(t, values(0.5, 1, 1.5, 2), e.Scale(x, 0.5).Values())
	assert.Equal(t, values(2, 3, 4, 5), e.Shift(x, 1).Values())
	assert.Equal(t, values(10), e.Sum(x).Values())
	assert.Equal(t, values(1, 3, 2, 4), e.Clone(ops.T(e, x)).Values())
	require.Panics(t, func() { e.Add(x, buffers.New(dtypes.Float32, 3)) })
	require.Panics(t, func() { e.Add(x, buffers.New(dtypes.Int32, 2, 2)) })

	// Symbolic inputs produce symbolic outputs.
	s := buffers.Symbolic(dtypes.Float32, 2, 2)
	assert.True(t, e.Add(x, s).IsSymbolic())
	assert.True(t, e.Sum(s).IsSymbolic())
}

func TestInPlace(t *testing.T) {
	e := eager.New()
	x := buffers.FromValues(dtypes.Float32, []int{2, 3}, values(0, 1, 2, 3, 4, 5))
	row := ops.Narrow(e, x, 0, 1, 1)
	e.ScaleInPlace(row, 10)
	assert.Equal(t, values(0, 1, 2, 30, 40, 50), x.Values())
	e.AddInPlace(x, buffers.Scalar(dtypes.Float32, 1))
	assert.Equal(t, values(31, 41, 51), row.Values())

	ops.TransposeInPlace(e, x, 0, 1)
	assert.Equal(t, []int{3, 2}, x.Dims())
	assert.Equal(t, values(1, 31, 2, 41, 3, 51), x.Values())

	// Leaves that require grad can't be mutated in place while tracking gradients.
	leaf := buffers.FromValues(dtypes.Float32, []int{2}, values(1, 2)).SetRequiresGrad(true)
	require.Panics(t, func() { e.ScaleInPlace(leaf, 2) })
	require.Panics(t, func() { e.ScaleInPlace(ops.Narrow(e, leaf, 0, 0, 1), 2) })
	e.NoGrad(func() { e.ScaleInPlace(leaf, 2) })
	assert.Equal(t, values(2, 4), leaf.Values())
	assert.True(t, leaf.IsLeaf())
}

func TestGrad(t *testing.T) {
	e := eager.New()
	x := buffers.FromValues(dtypes.Float64, []int{2, 2}, values(1, 2, 3, 4)).SetRequiresGrad(true)
	w := buffers.FromValues(dtypes.Float64, []int{2, 2}, values(5, 6, 7, 8)).SetRequiresGrad(true)
	unused := buffers.New(dtypes.Float64, 2).SetRequiresGrad(true)

	// loss = sum(transpose(x) * w + x[1,:] broadcast through a view).
	y := e.Mul(ops.T(e, x), w)
	loss := e.Add(e.Sum(y), e.Sum(ops.Narrow(e, x, 0, 1, 1)))
	assert.False(t, loss.IsLeaf())
	grads := must.M1(e.Grad([]*buffers.Buffer{loss}, []*buffers.Buffer{x, w, unused}, nil, true))
	// d/dx[i,j] = w[j,i] + (i == 1).
	assert.Equal(t, values(5, 7, 7, 9), grads[0].Values())
	assert.Equal(t, values(1, 3, 2, 4), grads[1].Values())
	assert.Nil(t, grads[2])
	_, err := e.Grad([]*buffers.Buffer{loss}, []*buffers.Buffer{unused}, nil, false)
	require.Error(t, err)

	// Gradients through an in-place update of a view of a non-leaf.
	z := e.Scale(x, 1)
	e.ScaleInPlace(ops.Narrow(e, z, 1, 0, 1), 3)
	grads = must.M1(e.Grad([]*buffers.Buffer{e.Sum(z)}, []*buffers.Buffer{x}, nil, false))
	assert.Equal(t, values(3, 1, 3, 1), grads[0].Values())

	// Explicit seeds.
	seed := buffers.FromValues(dtypes.Float64, []int{2, 2}, values(1, 0, 0, 2))
	grads = must.M1(e.Grad([]*buffers.Buffer{e.Scale(x, 3)}, []*buffers.Buffer{x}, []*buffers.Buffer{seed}, false))
	assert.Equal(t, values(3, 0, 0, 6), grads[0].Values())

	// No tracking under NoGrad.
	e.NoGrad(func() {
		assert.False(t, e.Add(x, w).RequiresGrad())
	})
}

func TestAttach(t *testing.T) {
	e := eager.New()
	x := buffers.FromValues(dtypes.Float32, []int{2}, values(1, 2)).SetRequiresGrad(true)
	out := buffers.FromValues(dtypes.Float32, []int{2}, values(2, 4))
	e.Attach([]*buffers.Buffer{x}, []*buffers.Buffer{out}, func(g []*buffers.Buffer) []*buffers.Buffer {
		return []*buffers.Buffer{e.Scale(g[0], 2)}
	})
	assert.True(t, out.RequiresGrad())
	grads := must.M1(e.Grad([]*buffers.Buffer{e.Sum(out)}, []*buffers.Buffer{x}, nil, false))
	assert.Equal(t, values(2, 2), grads[0].Values())
}

func TestRandom(t *testing.T) {
	gen := rng.NewGenerator(11)
	e := eager.NewWithGenerator(gen)
	seed, offset := e.RNGState()
	first := e.Uniform(dtypes.Float64, 3)
	assert.Equal(t, uint64(4), gen.State().Offset)

	// Drawing explicitly from the saved state gives the same values.
	assert.Equal(t, first.Values(), e.PhiloxUniform(seed, offset, dtypes.Float64, 3).Values())
	assert.Equal(t, rng.State{Seed: 11}, ops.StateFromBuffers(seed, offset))

	e.SetRNGState(seed, offset)
	assert.Equal(t, first.Values(), e.Uniform(dtypes.Float64, 3).Values())
	s, o := ops.SymbolicStateBuffers()
	assert.True(t, e.PhiloxUniform(s, o, dtypes.Float32, 2).IsSymbolic())
}
