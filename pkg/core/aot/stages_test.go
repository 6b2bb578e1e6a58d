// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"strings"
	"testing"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/eager"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/core/rng"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arange(n int) []float64 {
	values := make([]float64, n)
	for ii := range values {
		values[ii] = float64(ii)
	}
	return values
}

func TestDupeMaps(t *testing.T) {
	x := buffers.New(dtypes.Float32, 2)
	y := buffers.New(dtypes.Float32, 3)
	args := []*buffers.Buffer{x, y, x, y, x}
	d, hasDupes := newDupeMaps(args)
	require.True(t, hasDupes)
	assert.Equal(t, []bool{true, true, false, false, false}, d.keepArgMask)
	assert.Equal(t, []int{0, 1, 0, 1, 0}, d.addDupeMap)

	deduped := d.removeDupeArgs(args)
	require.Len(t, deduped, 2)
	assert.Same(t, x, deduped[0])
	assert.Same(t, y, deduped[1])
	roundTrip := d.addDupeArgs(deduped)
	require.Len(t, roundTrip, len(args))
	for ii := range args {
		assert.Same(t, args[ii], roundTrip[ii], "argument #%d", ii)
	}

	_, hasDupes = newDupeMaps([]*buffers.Buffer{x, y})
	assert.False(t, hasDupes)
}

func TestRemoveDupeMetadata(t *testing.T) {
	e := eager.NewWithGenerator(rng.NewGenerator(1))
	// The second occurrence is mutated, the first one returned as is.
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		o.ScaleInPlace(args[1], 2)
		return []*buffers.Buffer{args[0], o.Sum(args[2])}
	}
	x := buffers.FromValues(dtypes.Float32, []int{3}, arange(3))
	y := buffers.FromValues(dtypes.Float32, []int{3}, arange(3))
	args := []*buffers.Buffer{x, x, y}
	m := must.M1(CollectMetadata(e, e, fn, args, false))
	require.Equal(t, 3, m.NumInputs())
	assert.False(t, m.Input(0).MutatesData)
	assert.True(t, m.Input(1).MutatesData)

	d, hasDupes := newDupeMaps(args)
	require.True(t, hasDupes)
	deduped := removeDupeMetadata(m, d, d.removeDupeArgs(args))
	require.Equal(t, 2, deduped.NumInputs())
	assert.True(t, deduped.Input(0).MutatesData)
	assert.False(t, deduped.Input(1).MutatesData)
	assert.Equal(t, []int{0}, deduped.MutatedRuntimeIndices())
	require.Equal(t, 2, deduped.NumOutputs())
	assert.Equal(t, OutputTypeIsInput, deduped.Output(0).Type)
	assert.Equal(t, 0, deduped.Output(0).BaseIdx)

	// Collected on the deduped function directly, the metadata is the same.
	dedupedFn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer { return fn(o, d.addDupeArgs(args)) }
	collected := must.M1(CollectMetadata(e, e, dedupedFn, d.removeDupeArgs(args), false))
	assert.True(t, collected.Equal(deduped), "collected:\n%s\ncomputed:\n%s", collected, deduped)
}

func TestMergeViewInputs(t *testing.T) {
	t.Run("view of an argument", func(t *testing.T) {
		x := buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6))
		y := buffers.View(x, buffers.ReshapeStep(-1))
		z := buffers.New(dtypes.Float32, 4)
		args := []*buffers.Buffer{z, y, x}
		newArgs, info := mergeViewInputs(args, []bool{false, true, false}, true, buffers.DefinitelyDoNotOverlap)
		require.NotNil(t, info)
		require.Len(t, newArgs, 2)
		assert.Same(t, x, newArgs[0], "the common base is reused")
		assert.Same(t, z, newArgs[1])
		assert.Equal(t, SyntheticBaseEntry{Index: 1}, info[0])
		assert.Equal(t, 0, info[1].Index)
		assert.Equal(t, 0, info[2].Index)
		assert.Equal(t, 2, numMerged(info))

		regenerated := info.Regenerate(newArgs)
		require.Len(t, regenerated, len(args))
		assert.Same(t, z, regenerated[0])
		for ii, arg := range args {
			assert.True(t, buffers.SameStorage(arg, regenerated[ii]), "argument #%d", ii)
			assert.True(t, arg.Geometry().Equal(regenerated[ii].Geometry()), "argument #%d", ii)
		}
		assert.Equal(t, y.Values(), regenerated[1].Values())
	})

	t.Run("overlapping arguments without base", func(t *testing.T) {
		storage := buffers.NewStorage(dtypes.Float32, 6)
		a := buffers.Over(storage, buffers.ContiguousGeometry([]int{4}, 0))
		b := buffers.Over(storage, buffers.ContiguousGeometry([]int{4}, 2))
		args := []*buffers.Buffer{a, b}
		newArgs, info := mergeViewInputs(args, []bool{true, false}, true, buffers.DefinitelyDoNotOverlap)
		require.Len(t, newArgs, 1)
		assert.Equal(t, []int{6}, newArgs[0].Dims(), "synthetic base spans the whole storage")
		assert.Same(t, storage, newArgs[0].Storage())
		regenerated := info.Regenerate(newArgs)
		for ii, arg := range args {
			assert.True(t, buffers.SameStorage(arg, regenerated[ii]))
			assert.True(t, arg.Geometry().Equal(regenerated[ii].Geometry()))
		}

		// Not differentiable views of each other: only supported for inference.
		err := exceptions.TryCatch[error](func() {
			mergeViewInputs(args, []bool{true, false}, false, buffers.DefinitelyDoNotOverlap)
		})
		require.ErrorIs(t, err, ErrUnsupportedAliasing)
	})

	t.Run("disjoint arguments", func(t *testing.T) {
		storage := buffers.NewStorage(dtypes.Float32, 8)
		a := buffers.Over(storage, buffers.ContiguousGeometry([]int{4}, 0))
		b := buffers.Over(storage, buffers.ContiguousGeometry([]int{4}, 4))
		args := []*buffers.Buffer{a, b}
		newArgs, info := mergeViewInputs(args, []bool{true, true}, true, buffers.DefinitelyDoNotOverlap)
		assert.Nil(t, info)
		assert.Equal(t, args, newArgs)

		// Columns [0, 2) and [2, 4) of rows of 4 elements.
		left := buffers.Over(storage, buffers.Geometry{Dims: []int{2, 2}, Strides: []int{4, 1}, Offset: 0})
		right := buffers.Over(storage, buffers.Geometry{Dims: []int{2, 2}, Strides: []int{4, 1}, Offset: 2})
		assert.Empty(t, computeOverlappingInputs([]*buffers.Buffer{left, right}, []int{0, 1}, buffers.DefinitelyDoNotOverlap))
		assert.Equal(t, []int{0, 1}, computeOverlappingInputs([]*buffers.Buffer{left, a}, []int{0, 1}, buffers.DefinitelyDoNotOverlap))
	})

	t.Run("no mutation", func(t *testing.T) {
		x := buffers.New(dtypes.Float32, 4)
		args := []*buffers.Buffer{x, buffers.View(x, buffers.NarrowStep(0, 0, 2))}
		newArgs, info := mergeViewInputs(args, []bool{false, false}, false, buffers.DefinitelyDoNotOverlap)
		assert.Nil(t, info)
		assert.Equal(t, args, newArgs)
	})
}

func TestSyntheticBaseMetadata(t *testing.T) {
	e := eager.NewWithGenerator(rng.NewGenerator(1))
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		o.ScaleInPlace(args[1], 3)
		ops.TransposeInPlace(o, args[0], 0, 1)
		return []*buffers.Buffer{args[1], o.Sum(args[0])}
	}
	x := buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6))
	y := buffers.View(x, buffers.NarrowStep(0, 1, 1))
	args := []*buffers.Buffer{x, y}
	m := must.M1(CollectMetadata(e, e, fn, args, false))
	assert.True(t, m.Input(0).MutatesMetadata)
	assert.True(t, m.Input(1).MutatesData)
	assert.Equal(t, OutputTypeIsInput, m.Output(0).Type)

	innerArgs, info := mergeViewInputs(args, []bool{false, true}, true, buffers.DefinitelyDoNotOverlap)
	require.Len(t, innerArgs, 1)
	inner, metadataMutated := syntheticBaseMetadata(m, info, args, innerArgs)
	assert.Equal(t, []int{0}, metadataMutated)
	require.Equal(t, 1, inner.NumInputs())
	assert.True(t, inner.Input(0).MutatesData)
	assert.False(t, inner.Input(0).MutatesMetadata)

	// The returned argument is now regenerated from the base, and the metadata mutation of x
	// is returned as an extra output.
	require.Equal(t, 3, inner.NumOutputs())
	assert.Equal(t, OutputTypeAliasOfInput, inner.Output(0).Type)
	assert.Equal(t, 0, inner.Output(0).BaseIdx)
	assert.Equal(t, OutputTypeNonAlias, inner.Output(1).Type)
	assert.Equal(t, OutputTypeAliasOfInput, inner.Output(2).Type)
}

func TestCollectMetadata(t *testing.T) {
	e := eager.NewWithGenerator(rng.NewGenerator(1))
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		x, w := args[0], args[1]
		o.AddInPlace(x, buffers.Scalar(dtypes.Float32, 1))
		y := o.Mul(x, w)
		noise := o.Uniform(dtypes.Float32, 2, 3)
		return []*buffers.Buffer{
			ops.T(o, x),
			y,
			ops.Narrow(o, y, 0, 0, 1),
			ops.Reshape(o, o.Add(y, noise), -1),
			o.Detach(ops.Narrow(o, y, 0, 1, 1)),
			ops.CustomView(o, w, "diag", buffers.NarrowStep(1, 0, 1)),
		}
	}
	x := buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6))
	w := buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6)).SetRequiresGrad(true)
	args := []*buffers.Buffer{x, w}

	before := e.Generator().State()
	m := must.M1(CollectMetadata(e, e, fn, args, false))
	assert.Equal(t, before, e.Generator().State(), "collection doesn't advance the random number generator")
	assert.Equal(t, arange(6), x.Values(), "collection doesn't mutate the arguments")

	assert.True(t, m.Input(0).MutatesData)
	assert.False(t, m.Input(0).RequiresGrad)
	assert.False(t, m.Input(1).IsMutated())
	assert.True(t, m.Input(1).RequiresGrad)
	assert.Equal(t, MutationTypeOutOfGraph, m.Input(0).MutationType)
	types := make([]OutputType, m.NumOutputs())
	for ii := range types {
		types[ii] = m.Output(ii).Type
	}
	assert.Equal(t, []OutputType{
		OutputTypeAliasOfInput,
		OutputTypeNonAlias,
		OutputTypeAliasOfIntermediateBaseIsUserOutput,
		OutputTypeAliasOfIntermediateSavedAsOutput,
		OutputTypeUnsafeViewAlias,
		OutputTypeCustomView,
	}, types)
	assert.Equal(t, 1, m.Output(2).BaseIdx)
	assert.Equal(t, 0, m.Output(3).BaseIdx)
	assert.Equal(t, 1, m.NumIntermediateBases())
	assert.Equal(t, 3, m.NumAliasedOutputs())
	assert.Equal(t, 1, m.NumUnsafeViewOutputs())

	// Tangents: the plain output, the custom view and the intermediate base.
	assert.Equal(t, []bool{false, false, true, false, false, false, true, true}, m.TangentMask())
	assert.Len(t, m.TracedTangents(), 3)

	// Collecting again gives the same metadata.
	m2 := must.M1(CollectMetadata(e, e, fn, args, false))
	assert.True(t, m.Equal(m2))
	assert.False(t, m.Equal(m.withKeepInputMutations(true)))

	dump := m.String()
	assert.True(t, strings.Contains(dump, "AliasOfIntermediateSavedAsOutput"), dump)
	assert.True(t, strings.Contains(dump, "intermediate bases: 1"), dump)
}

func TestKeepInputMutations(t *testing.T) {
	e := eager.NewWithGenerator(rng.NewGenerator(1))
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		o.NoGrad(func() { o.ScaleInPlace(args[0], 2) })
		o.ScaleInPlace(args[1], 2)
		return []*buffers.Buffer{o.Add(args[0], args[1])}
	}
	x := buffers.FromValues(dtypes.Float32, []int{2}, arange(2))
	y := buffers.FromValues(dtypes.Float32, []int{2}, arange(2))
	m := must.M1(CollectMetadata(e, e, fn, []*buffers.Buffer{x, y}, true))
	assert.True(t, m.Input(0).MutationsHiddenFromGrad)
	assert.False(t, m.Input(1).MutationsHiddenFromGrad)
	assert.Equal(t, MutationTypeInGraph, m.Input(0).MutationType)
	assert.Equal(t, MutationTypeInGraph, m.Input(1).MutationType, "inputs not requiring gradients keep their mutations in the graph")
	assert.Equal(t, []int{0, 1}, m.GraphHandledIndices())
	assert.Equal(t, 1, m.NumForwardReturns())
}
