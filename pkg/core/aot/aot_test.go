// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot_test

import (
	"testing"

	"github.com/gomlx/aotgraph/pkg/core/aot"
	"github.com/gomlx/aotgraph/pkg/core/aot/aottest"
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

func arange(n int) []float64 {
	vs := make([]float64, n)
	for ii := range vs {
		vs[ii] = float64(ii)
	}
	return vs
}

func buffersOf(bs ...*buffers.Buffer) []*buffers.Buffer { return bs }

// newConfig returns a configuration with the aottest collaborators, and its engine.
func newConfig(name string) (*aot.Config, *eager.Engine, *aottest.Compiler) {
	cfg, compiler := aottest.Config(name)
	return cfg, cfg.Ops.(*eager.Engine), compiler
}

// reference returns an engine with the same random number generator state as the ones
// created by newConfig.
func reference() *eager.Engine {
	return eager.NewWithGenerator(rng.NewGenerator(aottest.Seed))
}

func TestMutateThenUse(t *testing.T) {
	// x.mul_(2); return x.mul(3)
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		x := args[0]
		o.ScaleInPlace(x, 2)
		return buffersOf(o.Scale(x, 3))
	}
	for _, boxed := range []bool{false, true} {
		cfg, _, compiler := newConfig("mul")
		compiler.Boxed = boxed
		x := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3))
		compiled := must.M1(aot.Compile(fn, buffersOf(x), cfg))
		assert.Equal(t, values(1, 2, 3), x.Values(), "compiling doesn't run the function on the arguments")

		meta := compiled.Meta()
		assert.True(t, meta.Input(0).MutatesData)
		assert.False(t, meta.Input(0).MutatesMetadata)
		assert.Equal(t, aot.MutationTypeOutOfGraph, meta.Input(0).MutationType)
		assert.Equal(t, []int{0}, meta.MutatedRuntimeIndices())
		assert.Equal(t, 2, meta.NumForwardReturns(), "the graph returns the updated input and the output")

		outs := compiled.Call(x)
		require.Len(t, outs, 1)
		assert.Equal(t, values(2, 4, 6), x.Values())
		assert.Equal(t, values(6, 12, 18), outs[0].Values())
		assert.Equal(t, []string{"mul_inference"}, compiler.Compiled)

		outs = must.M1(compiled.Exec(x))
		assert.Equal(t, values(4, 8, 12), x.Values())
		assert.Equal(t, values(12, 24, 36), outs[0].Values())
		_, err := compiled.Exec(x, x)
		require.Error(t, err)
	}

	// Mutations kept in the graph.
	cfg, _, _ := newConfig("mul_keep")
	cfg.KeepInferenceInputMutations = true
	x := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3))
	compiled := must.M1(aot.Compile(fn, buffersOf(x), cfg))
	assert.Equal(t, aot.MutationTypeInGraph, compiled.Meta().Input(0).MutationType)
	assert.Equal(t, 1, compiled.Meta().NumForwardReturns())
	outs := compiled.Call(x)
	assert.Equal(t, values(2, 4, 6), x.Values())
	assert.Equal(t, values(6, 12, 18), outs[0].Values())
}

func TestSyntheticBase(t *testing.T) {
	// y = x.view(-1); y.mul_(3); return x.sum()
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		o.ScaleInPlace(args[1], 3)
		return buffersOf(o.Sum(args[0]))
	}
	newArgs := func() []*buffers.Buffer {
		x := buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6))
		return buffersOf(x, buffers.View(x, buffers.ReshapeStep(-1)))
	}
	cfg, _, _ := newConfig("synthetic")
	cfg.DebugAssert = true
	compiled := must.M1(aot.Compile(fn, newArgs(), cfg))

	want := fn(reference(), newArgs())[0]
	args := newArgs()
	outs := compiled.Call(args...)
	require.Len(t, outs, 1)
	assert.Equal(t, want.Values(), outs[0].Values())
	assert.Equal(t, values(45), outs[0].Values())
	assert.Equal(t, values(0, 3, 6, 9, 12, 15), args[0].Values())
	assert.Equal(t, values(0, 3, 6, 9, 12, 15), args[1].Values())
	assert.True(t, buffers.SameStorage(args[0], args[1]))

	// Arguments that don't alias each other the way they did at compile time.
	_, err := compiled.Exec(args[0], buffers.FromValues(dtypes.Float32, []int{6}, arange(6)))
	require.ErrorIs(t, err, aot.ErrInvariant)

	// Export doesn't support it.
	_, err = aot.Export(fn, newArgs(), cfg)
	require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)

	// Nor composite arguments.
	x := buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6)).SetComposite(true)
	_, err = aot.Compile(fn, buffersOf(x, buffers.View(x, buffers.ReshapeStep(-1))), cfg)
	require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
	require.ErrorContains(t, err, "composite")
}

func TestDuplicatedArguments(t *testing.T) {
	t.Run("not mutated", func(t *testing.T) {
		fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
			return buffersOf(o.Add(args[0], args[1]))
		}
		cfg, _, _ := newConfig("dupes")
		cfg.DebugAssert = true
		x := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3))
		compiled := must.M1(aot.Compile(fn, buffersOf(x, x), cfg))
		outs := compiled.Call(x, x)
		assert.Equal(t, values(2, 4, 6), outs[0].Values())
		_, err := compiled.Exec(x)
		require.Error(t, err)

		// The duplicate is kept in the calling convention of the graph.
		exported := must.M1(aot.Export(fn, buffersOf(x, x), cfg))
		assert.Len(t, exported.Graph.Inputs(), 2)
		assert.Equal(t, []string{"arg0", "arg1"}, exported.Signature.UserInputs)
	})

	t.Run("mutated first occurrence merged with its detached duplicate", func(t *testing.T) {
		fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
			o.AddInPlace(args[0], buffers.Scalar(dtypes.Float32, 1))
			return buffersOf(o.Sum(args[1]))
		}
		cfg, _, _ := newConfig("mutated_dupes")
		cfg.DebugAssert = true
		x := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3))
		compiled := must.M1(aot.Compile(fn, buffersOf(x, x), cfg))

		y := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3))
		want := fn(reference(), buffersOf(y, y))[0]
		assert.Equal(t, values(9), want.Values())
		outs := compiled.Call(x, x)
		assert.Equal(t, want.Values(), outs[0].Values())
		assert.Equal(t, values(2, 3, 4), x.Values())

		_, err := compiled.Exec(x, y)
		require.ErrorIs(t, err, aot.ErrInvariant)
		_, err = aot.Export(fn, buffersOf(x, x), cfg)
		require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
	})

	t.Run("mutated duplicate removed", func(t *testing.T) {
		fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
			o.ScaleInPlace(args[1], 2)
			return buffersOf(o.Sum(args[0]))
		}
		cfg, _, _ := newConfig("removed_dupes")
		cfg.DebugAssert = true
		x := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3))
		compiled := must.M1(aot.Compile(fn, buffersOf(x, x), cfg))

		y := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3))
		want := fn(reference(), buffersOf(y, y))[0]
		assert.Equal(t, values(12), want.Values())
		outs := compiled.Call(x, x)
		assert.Equal(t, want.Values(), outs[0].Values())
		assert.Equal(t, values(2, 4, 6), x.Values())
		assert.Equal(t, y.Values(), x.Values())

		// Arguments no longer duplicated fail the round-trip of the calling convention.
		z := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3))
		_, err := compiled.Exec(x, z)
		require.ErrorIs(t, err, aot.ErrInvariant)
		require.ErrorContains(t, err, "duplicate of argument #0")
		assert.Equal(t, values(1, 2, 3), z.Values())

		_, err = aot.Export(fn, buffersOf(x, x), cfg)
		require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
		require.ErrorContains(t, err, "duplicated arguments")

		composite := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3)).SetComposite(true)
		_, err = aot.Compile(fn, buffersOf(composite, composite), cfg)
		require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
		require.ErrorContains(t, err, "composite")
	})
}

func TestMetadataMutation(t *testing.T) {
	// x.t_(); return x
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		ops.TransposeInPlace(o, args[0], 0, 1)
		return buffersOf(args[0])
	}
	cfg, _, _ := newConfig("transpose")
	compiled := must.M1(aot.Compile(fn, buffersOf(buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6))), cfg))
	meta := compiled.Meta()
	assert.True(t, meta.Input(0).MutatesMetadata)
	assert.False(t, meta.Input(0).MutatesData)
	assert.Equal(t, aot.OutputTypeIsInput, meta.Output(0).Type)

	x := buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6))
	storage := buffers.StorageBase(x)
	outs := compiled.Call(x)
	require.Len(t, outs, 1)
	assert.Same(t, x, outs[0])
	assert.Equal(t, []int{3, 2}, x.Dims())
	assert.Equal(t, values(0, 3, 1, 4, 2, 5), x.Values())
	assert.Equal(t, arange(6), storage.Values(), "the data is untouched")
	assert.True(t, buffers.SameStorage(x, storage))

	_, err := aot.Export(fn, buffersOf(x), cfg)
	require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
}

func TestAliasedOutputs(t *testing.T) {
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		x := args[0]
		y := o.Scale(x, 2)
		return buffersOf(
			ops.Narrow(o, x, 0, 0, 1),
			y,
			ops.Narrow(o, y, 0, 1, 1),
			ops.Reshape(o, o.Add(x, y), -1),
		)
	}
	cfg, _, _ := newConfig("aliases")
	compiled := must.M1(aot.Compile(fn, buffersOf(buffers.New(dtypes.Float32, 2, 3)), cfg))
	meta := compiled.Meta()
	assert.Equal(t, aot.OutputTypeAliasOfInput, meta.Output(0).Type)
	assert.Equal(t, aot.OutputTypeNonAlias, meta.Output(1).Type)
	assert.Equal(t, aot.OutputTypeAliasOfIntermediateBaseIsUserOutput, meta.Output(2).Type)
	assert.Equal(t, aot.OutputTypeAliasOfIntermediateSavedAsOutput, meta.Output(3).Type)

	x := buffers.FromValues(dtypes.Float32, []int{2, 3}, arange(6))
	outs := compiled.Call(x)
	require.Len(t, outs, 4)
	assert.True(t, buffers.SameStorage(x, outs[0]))
	assert.Equal(t, values(0, 1, 2), outs[0].Values())
	assert.Equal(t, values(0, 2, 4, 6, 8, 10), outs[1].Values())
	assert.True(t, buffers.SameStorage(outs[1], outs[2]))
	assert.Equal(t, values(6, 8, 10), outs[2].Values())
	assert.Equal(t, []int{6}, outs[3].Dims())
	assert.Equal(t, values(0, 3, 6, 9, 12, 15), outs[3].Values())

	// The alias of the input sees later changes of the input.
	reference().ScaleInPlace(x, 10)
	assert.Equal(t, values(0, 10, 20), outs[0].Values())
}

func TestGradients(t *testing.T) {
	// x += 1; return sum(w*x), w.T
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		w, x := args[0], args[1]
		o.AddInPlace(x, buffers.Scalar(dtypes.Float32, 1))
		return buffersOf(o.Sum(o.Mul(w, x)), ops.T(o, w))
	}
	newArgs := func() []*buffers.Buffer {
		w := buffers.FromValues(dtypes.Float32, []int{2, 2}, values(1, 2, 3, 4)).SetRequiresGrad(true)
		x := buffers.FromValues(dtypes.Float32, []int{2, 2}, values(10, 20, 30, 40))
		return buffersOf(w, x)
	}

	ref := reference()
	refArgs := newArgs()
	refOuts := fn(ref, refArgs)
	refGrads := must.M1(ref.Grad(refOuts[:1], refArgs[:1], nil, false))

	cfg, e, compiler := newConfig("grad")
	compiled := must.M1(aot.Compile(fn, newArgs(), cfg))
	assert.Equal(t, []string{"grad_forward", "grad_backward"}, compiler.Compiled)
	assert.True(t, compiled.Meta().Input(0).RequiresGrad)
	assert.False(t, compiled.Meta().Input(1).RequiresGrad)

	args := newArgs()
	outs := compiled.Call(args...)
	require.Len(t, outs, 2)
	assert.Equal(t, refOuts[0].Values(), outs[0].Values())
	assert.Equal(t, values(11, 21, 31, 41), args[1].Values())
	assert.True(t, outs[0].RequiresGrad())
	assert.True(t, outs[1].RequiresGrad())
	assert.True(t, buffers.SameStorage(args[0], outs[1]))
	assert.Equal(t, values(1, 3, 2, 4), outs[1].Values())

	grads := must.M1(e.Grad(outs[:1], args[:1], nil, false))
	assert.Equal(t, refGrads[0].Values(), grads[0].Values())
	assert.Equal(t, values(11, 21, 31, 41), grads[0].Values())

	// Outputs that don't require gradients: compiled for inference.
	cfg, _, compiler = newConfig("fallback")
	noGradFn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		return buffersOf(o.Sum(args[1]))
	}
	compiled = must.M1(aot.Compile(noGradFn, newArgs(), cfg))
	assert.Equal(t, []string{"fallback_inference"}, compiler.Compiled)
	assert.Equal(t, values(100), compiled.Call(newArgs()...)[0].Values())
}

func TestMutatedInputRequiringGrad(t *testing.T) {
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		o.ScaleInPlace(args[0], 2)
		return buffersOf(o.Sum(args[0]))
	}
	cfg, e, _ := newConfig("mutated_grad")
	w := buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3)).SetRequiresGrad(true)
	compiled := must.M1(aot.Compile(fn, buffersOf(e.Scale(w, 1)), cfg))
	meta := compiled.Meta()
	assert.True(t, meta.Input(0).MutatesData)
	assert.True(t, meta.Input(0).RequiresGrad)
	assert.Equal(t, []bool{true, true}, meta.TangentMask())

	a := e.Scale(w, 1)
	outs := compiled.Call(a)
	assert.Equal(t, values(2, 4, 6), a.Values())
	assert.Equal(t, values(12), outs[0].Values())
	grads := must.M1(e.Grad(outs, buffersOf(w), nil, false))
	assert.Equal(t, values(2, 2, 2), grads[0].Values())

	_, err := aot.Export(fn, buffersOf(e.Scale(w, 1)), cfg)
	require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
}

func TestLazyBackward(t *testing.T) {
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		return buffersOf(o.Sum(o.Mul(args[0], args[0])))
	}
	newArg := func() *buffers.Buffer {
		return buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3)).SetRequiresGrad(true)
	}

	cfg, e, compiler := newConfig("lazy")
	compiler.FailBackwardCompiles = 1
	compiled := must.M1(aot.Compile(fn, buffersOf(newArg()), cfg))
	assert.Equal(t, []string{"lazy_forward"}, compiler.Compiled)
	w := newArg()
	outs := compiled.Call(w)
	assert.Equal(t, values(14), outs[0].Values())
	grads := must.M1(e.Grad(outs, buffersOf(w), nil, false))
	assert.Equal(t, values(2, 4, 6), grads[0].Values())
	assert.Equal(t, []string{"lazy_forward", "lazy_backward"}, compiler.Compiled)

	// A backward that never compiles fails at the first backward.
	cfg, e, compiler = newConfig("broken")
	compiler.FailBackwardCompiles = 2
	compiled = must.M1(aot.Compile(fn, buffersOf(newArg()), cfg))
	w = newArg()
	outs = compiled.Call(w)
	require.Panics(t, func() { _, _ = e.Grad(outs, buffersOf(w), nil, false) })
}

func TestFunctionalizedRNG(t *testing.T) {
	t.Run("inference", func(t *testing.T) {
		fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
			return buffersOf(o.Add(args[0], o.Uniform(dtypes.Float32, 4)))
		}
		cfg, _, _ := newConfig("rng")
		cfg.FunctionalizeRNG = true
		x := buffers.FromValues(dtypes.Float32, []int{4}, values(1, 2, 3, 4))
		compiled := must.M1(aot.Compile(fn, buffersOf(x), cfg))
		assert.True(t, compiled.Meta().IsRNGFunctionalized())
		ref := reference()
		assert.Equal(t, ref.Generator().State(), cfg.Generator.State(), "compiling doesn't draw random numbers")
		for range 3 {
			outs := compiled.Call(x)
			want := fn(ref, buffersOf(x))[0]
			assert.Equal(t, want.Values(), outs[0].Values())
			assert.Equal(t, ref.Generator().State(), cfg.Generator.State())
		}

		_, err := aot.Export(fn, buffersOf(x), cfg)
		require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
	})

	t.Run("gradients", func(t *testing.T) {
		// Dropout-like: the backward must see the same random values as the forward.
		fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
			return buffersOf(o.Sum(o.Mul(args[0], o.Uniform(dtypes.Float32, 3))))
		}
		newArg := func() *buffers.Buffer {
			return buffers.FromValues(dtypes.Float32, []int{3}, values(1, 2, 3)).SetRequiresGrad(true)
		}
		cfg, e, _ := newConfig("rng_grad")
		cfg.FunctionalizeRNG = true
		compiled := must.M1(aot.Compile(fn, buffersOf(newArg()), cfg))
		ref := reference()
		for range 2 {
			w := newArg()
			outs := compiled.Call(w)
			grads := must.M1(e.Grad(outs, buffersOf(w), nil, false))

			refW := newArg()
			refOuts := fn(ref, buffersOf(refW))
			refGrads := must.M1(ref.Grad(refOuts, buffersOf(refW), nil, false))
			assert.Equal(t, refOuts[0].Values(), outs[0].Values())
			assert.Equal(t, refGrads[0].Values(), grads[0].Values())
			assert.Equal(t, ref.Generator().State(), cfg.Generator.State())
		}
	})
}

// drawingTracer draws random numbers from the engine before tracing, as tracers that run the
// function eagerly do.
type drawingTracer struct {
	*aottest.Tracer
}

func (t drawingTracer) Trace(name string, fn ops.Fn, args []*buffers.Buffer) (aot.Graph, error) {
	t.Ops.Uniform(dtypes.Float32, 8)
	return t.Tracer.Trace(name, fn, args)
}

func TestTracingKeepsGeneratorState(t *testing.T) {
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		return buffersOf(o.Sum(o.Mul(args[0], args[0])))
	}
	for _, requiresGrad := range []bool{false, true} {
		cfg, _, _ := newConfig("drawing")
		cfg.Tracer = drawingTracer{cfg.Tracer.(*aottest.Tracer)}
		x := buffers.FromValues(dtypes.Float32, []int{2}, values(1, 2)).SetRequiresGrad(requiresGrad)
		before := cfg.Generator.State()
		compiled := must.M1(aot.Compile(fn, buffersOf(x), cfg))
		assert.Equal(t, before, cfg.Generator.State())
		assert.Equal(t, reference().Generator().State(), cfg.Generator.State())
		assert.Equal(t, values(5), compiled.Call(x)[0].Values())
	}
}

func TestExport(t *testing.T) {
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		o.AddInPlace(args[1], buffers.Scalar(dtypes.Float32, 1))
		return buffersOf(o.Sum(o.Mul(args[0], args[1])))
	}
	cfg, _, compiler := newConfig("export")
	cfg.NumParameters = 1
	w := buffers.FromValues(dtypes.Float32, []int{2}, values(1, 2))
	x := buffers.FromValues(dtypes.Float32, []int{2}, values(3, 4))
	exported := must.M1(aot.Export(fn, buffersOf(w, x), cfg))
	assert.Empty(t, compiler.Compiled)
	assert.Equal(t, values(3, 4), x.Values())
	assert.Equal(t, 2, exported.Graph.NumOutputs())
	sig := exported.Signature
	assert.Equal(t, []string{"param0"}, sig.Parameters)
	assert.Equal(t, []string{"arg1"}, sig.UserInputs)
	assert.Equal(t, []string{"output0", "output1"}, sig.Outputs)
	assert.Equal(t, []string{"output1"}, sig.UserOutputs)
	assert.Equal(t, map[string]string{"output0": "arg1"}, sig.UserInputMutations)
	assert.Empty(t, sig.ParameterMutations)
	assert.Contains(t, sig.String(), "output0->arg1")

	// Joint graph without tangents.
	lossFn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		return buffersOf(o.Sum(o.Mul(args[0], args[1])))
	}
	cfg.NoTangents = true
	w.SetRequiresGrad(true)
	exported = must.M1(aot.Export(lossFn, buffersOf(w, x), cfg))
	sig = exported.Signature
	assert.Equal(t, []string{"param0", "arg1", "tangent0"}, sig.Inputs)
	assert.Equal(t, "output0", sig.LossOutput)
	assert.Equal(t, map[string]string{"output1": "param0"}, sig.GradientsToParameters)
	assert.Empty(t, sig.GradientsToUserInputs)
	assert.Equal(t, 3, exported.Graph.NumOutputs())

	// Composite arguments are not supported.
	_, err := aot.Export(lossFn, buffersOf(w, buffers.New(dtypes.Float32, 2).SetComposite(true)), cfg)
	require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
}

func TestExportJointSimple(t *testing.T) {
	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		return buffersOf(o.Sum(o.Mul(args[0], args[1])))
	}
	cfg, _, _ := newConfig("simple")
	w := buffers.FromValues(dtypes.Float32, []int{2}, values(1, 2)).SetRequiresGrad(true)
	x := buffers.FromValues(dtypes.Float32, []int{2}, values(3, 4))

	g := must.M1(aot.ExportJointSimple(fn, buffersOf(w, x), true, cfg))
	assert.Len(t, g.Inputs(), 3, "primals and the tangent")
	assert.Equal(t, 3, g.NumOutputs(), "output and the gradients of both primals")

	g = must.M1(aot.ExportJointSimple(fn, buffersOf(w, x), false, cfg))
	assert.Len(t, g.Inputs(), 2)
	assert.Equal(t, 1, g.NumOutputs())

	aliasFn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		return buffersOf(ops.T(o, args[1]))
	}
	_, err := aot.ExportJointSimple(aliasFn, buffersOf(buffers.New(dtypes.Float32, 2, 2), buffers.New(dtypes.Float32, 2, 2)), false, cfg)
	require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)

	mutatingFn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		o.ScaleInPlace(args[1], 2)
		return buffersOf(o.Sum(args[1]))
	}
	_, err = aot.ExportJointSimple(mutatingFn, buffersOf(w, x), false, cfg)
	require.ErrorIs(t, err, aot.ErrUnsupportedAliasing)
}

func TestConfig(t *testing.T) {
	t.Setenv(aot.GOMLX_AOT_DEBUG, "1")
	assert.True(t, aot.DefaultConfig().DebugAssert)
	t.Setenv(aot.GOMLX_AOT_DEBUG, "false")
	assert.False(t, aot.DefaultConfig().DebugAssert)

	fn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer { return args }
	x := buffers.New(dtypes.Float32, 2)
	_, err := aot.Compile(fn, buffersOf(x), aot.DefaultConfig())
	require.Error(t, err, "no tracer or compiler configured")

	cfg, _, _ := newConfig("export_mode")
	cfg.ExportMode = true
	_, err = aot.Compile(fn, buffersOf(x), cfg)
	require.Error(t, err)

	cfg, _, _ = newConfig("identity")
	compiled := must.M1(aot.Compile(fn, buffersOf(x), cfg))
	assert.Equal(t, "identity", compiled.Name())
	outs := compiled.Call(x)
	assert.Same(t, x, outs[0])
}
