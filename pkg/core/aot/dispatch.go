// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"slices"
	"sync"
	"time"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// dispatch traces, compiles and wraps the program p, once the calling convention is final.
// In export mode it only traces, and returns nil.
func (c *compilation) dispatch(p program) runtimeFn {
	p.meta = p.meta.withRNGFunctionalized(c.cfg.FunctionalizeRNG)
	if c.needsAutograd {
		return c.dispatchAutograd(p)
	}
	return c.dispatchBase(p)
}

// trace traces fn with the configured tracer, panicking on errors.
// The state of the random number generator is restored afterwards.
func (c *compilation) trace(name string, fn ops.Fn, args []*buffers.Buffer) Graph {
	if c.cfg.Generator != nil {
		defer c.cfg.Generator.Scoped()()
	}
	start := time.Now()
	g, err := c.cfg.Tracer.Trace(name, fn, args)
	if err != nil {
		panic(errors.WithMessagef(err, "aot %q: failed to trace %s", c.cfg.Name, name))
	}
	klog.V(1).Infof("aot %q: traced %s with %d inputs and %d outputs in %s", c.cfg.Name, name, len(args), g.NumOutputs(), time.Since(start))
	return g
}

// compile compiles g with compiler, panicking on errors.
func (c *compilation) compile(compiler Compiler, g Graph, args []*buffers.Buffer) BoxedExecutable {
	start := time.Now()
	exec, err := compiler.Compile(g, args)
	if err != nil {
		panic(errors.WithMessagef(err, "aot %q: failed to compile %s", c.cfg.Name, g.Name()))
	}
	klog.V(1).Infof("aot %q: compiled %s in %s", c.cfg.Name, g.Name(), time.Since(start))
	return MakeBoxed(exec)
}

// callBoxed calls exec with a copy of args, since boxed executables may consume them.
// It panics on errors.
func callBoxed(exec BoxedExecutable, args []*buffers.Buffer) []*buffers.Buffer {
	outs, err := exec.CallBoxed(slices.Clone(args))
	if err != nil {
		panic(errors.WithMessage(err, "calling compiled graph"))
	}
	return outs
}

// dispatchBase compiles the functionalized function for inference.
func (c *compilation) dispatchBase(p program) runtimeFn {
	cfg, meta := c.cfg, p.meta
	fn := functionalize(p.fn, meta, nil)
	args := p.args
	if meta.rngFunctionalized {
		fn = withRNGState(fn)
		args = appendRNGState(args, cfg.Generator)
	}
	g := c.trace(cfg.Name+"_inference", fn, args)
	if cfg.ExportMode {
		c.export(g, p, false)
		return nil
	}
	compiler := cfg.InferenceCompiler
	if compiler == nil {
		compiler = cfg.Compiler
	}
	exec := c.compile(compiler, g, args)

	return c.runtimeWrapper(meta, func(args []*buffers.Buffer) []*buffers.Buffer {
		if !meta.rngFunctionalized {
			return callBoxed(exec, args)
		}
		outs := callBoxed(exec, appendRNGState(args, cfg.Generator))
		if len(outs) == 0 {
			invariantf("compiled graph returned no values, metadata expects the random number generator offset:\n%s", meta)
		}
		offset, outs := xslices.Pop(outs)
		setRNGOffset(cfg.Generator, offset)
		return outs
	})
}

// lazyBackward is a backward executable whose compilation may be deferred to its first use.
type lazyBackward struct {
	c     *compilation
	graph Graph
	once  sync.Once
	exec  BoxedExecutable
}

// newLazyBackward tries to compile the backward graph right away. If it fails, compilation is
// retried on first use, since the backward may never run.
func newLazyBackward(c *compilation, compiler Compiler, g Graph) *lazyBackward {
	b := &lazyBackward{c: c, graph: g}
	exec, err := compiler.Compile(g, g.Inputs())
	if err != nil {
		klog.Warningf("aot %q: failed to eagerly compile the backward graph, deferring its compilation to the first backward: %v",
			c.cfg.Name, err)
		return b
	}
	b.once.Do(func() { b.exec = MakeBoxed(exec) })
	return b
}

func (b *lazyBackward) get(compiler Compiler) BoxedExecutable {
	b.once.Do(func() {
		b.exec = b.c.compile(compiler, b.graph, b.graph.Inputs())
	})
	if b.exec == nil {
		exceptions.Panicf("aot %q: backward graph failed to compile", b.c.cfg.Name)
	}
	return b.exec
}

// dispatchAutograd traces the joint of the functionalized function, partitions it into a
// forward and a backward, and compiles both.
//
// At runtime the forward runs without gradient tracking, and its results that take gradient
// seeds are attached to the gradient engine, with the compiled backward as their backward rule.
func (c *compilation) dispatchAutograd(p program) runtimeFn {
	cfg, meta := c.cfg, p.meta
	j := createJoint(functionalize(p.fn, meta, cfg.Grad), meta, cfg.Grad, cfg.NoTangents)
	numPrimals, numTangents := len(p.args), len(meta.tangents)
	primals := slices.Clone(p.args)
	tangents := meta.TracedTangents()
	if meta.rngFunctionalized {
		primals = appendRNGState(primals, cfg.Generator)
		tangents = appendRNGState(tangents, cfg.Generator)
	}
	g := c.trace(cfg.Name+"_joint", j.flat(numPrimals, numTangents), append(slices.Clone(primals), tangents...))
	if cfg.ExportMode {
		c.export(g, p, true)
		return nil
	}
	if cfg.Partitioner == nil {
		exceptions.Panicf("aot %q: arguments require gradients, but no Partitioner is configured", cfg.Name)
	}
	numFwd := meta.NumForwardReturns() + meta.NumRNGOffsetOutputs()
	fw, bw, err := cfg.Partitioner.Partition(g, primals, tangents, numFwd)
	if err != nil {
		panic(errors.WithMessagef(err, "aot %q: failed to partition the joint graph", cfg.Name))
	}
	fwExec := c.compile(cfg.Compiler, fw, primals)
	bwCompiler := cfg.BackwardCompiler
	if bwCompiler == nil {
		bwCompiler = cfg.Compiler
	}
	bwExec := newLazyBackward(c, bwCompiler, bw)

	return c.runtimeWrapper(meta, func(args []*buffers.Buffer) []*buffers.Buffer {
		fwArgs := args
		if meta.rngFunctionalized {
			fwArgs = appendRNGState(args, cfg.Generator)
		}
		var raw []*buffers.Buffer
		cfg.Ops.NoGrad(func() { raw = callBoxed(fwExec, fwArgs) })
		if len(raw) < numFwd {
			invariantf("compiled forward returned %d values, metadata expects at least %d:\n%s", len(raw), numFwd, meta)
		}
		returns := slices.Clone(raw[:meta.NumForwardReturns()])
		if meta.rngFunctionalized {
			setRNGOffset(cfg.Generator, raw[meta.NumForwardReturns()])
		}
		saved := slices.Clone(raw[numFwd:])

		// Results taking gradient seeds are attached to the inputs that take gradients.
		var attached []*buffers.Buffer
		for ii, takesTangent := range meta.tangentMask {
			if takesTangent {
				returns[ii] = buffers.Detach(returns[ii])
				attached = append(attached, returns[ii])
			}
		}
		var diffIndices []int
		for ii, arg := range args {
			if meta.inputs[ii].RequiresGrad && arg.RequiresGrad() && (j.nilGrads == nil || !j.nilGrads[ii]) {
				diffIndices = append(diffIndices, ii)
			}
		}
		cfg.Grad.Attach(xslices.Gather(args, diffIndices), attached, func(gradOutputs []*buffers.Buffer) []*buffers.Buffer {
			bwArgs := slices.Clone(saved)
			for k, g := range gradOutputs {
				if g == nil {
					g = cfg.Ops.Zeros(meta.tangents[k].DType(), meta.tangents[k].Dims()...)
				}
				bwArgs = append(bwArgs, g)
			}
			if meta.rngFunctionalized {
				bwArgs = appendRNGState(bwArgs, cfg.Generator)
			}
			var grads []*buffers.Buffer
			cfg.Ops.NoGrad(func() { grads = callBoxed(bwExec.get(bwCompiler), bwArgs) })
			if meta.rngFunctionalized {
				var offset *buffers.Buffer
				offset, grads = xslices.Pop(grads)
				setRNGOffset(cfg.Generator, offset)
			}
			if len(grads) != numPrimals {
				invariantf("compiled backward returned %d gradients for %d inputs:\n%s", len(grads), numPrimals, meta)
			}
			klog.V(2).Infof("aot %q: ran compiled backward", cfg.Name)
			return xslices.Gather(grads, diffIndices)
		})
		return returns
	})
}
