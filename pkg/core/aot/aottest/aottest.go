// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package aottest provides reference collaborators for the aot package, to be used in tests:
// a Tracer that keeps the traced function as a closure, a Partitioner that recomputes the
// forward in the backward, and a Compiler that runs the closures eagerly.
package aottest

import (
	"slices"
	"strings"

	"github.com/gomlx/aotgraph/pkg/core/aot"
	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/eager"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/core/rng"
	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Graph is a traced function, kept as a closure.
type Graph struct {
	name       string
	fn         ops.Fn
	inputs     []*buffers.Buffer
	numOutputs int
}

var _ aot.Graph = (*Graph)(nil)

// Name implements aot.Graph.
func (g *Graph) Name() string { return g.name }

// Inputs implements aot.Graph.
func (g *Graph) Inputs() []*buffers.Buffer { return slices.Clone(g.inputs) }

// NumOutputs implements aot.Graph.
func (g *Graph) NumOutputs() int { return g.numOutputs }

// Fn returns the traced function.
func (g *Graph) Fn() ops.Fn { return g.fn }

// placeholder returns a symbolic buffer with the dtype and layout of x.
func placeholder(x *buffers.Buffer) *buffers.Buffer {
	return buffers.Over(buffers.NewSymbolicStorage(x.DType(), x.Storage().Len()), x.Geometry())
}

// Tracer implements aot.Tracer by running the function once over placeholders, to check it and
// count its outputs, and keeping it as a closure.
type Tracer struct {
	Ops *eager.Engine

	// Traced holds the names of the graphs traced so far.
	Traced []string
}

var _ aot.Tracer = (*Tracer)(nil)

// NewTracer returns a Tracer running functions with e.
func NewTracer(e *eager.Engine) *Tracer {
	return &Tracer{Ops: e}
}

// Trace implements aot.Tracer.
func (t *Tracer) Trace(name string, fn ops.Fn, args []*buffers.Buffer) (aot.Graph, error) {
	placeholders := xslices.Map(args, placeholder)
	var outs []*buffers.Buffer
	err := exceptions.TryCatch[error](func() {
		defer t.Ops.Generator().Scoped()()
		t.Ops.NoGrad(func() { outs = fn(t.Ops, placeholders) })
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "tracing %q", name)
	}
	t.Traced = append(t.Traced, name)
	return &Graph{name: name, fn: fn, inputs: slices.Clone(args), numOutputs: len(outs)}, nil
}

// Partitioner implements aot.Partitioner by saving the primals in the forward, and recomputing
// the whole joint in the backward.
type Partitioner struct{}

var _ aot.Partitioner = Partitioner{}

// Partition implements aot.Partitioner.
func (Partitioner) Partition(joint aot.Graph, primals, tangents []*buffers.Buffer, numForwardOutputs int) (fw, bw aot.Graph, err error) {
	g, ok := joint.(*Graph)
	if !ok {
		return nil, nil, errors.Errorf("aottest.Partitioner can only partition graphs traced by aottest.Tracer, got %T", joint)
	}
	if len(primals)+len(tangents) != len(g.inputs) {
		return nil, nil, errors.Errorf("joint graph %q has %d inputs, but %d primals and %d tangents were given",
			g.name, len(g.inputs), len(primals), len(tangents))
	}
	if numForwardOutputs > g.numOutputs {
		return nil, nil, errors.Errorf("joint graph %q has %d outputs, can't have %d forward outputs",
			g.name, g.numOutputs, numForwardOutputs)
	}
	name := strings.TrimSuffix(g.name, "_joint")
	numPrimals := len(primals)
	tangentsExamples := slices.Clone(tangents)

	fwFn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		jointArgs := slices.Clone(args)
		for _, t := range tangentsExamples {
			jointArgs = append(jointArgs, o.Zeros(t.DType(), t.Dims()...))
		}
		outs := g.fn(o, jointArgs)
		// Primals are saved as copies: the caller may mutate them before the backward runs.
		saved := xslices.Map(args, o.Clone)
		return append(slices.Clone(outs[:numForwardOutputs]), saved...)
	}
	bwFn := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		outs := g.fn(o, args)
		return slices.Clone(outs[numForwardOutputs:])
	}
	fw = &Graph{name: name + "_forward", fn: fwFn, inputs: slices.Clone(primals), numOutputs: numForwardOutputs + numPrimals}
	bwInputs := append(xslices.Map(primals, placeholder), tangents...)
	bw = &Graph{name: name + "_backward", fn: bwFn, inputs: bwInputs, numOutputs: g.numOutputs - numForwardOutputs}
	return fw, bw, nil
}

// Compiler implements aot.Compiler by running the traced closures eagerly, with gradient
// tracking disabled.
type Compiler struct {
	Ops *eager.Engine

	// Boxed makes the compiled executables implement aot.BoxedExecutable.
	// They then consume their arguments: the slice given is cleared.
	Boxed bool

	// FailBackwardCompiles is the number of compilations of backward graphs that fail
	// before they start succeeding.
	FailBackwardCompiles int

	// Compiled holds the names of the graphs compiled so far, and NumCalls the number of calls
	// to the compiled executables.
	Compiled []string
	NumCalls int
}

var _ aot.Compiler = (*Compiler)(nil)

// NewCompiler returns a Compiler running graphs with e.
func NewCompiler(e *eager.Engine) *Compiler {
	return &Compiler{Ops: e}
}

// Compile implements aot.Compiler.
func (c *Compiler) Compile(g aot.Graph, exampleArgs []*buffers.Buffer) (aot.Executable, error) {
	graph, ok := g.(*Graph)
	if !ok {
		return nil, errors.Errorf("aottest.Compiler can only compile graphs traced by aottest.Tracer, got %T", g)
	}
	if len(exampleArgs) != len(graph.inputs) {
		return nil, errors.Errorf("graph %q takes %d inputs, got %d example arguments", graph.name, len(graph.inputs), len(exampleArgs))
	}
	if strings.HasSuffix(graph.name, "_backward") && c.FailBackwardCompiles > 0 {
		c.FailBackwardCompiles--
		return nil, errors.Errorf("failed to compile %q", graph.name)
	}
	c.Compiled = append(c.Compiled, graph.name)
	exec := &Executable{compiler: c, graph: graph}
	if c.Boxed {
		return &BoxedExecutable{exec}, nil
	}
	return exec, nil
}

// Executable runs a Graph eagerly.
type Executable struct {
	compiler *Compiler
	graph    *Graph
}

var _ aot.Executable = (*Executable)(nil)

// Call implements aot.Executable.
func (e *Executable) Call(args ...*buffers.Buffer) (outputs []*buffers.Buffer, err error) {
	if len(args) != len(e.graph.inputs) {
		return nil, errors.Errorf("graph %q takes %d inputs, called with %d", e.graph.name, len(e.graph.inputs), len(args))
	}
	e.compiler.NumCalls++
	o := e.compiler.Ops
	err = exceptions.TryCatch[error](func() {
		o.NoGrad(func() { outputs = e.graph.fn(o, args) })
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "running %q", e.graph.name)
	}
	if len(outputs) != e.graph.numOutputs {
		return nil, errors.Errorf("graph %q returned %d outputs, it was traced with %d", e.graph.name, len(outputs), e.graph.numOutputs)
	}
	return outputs, nil
}

// BoxedExecutable is an Executable that consumes its arguments.
type BoxedExecutable struct {
	*Executable
}

var _ aot.BoxedExecutable = (*BoxedExecutable)(nil)

// CallBoxed implements aot.BoxedExecutable.
func (b *BoxedExecutable) CallBoxed(args []*buffers.Buffer) ([]*buffers.Buffer, error) {
	owned := slices.Clone(args)
	clear(args)
	return b.Call(owned...)
}

// Seed of the random number generator of the engines created by Config.
const Seed = 42

// Config returns an aot.Config with the collaborators of this package, and a new eager.Engine
// with its own random number generator seeded with Seed.
// It also returns the compiler, whose counters tests can inspect.
func Config(name string) (*aot.Config, *Compiler) {
	e := eager.NewWithGenerator(rng.NewGenerator(Seed))
	compiler := NewCompiler(e)
	cfg := aot.DefaultConfig()
	cfg.Name = name
	cfg.Ops, cfg.Grad, cfg.Generator = e, e, e.Generator()
	cfg.Tracer = NewTracer(e)
	cfg.Partitioner = Partitioner{}
	cfg.Compiler = compiler
	return cfg, compiler
}
